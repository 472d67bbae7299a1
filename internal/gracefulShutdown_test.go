package internal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsTasksAndFlagsState(t *testing.T) {
	ran := make(chan struct{})
	// The error return keeps the shutdown goroutine from calling os.Exit,
	// so the test binary survives.
	gs := NewGracefulShutdown(func() error {
		close(ran)
		return errors.New("remaining work is abandoned")
	})

	require.False(t, gs.ShuttingDown())

	gs.Shutdown()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shutdown task did not run")
	}

	assert.True(t, gs.ShuttingDown())
	// ShuttingDown stays true when checked repeatedly during shutdown
	assert.True(t, gs.ShuttingDown())
	gs.Wait()
}

func TestShutdownIsIdempotent(t *testing.T) {
	ran := make(chan struct{})
	gs := NewGracefulShutdown(func() error {
		close(ran)
		return errors.New("remaining work is abandoned")
	})

	gs.Shutdown()
	<-ran
	// A second trigger during shutdown must not block or panic
	gs.Shutdown()
	gs.Wait()
}
