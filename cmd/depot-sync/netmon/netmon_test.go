package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/helper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilProbeIsAlwaysOnline(t *testing.T) {
	helper.InitTestLogging()
	m := New(nil, time.Second)
	assert.True(t, m.IsOnline())

	// Start returns immediately without a probe
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return for a nil probe")
	}
}

func TestProbeDrivesState(t *testing.T) {
	helper.InitTestLogging()
	var reachable atomic.Bool
	probe := func(ctx context.Context) bool { return reachable.Load() }

	m := New(probe, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)

	reachable.Store(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
}

func TestSubscribeFiresOnRecoveryOnly(t *testing.T) {
	helper.InitTestLogging()
	m := New(func(ctx context.Context) bool { return true }, time.Second)

	var fired atomic.Int32
	unsubscribe := m.Subscribe(func() { fired.Add(1) })

	m.SetOnlineForTesting(true)
	assert.Zero(t, fired.Load(), "online to online is not a transition")

	m.SetOnlineForTesting(false)
	assert.Zero(t, fired.Load(), "going offline does not notify")

	m.SetOnlineForTesting(true)
	assert.Equal(t, int32(1), fired.Load())

	unsubscribe()
	m.SetOnlineForTesting(false)
	m.SetOnlineForTesting(true)
	assert.Equal(t, int32(1), fired.Load(), "unsubscribed callbacks stay silent")
}

func TestDialProbeFailsFastOnClosedPort(t *testing.T) {
	helper.InitTestLogging()
	probe := DialProbe("127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.False(t, probe(ctx))
}
