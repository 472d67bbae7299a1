package ledger

import (
	"context"
	"testing"

	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/helper"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) store.Store {
	helper.InitTestLogging()
	s, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestGenerateKeyIsStable(t *testing.T) {
	a, err := GenerateKey("vale", "create", []byte(`{"valor":50,"cliente":"Maria"}`))
	require.NoError(t, err)
	b, err := GenerateKey("vale", "create", []byte(`{"cliente":"Maria","valor":50}`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order in the payload must not change the fingerprint")
	assert.Contains(t, a, "vale:create:")
}

func TestGenerateKeyDiscriminates(t *testing.T) {
	base, err := GenerateKey("vale", "create", []byte(`{"valor":50}`))
	require.NoError(t, err)

	otherPayload, err := GenerateKey("vale", "create", []byte(`{"valor":51}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPayload)

	otherAction, err := GenerateKey("vale", "update", []byte(`{"valor":50}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherAction)

	otherEntity, err := GenerateKey("despesa", "create", []byte(`{"valor":50}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherEntity)
}

func TestGenerateKeyRejectsInvalidPayload(t *testing.T) {
	_, err := GenerateKey("vale", "create", []byte(`not json`))
	assert.Error(t, err)
}

func TestMarkAndCheck(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t))

	key, err := GenerateKey("vale", "create", []byte(`{"valor":50}`))
	require.NoError(t, err)

	assert.False(t, l.IsProcessed(ctx, key))
	l.MarkAsProcessed(ctx, key)
	assert.True(t, l.IsProcessed(ctx, key))
	assert.Equal(t, 1, l.Size(ctx))

	// Marking twice is a no-op
	l.MarkAsProcessed(ctx, key)
	assert.Equal(t, 1, l.Size(ctx))
}

func TestLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	l := New(s)
	l.MarkAsProcessed(ctx, "vale:create:abc")
	l.MarkAsProcessed(ctx, "despesa:create:def")

	// A fresh ledger over the same store sees the persisted keys
	reloaded := New(s)
	assert.True(t, reloaded.IsProcessed(ctx, "vale:create:abc"))
	assert.True(t, reloaded.IsProcessed(ctx, "despesa:create:def"))
	assert.False(t, reloaded.IsProcessed(ctx, "vale:create:zzz"))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	l := New(s)
	l.MarkAsProcessed(ctx, "vale:create:abc")
	l.Reset(ctx)
	assert.False(t, l.IsProcessed(ctx, "vale:create:abc"))

	// The reset is persisted too
	reloaded := New(s)
	assert.Equal(t, 0, reloaded.Size(ctx))
}
