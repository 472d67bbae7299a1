package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/recicla-hub/recicla-hub/internal"
	"go.uber.org/zap"
)

// Ledger records the fingerprints of mutations that have already taken
// effect remotely. A key that is present here must never be pushed again,
// no matter how often the same mutation is re-submitted.
type Ledger struct {
	store store.Store

	lock   sync.Mutex
	loaded bool
	keys   map[string]bool
}

func New(s store.Store) *Ledger {
	return &Ledger{
		store: s,
		keys:  make(map[string]bool),
	}
}

// GenerateKey derives a deterministic fingerprint for a mutation from its
// entity type, action and payload. The payload is canonicalized first, so
// key order and whitespace in the submitted JSON do not matter.
func GenerateKey(entityType string, action string, payload []byte) (string, error) {
	canonical, err := internal.CanonicalizeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	sum := internal.AsXXHashString([]byte(entityType), []byte{0x00}, []byte(action), []byte{0x00}, canonical)
	return fmt.Sprintf("%s:%s:%s", entityType, action, sum), nil
}

// IsProcessed reports whether a mutation with this key already took effect.
func (l *Ledger) IsProcessed(ctx context.Context, key string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.ensureLoaded(ctx)
	return l.keys[key]
}

// MarkAsProcessed persists the key. It is called after a successful remote
// push and before the queue record is finalized, so a crash in between
// leaves the key behind and the retry is suppressed instead of replayed.
func (l *Ledger) MarkAsProcessed(ctx context.Context, key string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.ensureLoaded(ctx)
	if l.keys[key] {
		return
	}
	l.keys[key] = true
	l.persist(ctx)
}

// Reset drops all recorded keys. Exposed for operator tooling; there is no
// automatic expiry.
func (l *Ledger) Reset(ctx context.Context) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.loaded = true
	l.keys = make(map[string]bool)
	l.persist(ctx)
}

// Size returns the number of recorded keys.
func (l *Ledger) Size(ctx context.Context) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.ensureLoaded(ctx)
	return len(l.keys)
}

// ensureLoaded lazily reads the persisted ledger on first use. Callers must
// hold the lock.
func (l *Ledger) ensureLoaded(ctx context.Context) {
	if l.loaded {
		return
	}
	l.loaded = true
	data, ok := l.store.LoadBlob(ctx, store.BlobIdempotencyLedge)
	if !ok || data == nil {
		return
	}
	if err := json.Unmarshal(data, &l.keys); err != nil {
		zap.S().Warnf("Discarding unreadable idempotency ledger: %s", err)
		l.keys = make(map[string]bool)
	}
}

func (l *Ledger) persist(ctx context.Context) {
	data, err := json.Marshal(l.keys)
	if err != nil {
		zap.S().Errorf("Failed to encode idempotency ledger: %s", err)
		return
	}
	if !l.store.SaveBlob(ctx, store.BlobIdempotencyLedge, data) {
		zap.S().Warnf("Failed to persist idempotency ledger with %d keys", len(l.keys))
	}
}
