package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/ledger"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"go.uber.org/zap"
)

// Queue is the durable mutation queue. Every record is persisted on each
// state change so that a crash at any point loses at most the in-flight
// transition, never the mutation itself.
type Queue struct {
	store  store.Store
	ledger *ledger.Ledger

	// onEnqueue is invoked after a new record lands, so the orchestrator
	// can start a drain pass right away while online. May be nil.
	onEnqueue func()

	lock    sync.Mutex
	loaded  bool
	records []*datamodel.MutationRecord
}

func New(s store.Store, l *ledger.Ledger, onEnqueue func()) *Queue {
	return &Queue{
		store:     s,
		ledger:    l,
		onEnqueue: onEnqueue,
	}
}

// Enqueue validates and persists a new mutation. Mutations whose fingerprint
// is already in the ledger, or that match a live queued record, are silently
// absorbed: the caller gets the existing record instead of a duplicate.
// The returned record is a detached copy; the orchestrator mutates the
// internal one under the queue lock.
func (q *Queue) Enqueue(ctx context.Context, entityType string, action string, payload []byte) (*datamodel.MutationRecord, error) {
	if !datamodel.IsMutableEntityType(entityType) {
		return nil, fmt.Errorf("entity type %q cannot be mutated through the queue", entityType)
	}
	if !datamodel.IsValidAction(action) {
		return nil, fmt.Errorf("invalid action %q", action)
	}

	key, err := ledger.GenerateKey(entityType, action, payload)
	if err != nil {
		return nil, err
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	// Already synced in an earlier session
	if q.ledger.IsProcessed(ctx, key) {
		zap.S().Infow("Mutation already synced, not enqueuing", "key", key)
		return detach(q.findByKey(key)), nil
	}
	// Already queued and still live
	for _, rec := range q.records {
		if rec.IdempotencyKey == key && !rec.Terminal() {
			zap.S().Debugw("Mutation already queued", "key", key, "id", rec.ID)
			return detach(rec), nil
		}
	}

	rec := &datamodel.MutationRecord{
		ID:             uuid.New().String(),
		IdempotencyKey: key,
		EntityType:     entityType,
		Action:         action,
		Payload:        payload,
		MaxAttempts:    datamodel.DefaultMaxAttempts,
		Status:         datamodel.MutationPending,
		CreatedAt:      time.Now(),
	}
	q.records = append(q.records, rec)
	q.persist(ctx)

	if q.onEnqueue != nil {
		q.onEnqueue()
	}
	return detach(rec), nil
}

// detach copies a record so callers never share memory with the queue. The
// kick callback can start a drain on another goroutine before Enqueue even
// returns, so handing out the internal pointer would race with transition.
func detach(rec *datamodel.MutationRecord) *datamodel.MutationRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// ListDue returns the pending records eligible for a drain pass, oldest
// first. The slice holds copies so the caller can inspect them without the
// lock.
func (q *Queue) ListDue(ctx context.Context, now time.Time) []datamodel.MutationRecord {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	due := make([]datamodel.MutationRecord, 0)
	for _, rec := range q.records {
		if rec.Due(now) {
			due = append(due, *rec)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due
}

// ListFailed returns the records that exhausted their retry budget.
func (q *Queue) ListFailed(ctx context.Context) []datamodel.MutationRecord {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	failed := make([]datamodel.MutationRecord, 0)
	for _, rec := range q.records {
		if rec.Status == datamodel.MutationFailed {
			failed = append(failed, *rec)
		}
	}
	return failed
}

// Stats snapshots the queue counters for the UI layer.
func (q *Queue) Stats(ctx context.Context) datamodel.QueueStats {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	var stats datamodel.QueueStats
	stats.Total = len(q.records)
	for _, rec := range q.records {
		switch rec.Status {
		case datamodel.MutationPending, datamodel.MutationProcessing:
			stats.Pending++
		case datamodel.MutationFailed:
			stats.Failed++
		}
	}
	return stats
}

// MarkProcessing transitions a record to processing and bumps its attempt
// counter. Returns false if the record is unknown or terminal.
func (q *Queue) MarkProcessing(ctx context.Context, id string) bool {
	return q.transition(ctx, id, func(rec *datamodel.MutationRecord) bool {
		if rec.Terminal() {
			return false
		}
		now := time.Now()
		rec.Status = datamodel.MutationProcessing
		rec.Attempts++
		rec.LastAttemptAt = &now
		return true
	})
}

// MarkSynced finalizes a record after a successful remote push.
func (q *Queue) MarkSynced(ctx context.Context, id string) bool {
	return q.transition(ctx, id, func(rec *datamodel.MutationRecord) bool {
		rec.Status = datamodel.MutationSynced
		rec.NextRetryAt = nil
		return true
	})
}

// MarkFailed parks a record permanently. It will only leave the queue
// through Prune or manual intervention.
func (q *Queue) MarkFailed(ctx context.Context, id string) bool {
	return q.transition(ctx, id, func(rec *datamodel.MutationRecord) bool {
		rec.Status = datamodel.MutationFailed
		rec.NextRetryAt = nil
		return true
	})
}

// Reschedule puts a record back to pending with a retry deadline.
func (q *Queue) Reschedule(ctx context.Context, id string, retryAt time.Time) bool {
	return q.transition(ctx, id, func(rec *datamodel.MutationRecord) bool {
		if rec.Terminal() {
			return false
		}
		rec.Status = datamodel.MutationPending
		rec.NextRetryAt = &retryAt
		return true
	})
}

// HasLive reports whether any pending or processing mutation targets the
// given entity type. While one exists, the local cache holds effects the
// remote side has not seen yet.
func (q *Queue) HasLive(ctx context.Context, entity string) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)
	for _, rec := range q.records {
		if rec.EntityType == entity && !rec.Terminal() {
			return true
		}
	}
	return false
}

// Len returns the total number of records currently held, any status.
func (q *Queue) Len(ctx context.Context) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)
	return len(q.records)
}

// Get returns a copy of the record with the given id.
func (q *Queue) Get(ctx context.Context, id string) (datamodel.MutationRecord, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	for _, rec := range q.records {
		if rec.ID == id {
			return *rec, true
		}
	}
	return datamodel.MutationRecord{}, false
}

// Prune drops synced records from the queue. Failed records are kept so the
// operator can inspect them. Returns how many records were removed.
func (q *Queue) Prune(ctx context.Context) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	kept := q.records[:0]
	removed := 0
	for _, rec := range q.records {
		if rec.Status == datamodel.MutationSynced {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	if removed > 0 {
		q.records = kept
		q.persist(ctx)
	}
	return removed
}

func (q *Queue) transition(ctx context.Context, id string, apply func(*datamodel.MutationRecord) bool) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.ensureLoaded(ctx)

	for _, rec := range q.records {
		if rec.ID != id {
			continue
		}
		if !apply(rec) {
			return false
		}
		q.persist(ctx)
		return true
	}
	zap.S().Warnf("Transition requested for unknown mutation %s", id)
	return false
}

func (q *Queue) findByKey(key string) *datamodel.MutationRecord {
	for _, rec := range q.records {
		if rec.IdempotencyKey == key {
			return rec
		}
	}
	return nil
}

// ensureLoaded lazily restores the queue from the local store. Callers must
// hold the lock.
func (q *Queue) ensureLoaded(ctx context.Context) {
	if q.loaded {
		return
	}
	q.loaded = true
	data, ok := q.store.LoadBlob(ctx, store.BlobMutationQueue)
	if !ok || data == nil {
		return
	}
	if err := json.Unmarshal(data, &q.records); err != nil {
		zap.S().Warnf("Discarding unreadable mutation queue: %s", err)
		q.records = nil
		return
	}
	// Records that were mid-flight when the process died go back to
	// pending so the next drain picks them up.
	recovered := 0
	for _, rec := range q.records {
		if rec.Status == datamodel.MutationProcessing {
			rec.Status = datamodel.MutationPending
			recovered++
		}
	}
	if recovered > 0 {
		zap.S().Infow("Recovered in-flight mutations after restart", "count", recovered)
		q.persist(ctx)
	}
}

func (q *Queue) persist(ctx context.Context) {
	data, err := json.Marshal(q.records)
	if err != nil {
		zap.S().Errorf("Failed to encode mutation queue: %s", err)
		return
	}
	if !q.store.SaveBlob(ctx, store.BlobMutationQueue, data) {
		zap.S().Warnf("Failed to persist mutation queue with %d records", len(q.records))
	}
}
