package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/ledger"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/netmon"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/queue"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/remote"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/recicla-hub/recicla-hub/internal"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// Config tunes the orchestrator loop. Zero values fall back to defaults.
type Config struct {
	// DrainInterval is how often a drain pass runs regardless of kicks.
	DrainInterval time.Duration
	// RefreshInterval is how often cached collections are checked for
	// staleness against RefreshMaxAge.
	RefreshInterval time.Duration
	// RefreshMaxAge is how old a collection may get before the next
	// online refresh pass pulls it again.
	RefreshMaxAge time.Duration
	// BackoffTiers are the retry delays per attempt.
	BackoffTiers []time.Duration
}

// ConfigFromEnv reads the loop tuning from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	drainSeconds, err := env.GetAsInt("SYNC_DRAIN_INTERVAL_SECONDS", false, 30)
	if err != nil {
		return cfg, err
	}
	refreshSeconds, err := env.GetAsInt("SYNC_REFRESH_INTERVAL_SECONDS", false, 60)
	if err != nil {
		return cfg, err
	}
	maxAgeSeconds, err := env.GetAsInt("SYNC_REFRESH_MAX_AGE_SECONDS", false, 300)
	if err != nil {
		return cfg, err
	}
	tiers, err := env.GetAsString("SYNC_BACKOFF_TIERS", false, "")
	if err != nil {
		return cfg, err
	}
	cfg.DrainInterval = time.Duration(drainSeconds) * time.Second
	cfg.RefreshInterval = time.Duration(refreshSeconds) * time.Second
	cfg.RefreshMaxAge = time.Duration(maxAgeSeconds) * time.Second
	cfg.BackoffTiers = internal.ParseBackoffTiers(tiers)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = internal.ThirtySeconds
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.RefreshMaxAge <= 0 {
		c.RefreshMaxAge = 5 * time.Minute
	}
	if len(c.BackoffTiers) == 0 {
		c.BackoffTiers = internal.DefaultBackoffTiers
	}
}

// Metrics are the orchestrator counters for the status endpoint.
type Metrics struct {
	DrainPasses uint64 `json:"drain_passes"`
	Synced      uint64 `json:"synced"`
	Failed      uint64 `json:"failed"`
	Rescheduled uint64 `json:"rescheduled"`
	Refreshes   uint64 `json:"refreshes"`
}

// Worker drives the queue towards the central database: it drains queued
// mutations when connectivity allows and refreshes stale local collections
// from the remote side.
type Worker struct {
	queue   *queue.Queue
	ledger  *ledger.Ledger
	store   store.Store
	monitor *netmon.Monitor
	pusher  remote.Pusher
	cfg     Config

	// kick wakes the loop for an immediate drain pass. Buffered with
	// size one so redundant kicks collapse.
	kick chan struct{}

	// draining is the single flight guard. Only one drain pass runs at
	// any time, no matter how many triggers fire.
	draining atomic.Bool

	drainPasses atomic.Uint64
	synced      atomic.Uint64
	failed      atomic.Uint64
	rescheduled atomic.Uint64
	refreshes   atomic.Uint64

	metaLock   sync.Mutex
	metaLoaded bool
	meta       map[string]datamodel.SyncMetadata
}

func New(q *queue.Queue, l *ledger.Ledger, s store.Store, m *netmon.Monitor, p remote.Pusher, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		queue:   q,
		ledger:  l,
		store:   s,
		monitor: m,
		pusher:  p,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
		meta:    make(map[string]datamodel.SyncMetadata),
	}
}

// Kick requests a drain pass as soon as the loop gets around to it. Safe to
// call from any goroutine, never blocks.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start runs the orchestrator loop until the context is canceled.
func (w *Worker) Start(ctx context.Context) {
	unsubscribe := w.monitor.Subscribe(w.Kick)
	defer unsubscribe()

	drainTicker := time.NewTicker(w.cfg.DrainInterval)
	defer drainTicker.Stop()
	refreshTicker := time.NewTicker(w.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	reportTicker := time.NewTicker(time.Minute)
	defer reportTicker.Stop()

	// Catch up on whatever the previous session left behind
	w.drain(ctx)
	w.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.S().Info("Sync orchestrator stopping")
			return
		case <-w.kick:
			w.drain(ctx)
		case <-drainTicker.C:
			w.drain(ctx)
		case <-refreshTicker.C:
			w.refresh(ctx)
		case <-reportTicker.C:
			w.postStats(ctx)
		}
	}
}

func (w *Worker) postStats(ctx context.Context) {
	stats := w.queue.Stats(ctx)
	zap.S().Infow("Sync report",
		"online", w.monitor.IsOnline(),
		"queued", stats.Pending,
		"parked", stats.Failed,
		"drain_passes", w.drainPasses.Load(),
		"synced", w.synced.Load(),
		"rescheduled", w.rescheduled.Load(),
		"refreshes", w.refreshes.Load(),
	)
	if stats.Failed > 0 {
		zap.S().Warnw("Mutations are parked and need manual intervention", "count", stats.Failed)
	}
}

// ForceSync runs a drain pass immediately and reports the outcome. When a
// pass is already running the report says so instead of starting a second
// one.
func (w *Worker) ForceSync(ctx context.Context) datamodel.DrainReport {
	return w.drain(ctx)
}

func (w *Worker) Metrics() Metrics {
	return Metrics{
		DrainPasses: w.drainPasses.Load(),
		Synced:      w.synced.Load(),
		Failed:      w.failed.Load(),
		Rescheduled: w.rescheduled.Load(),
		Refreshes:   w.refreshes.Load(),
	}
}

// drain pushes every due mutation once, oldest first. Mutations that fail
// are rescheduled with a growing delay until their attempt budget runs out.
func (w *Worker) drain(ctx context.Context) datamodel.DrainReport {
	var report datamodel.DrainReport

	if !w.draining.CompareAndSwap(false, true) {
		zap.S().Debug("Drain pass already running, skipping")
		report.Errors = append(report.Errors, "a sync pass is already running")
		return report
	}
	defer w.draining.Store(false)

	if !w.monitor.IsOnline() {
		zap.S().Debug("Offline, keeping queue intact")
		return report
	}

	w.drainPasses.Add(1)
	due := w.queue.ListDue(ctx, time.Now())
	if len(due) == 0 {
		return report
	}
	zap.S().Infow("Drain pass starting", "due", len(due))

	for i := range due {
		rec := &due[i]
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, "sync pass canceled")
			break
		}

		// A mutation that already took effect remotely is finalized
		// without touching the network again.
		if w.ledger.IsProcessed(ctx, rec.IdempotencyKey) {
			w.queue.MarkSynced(ctx, rec.ID)
			report.Success++
			continue
		}

		if !w.queue.MarkProcessing(ctx, rec.ID) {
			continue
		}
		// MarkProcessing bumped the attempt counter
		attempts := rec.Attempts + 1

		if w.pusher.Push(ctx, rec) {
			// Ledger first: if the process dies between these two
			// writes the retry is suppressed, not replayed.
			w.ledger.MarkAsProcessed(ctx, rec.IdempotencyKey)
			w.queue.MarkSynced(ctx, rec.ID)
			w.synced.Add(1)
			report.Success++
			continue
		}

		if attempts >= rec.MaxAttempts {
			w.queue.MarkFailed(ctx, rec.ID)
			w.failed.Add(1)
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s %s %s: gave up after %d attempts", rec.EntityType, rec.Action, rec.ID, attempts))
			zap.S().Warnw("Mutation exhausted its retry budget", "id", rec.ID, "entity", rec.EntityType, "attempts", attempts)
			continue
		}

		delay := internal.BackoffDelay(attempts, w.cfg.BackoffTiers)
		w.queue.Reschedule(ctx, rec.ID, time.Now().Add(delay))
		w.rescheduled.Add(1)
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s %s %s: attempt %d failed, retrying in %s", rec.EntityType, rec.Action, rec.ID, attempts, delay))
	}

	if pruned := w.queue.Prune(ctx); pruned > 0 {
		zap.S().Debugw("Pruned synced mutations", "count", pruned)
	}
	zap.S().Infow("Drain pass finished", "success", report.Success, "failed", report.Failed)
	return report
}

// refresh pulls remote collections whose local copy is older than
// RefreshMaxAge. Queue and ledger state are never touched here; refresh
// only ever replaces read caches.
func (w *Worker) refresh(ctx context.Context) {
	if !w.monitor.IsOnline() {
		return
	}

	now := time.Now()
	for _, entity := range datamodel.SyncedEntityTypes {
		last := w.lastSync(ctx, entity)
		if now.Sub(last) < w.cfg.RefreshMaxAge {
			continue
		}
		// A bulk replace would erase effects the remote side has not
		// received yet, so entities with unsynced mutations wait.
		if w.queue.HasLive(ctx, entity) {
			zap.S().Debugw("Refresh deferred, entity has unsynced mutations", "entity", entity)
			continue
		}
		recs, ok := w.pusher.Fetch(ctx, entity)
		if !ok {
			zap.S().Debugw("Refresh skipped, remote fetch failed", "entity", entity)
			continue
		}
		if !w.store.Put(ctx, entity, recs) {
			continue
		}
		w.setLastSync(ctx, entity, now)
		w.refreshes.Add(1)
		zap.S().Infow("Refreshed collection from remote", "entity", entity, "records", len(recs))
	}
}

// RefreshNow forces a refresh pass regardless of collection age.
func (w *Worker) RefreshNow(ctx context.Context) {
	w.metaLock.Lock()
	w.ensureMetaLoaded(ctx)
	w.meta = make(map[string]datamodel.SyncMetadata)
	w.metaLock.Unlock()
	w.refresh(ctx)
}

// LastSync reports when an entity collection was last pulled from remote.
func (w *Worker) LastSync(ctx context.Context, entity string) time.Time {
	return w.lastSync(ctx, entity)
}

func (w *Worker) lastSync(ctx context.Context, entity string) time.Time {
	w.metaLock.Lock()
	defer w.metaLock.Unlock()
	w.ensureMetaLoaded(ctx)
	return w.meta[entity].LastSyncTimestamp
}

func (w *Worker) setLastSync(ctx context.Context, entity string, ts time.Time) {
	w.metaLock.Lock()
	defer w.metaLock.Unlock()
	w.ensureMetaLoaded(ctx)
	w.meta[entity] = datamodel.SyncMetadata{EntityType: entity, LastSyncTimestamp: ts}

	data, err := json.Marshal(w.meta)
	if err != nil {
		zap.S().Errorf("Failed to encode sync metadata: %s", err)
		return
	}
	if !w.store.SaveBlob(ctx, store.BlobSyncMetadata, data) {
		zap.S().Warnf("Failed to persist sync metadata for %s", entity)
	}
}

// ensureMetaLoaded lazily restores the per-entity sync timestamps. Callers
// must hold metaLock.
func (w *Worker) ensureMetaLoaded(ctx context.Context) {
	if w.metaLoaded {
		return
	}
	w.metaLoaded = true
	data, ok := w.store.LoadBlob(ctx, store.BlobSyncMetadata)
	if !ok || data == nil {
		return
	}
	if err := json.Unmarshal(data, &w.meta); err != nil {
		zap.S().Warnf("Discarding unreadable sync metadata: %s", err)
		w.meta = make(map[string]datamodel.SyncMetadata)
	}
}
