package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/helper"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/ledger"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/netmon"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/queue"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/remote"
	"github.com/recicla-hub/recicla-hub/cmd/depot-sync/store"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   store.Store
	ledger  *ledger.Ledger
	queue   *queue.Queue
	monitor *netmon.Monitor
	pusher  *remote.MockPusher
	worker  *Worker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	helper.InitTestLogging()
	s, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	l := ledger.New(s)
	q := queue.New(s, l, nil)
	m := netmon.New(func(ctx context.Context) bool { return true }, time.Hour)
	p := remote.NewMockPusher()
	w := New(q, l, s, m, p, cfg)
	return &fixture{store: s, ledger: l, queue: q, monitor: m, pusher: p, worker: w}
}

// Backoff tiers of zero make rescheduled records due immediately, so a test
// can drain repeatedly without sleeping.
func immediateRetries() Config {
	return Config{BackoffTiers: []time.Duration{time.Nanosecond}}
}

func TestDrainSyncsQueuedMutations(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":50,"cliente":"Maria"}`))
	require.NoError(t, err)

	report := f.worker.ForceSync(ctx)
	assert.Equal(t, 1, report.Success)
	assert.Zero(t, report.Failed)

	assert.Equal(t, 1, f.pusher.PushCountFor(rec.IdempotencyKey))
	assert.True(t, f.ledger.IsProcessed(ctx, rec.IdempotencyKey))

	// Synced records are pruned from the queue
	_, found := f.queue.Get(ctx, rec.ID)
	assert.False(t, found)
}

func TestMutationIsPushedAtMostOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":50}`))
	require.NoError(t, err)

	f.worker.ForceSync(ctx)
	f.worker.ForceSync(ctx)
	f.worker.ForceSync(ctx)
	assert.Equal(t, 1, f.pusher.PushCountFor(rec.IdempotencyKey))

	// Re-submitting the same mutation after it synced does not push again
	dup, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":50}`))
	require.NoError(t, err)
	assert.Nil(t, dup)
	f.worker.ForceSync(ctx)
	assert.Equal(t, 1, f.pusher.PushCountFor(rec.IdempotencyKey))
}

func TestTransientFailureIsRetriedThenSynced(t *testing.T) {
	f := newFixture(t, immediateRetries())
	ctx := context.Background()

	rec, err := f.queue.Enqueue(ctx, datamodel.EntityDespesa, datamodel.ActionCreate, []byte(`{"descricao":"frete","valor":30}`))
	require.NoError(t, err)
	f.pusher.FailNext(rec.IdempotencyKey, 2)

	report := f.worker.ForceSync(ctx)
	assert.Equal(t, 1, report.Failed)

	time.Sleep(time.Millisecond)
	f.worker.ForceSync(ctx)
	time.Sleep(time.Millisecond)
	report = f.worker.ForceSync(ctx)
	assert.Equal(t, 1, report.Success)
	assert.Equal(t, 3, f.pusher.PushCountFor(rec.IdempotencyKey))
	assert.True(t, f.ledger.IsProcessed(ctx, rec.IdempotencyKey))
}

func TestRetryBudgetExhaustionParksRecord(t *testing.T) {
	f := newFixture(t, immediateRetries())
	ctx := context.Background()

	rec, err := f.queue.Enqueue(ctx, datamodel.EntityDespesa, datamodel.ActionCreate, []byte(`{"valor":30}`))
	require.NoError(t, err)
	f.pusher.FailNext(rec.IdempotencyKey, 100)

	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		f.worker.ForceSync(ctx)
	}

	// Exactly MaxAttempts pushes, then the record is parked for good
	assert.Equal(t, datamodel.DefaultMaxAttempts, f.pusher.PushCountFor(rec.IdempotencyKey))
	got, found := f.queue.Get(ctx, rec.ID)
	require.True(t, found)
	assert.Equal(t, datamodel.MutationFailed, got.Status)
	assert.False(t, f.ledger.IsProcessed(ctx, rec.IdempotencyKey))

	failed := f.queue.ListFailed(ctx)
	require.Len(t, failed, 1)
	assert.Equal(t, rec.ID, failed[0].ID)
}

func TestOfflineDrainLeavesQueueIntact(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.monitor.SetOnlineForTesting(false)

	rec, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":50}`))
	require.NoError(t, err)

	report := f.worker.ForceSync(ctx)
	assert.Zero(t, report.Success)
	assert.Zero(t, report.Failed)
	assert.Empty(t, f.pusher.Pushed())

	got, found := f.queue.Get(ctx, rec.ID)
	require.True(t, found)
	assert.Equal(t, datamodel.MutationPending, got.Status)
	assert.Zero(t, got.Attempts)

	// Back online, the same drain path flushes it
	f.monitor.SetOnlineForTesting(true)
	report = f.worker.ForceSync(ctx)
	assert.Equal(t, 1, report.Success)
}

func TestDrainIsOldestFirst(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":1}`))
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, datamodel.EntityDespesa, datamodel.ActionCreate, []byte(`{"valor":2}`))
	require.NoError(t, err)

	f.worker.ForceSync(ctx)
	pushed := f.pusher.Pushed()
	require.Len(t, pushed, 2)
	assert.Equal(t, first.IdempotencyKey, pushed[0].IdempotencyKey)
	assert.Equal(t, second.IdempotencyKey, pushed[1].IdempotencyKey)
}

// blockingPusher parks every Push until released, to hold a drain pass open.
type blockingPusher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPusher) Push(_ context.Context, _ *datamodel.MutationRecord) bool {
	b.entered <- struct{}{}
	<-b.release
	return true
}

func (b *blockingPusher) Fetch(_ context.Context, _ string) ([]datamodel.CachedRecord, bool) {
	return nil, false
}

func (b *blockingPusher) IsAvailable() bool { return true }

func TestOnlyOneDrainPassRuns(t *testing.T) {
	helper.InitTestLogging()
	s, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	l := ledger.New(s)
	q := queue.New(s, l, nil)
	m := netmon.New(func(ctx context.Context) bool { return true }, time.Hour)
	b := &blockingPusher{entered: make(chan struct{}), release: make(chan struct{})}
	w := New(q, l, s, m, b, Config{})

	_, err = q.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":1}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.ForceSync(ctx)
	}()
	<-b.entered

	// The first pass is parked inside Push; a second one must refuse to run
	report := w.ForceSync(ctx)
	assert.Zero(t, report.Success)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "already running")

	close(b.release)
	wg.Wait()
}

func TestRefreshPullsStaleCollections(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	remoteMateriais := []datamodel.CachedRecord{
		{ID: 1, Data: []byte(`{"id":1,"nome":"cobre"}`), UpdatedAt: time.Now()},
		{ID: 2, Data: []byte(`{"id":2,"nome":"aluminio"}`), UpdatedAt: time.Now()},
	}
	f.pusher.SetFetchResult(datamodel.EntityMaterial, remoteMateriais)

	f.worker.RefreshNow(ctx)

	recs := f.store.Get(ctx, datamodel.EntityMaterial)
	require.Len(t, recs, 2)
	assert.False(t, f.worker.LastSync(ctx, datamodel.EntityMaterial).IsZero())
}

func TestRefreshSkipsFreshCollections(t *testing.T) {
	f := newFixture(t, Config{RefreshMaxAge: time.Hour})
	ctx := context.Background()

	f.pusher.SetFetchResult(datamodel.EntityMaterial, []datamodel.CachedRecord{{ID: 1, Data: []byte(`{}`)}})
	f.worker.RefreshNow(ctx)
	first := f.worker.Metrics().Refreshes

	f.worker.refresh(ctx)
	assert.Equal(t, first, f.worker.Metrics().Refreshes, "fresh collections are not fetched again")
}

func TestRefreshDefersEntitiesWithLiveMutations(t *testing.T) {
	f := newFixture(t, immediateRetries())
	ctx := context.Background()

	// A voucher written locally whose push has not gone through yet
	payload := []byte(`{"valor":50,"cliente":"Maria","status":"aberto"}`)
	_, ok := f.store.Insert(ctx, datamodel.EntityVale, payload)
	require.True(t, ok)
	rec, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, payload)
	require.NoError(t, err)

	f.pusher.FailNext(rec.IdempotencyKey, 1)
	f.worker.ForceSync(ctx)
	require.True(t, f.queue.HasLive(ctx, datamodel.EntityVale))

	// The remote side does not know the voucher yet; a bulk replace now
	// would erase it from the local cache
	f.pusher.SetFetchResult(datamodel.EntityVale, []datamodel.CachedRecord{})
	f.worker.RefreshNow(ctx)
	assert.Len(t, f.store.Get(ctx, datamodel.EntityVale), 1)
	assert.True(t, f.worker.LastSync(ctx, datamodel.EntityVale).IsZero())

	// Once the mutation syncs the refresh goes through again
	time.Sleep(time.Millisecond)
	f.worker.ForceSync(ctx)
	require.False(t, f.queue.HasLive(ctx, datamodel.EntityVale))

	f.pusher.SetFetchResult(datamodel.EntityVale, []datamodel.CachedRecord{
		{ID: 1, Data: []byte(`{"id":1,"valor":50,"cliente":"Maria"}`), UpdatedAt: time.Now()},
	})
	f.worker.RefreshNow(ctx)
	assert.Len(t, f.store.Get(ctx, datamodel.EntityVale), 1)
	assert.False(t, f.worker.LastSync(ctx, datamodel.EntityVale).IsZero())
}

func TestEmptyDrainStillCountsAPass(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	report := f.worker.ForceSync(ctx)
	assert.Zero(t, report.Success)
	assert.Zero(t, report.Failed)
	assert.Equal(t, uint64(1), f.worker.Metrics().DrainPasses)

	// Offline passes do not count, only real ones
	f.monitor.SetOnlineForTesting(false)
	f.worker.ForceSync(ctx)
	assert.Equal(t, uint64(1), f.worker.Metrics().DrainPasses)
}

func TestRefreshFailureKeepsLocalCache(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, ok := f.store.Insert(ctx, datamodel.EntityMaterial, []byte(`{"nome":"cobre"}`))
	require.True(t, ok)
	f.pusher.SetFetchFailure(datamodel.EntityMaterial)

	f.worker.RefreshNow(ctx)
	assert.Len(t, f.store.Get(ctx, datamodel.EntityMaterial), 1)
	assert.True(t, f.worker.LastSync(ctx, datamodel.EntityMaterial).IsZero())
}

func TestVoucherLifecycleEndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.monitor.SetOnlineForTesting(false)

	// Cashier issues a voucher while the link is down
	vale := datamodel.Vale{Valor: 50, Descricao: "vale para Maria", Cliente: "Maria", Status: "aberto"}
	payload, err := json.Marshal(vale)
	require.NoError(t, err)

	id, ok := f.store.Insert(ctx, datamodel.EntityVale, payload)
	require.True(t, ok)
	assert.Positive(t, id)

	rec, err := f.queue.Enqueue(ctx, datamodel.EntityVale, datamodel.ActionCreate, payload)
	require.NoError(t, err)

	// The voucher is visible locally right away
	require.Len(t, f.store.Get(ctx, datamodel.EntityVale), 1)
	assert.Equal(t, 1, f.queue.Stats(ctx).Pending)

	// Link comes back, the queue drains
	f.monitor.SetOnlineForTesting(true)
	report := f.worker.ForceSync(ctx)
	assert.Equal(t, 1, report.Success)
	assert.Equal(t, 1, f.pusher.PushCountFor(rec.IdempotencyKey))
	assert.Zero(t, f.queue.Stats(ctx).Pending)
}

func TestStartDrainsOnKick(t *testing.T) {
	f := newFixture(t, Config{DrainInterval: time.Hour, RefreshInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.worker.Start(ctx)

	rec, err := f.queue.Enqueue(context.Background(), datamodel.EntityVale, datamodel.ActionCreate, []byte(`{"valor":50}`))
	require.NoError(t, err)

	f.worker.Kick()
	require.Eventually(t, func() bool {
		return f.pusher.PushCountFor(rec.IdempotencyKey) == 1
	}, time.Second, 5*time.Millisecond)
}
