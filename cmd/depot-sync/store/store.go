package store

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"go.uber.org/zap"
)

// Mode identifies which backing store is active. Callers of Store never
// branch on it; it exists for logging and the status endpoint.
type Mode string

const (
	ModeSQLite   Mode = "sqlite"
	ModeKeyValue Mode = "keyvalue"
)

// Blob collection keys. The mutation queue, the idempotency ledger and the
// sync metadata each live under their own key, independent of the entity
// caches, and survive restarts.
const (
	BlobMutationQueue    = "mutation_queue"
	BlobIdempotencyLedge = "idempotency_ledger"
	BlobSyncMetadata     = "sync_metadata"
	blobLastUpdate       = "last_update"
)

// Store is the dual-mode local persistence abstraction. All methods swallow
// storage-layer failures and surface them as nil/false results, because a
// storage failure must never block the in-memory state from updating.
type Store interface {
	// Get returns all cached records for an entity type, nil on failure.
	Get(ctx context.Context, entity string) []datamodel.CachedRecord
	// Put replaces the whole collection for an entity type.
	Put(ctx context.Context, entity string, recs []datamodel.CachedRecord) bool
	// Insert appends one record and returns its locally assigned id.
	Insert(ctx context.Context, entity string, data []byte) (int64, bool)
	// Update applies a JSON merge patch to the record with the given id.
	Update(ctx context.Context, entity string, id int64, patch []byte) bool
	// LoadBlob reads an opaque collection blob. A missing blob is not an
	// error: it yields (nil, true).
	LoadBlob(ctx context.Context, key string) ([]byte, bool)
	// SaveBlob writes an opaque collection blob.
	SaveBlob(ctx context.Context, key string, data []byte) bool
	// LastUpdate returns when the entity collection last changed locally.
	LastUpdate(entity string) time.Time
	Mode() Mode
	Close() error
}

// backend is what the two concrete stores implement. Backends are allowed
// to return errors; the wrapping dualStore converts them to the boolean
// contract above.
type backend interface {
	get(ctx context.Context, entity string) ([]datamodel.CachedRecord, error)
	put(ctx context.Context, entity string, recs []datamodel.CachedRecord) error
	insert(ctx context.Context, entity string, data []byte) (int64, error)
	update(ctx context.Context, entity string, id int64, patch []byte) error
	loadBlob(ctx context.Context, key string) ([]byte, error)
	saveBlob(ctx context.Context, key string, data []byte) error
	close() error
}

// knownEntities are the collections the store manages. Table names are
// derived from these, so anything else is refused up front.
var knownEntities = []string{
	datamodel.EntityComanda,
	datamodel.EntityMaterial,
	datamodel.EntityVale,
	datamodel.EntityDespesa,
	datamodel.EntityPendencia,
	datamodel.EntityTransacao,
}

func isKnownEntity(entity string) bool {
	for _, e := range knownEntities {
		if e == entity {
			return true
		}
	}
	return false
}

type dualStore struct {
	backend    backend
	mode       Mode
	readCache  *cache.Cache
	markerLock sync.Mutex
	markers    map[string]time.Time
}

// Open initializes the local store: the embedded sqlite database when it can
// be opened, transparently falling back to the key-value store otherwise.
func Open(dataDir string) (Store, error) {
	sb, err := openSQLite(dataDir)
	if err == nil {
		zap.S().Infof("Local store using embedded sqlite database in %s", dataDir)
		return wrap(sb, ModeSQLite), nil
	}
	zap.S().Warnf("Embedded database unavailable, falling back to key-value store: %s", err)

	kb, err := openKeyValue(dataDir)
	if err != nil {
		return nil, err
	}
	zap.S().Infof("Local store using key-value fallback in %s", dataDir)
	return wrap(kb, ModeKeyValue), nil
}

// OpenSQLite forces the embedded relational backend. Used by tests and the
// dual-backend equivalence suite.
func OpenSQLite(dataDir string) (Store, error) {
	sb, err := openSQLite(dataDir)
	if err != nil {
		return nil, err
	}
	return wrap(sb, ModeSQLite), nil
}

// OpenKeyValue forces the key-value fallback backend.
func OpenKeyValue(dataDir string) (Store, error) {
	kb, err := openKeyValue(dataDir)
	if err != nil {
		return nil, err
	}
	return wrap(kb, ModeKeyValue), nil
}

func wrap(b backend, mode Mode) *dualStore {
	s := &dualStore{
		backend:   b,
		mode:      mode,
		readCache: cache.New(5*time.Minute, 10*time.Minute),
		markers:   make(map[string]time.Time),
	}
	s.loadMarkers()
	return s
}

func (s *dualStore) Get(ctx context.Context, entity string) []datamodel.CachedRecord {
	if !isKnownEntity(entity) {
		zap.S().Warnf("Get for unknown entity type %s", entity)
		return nil
	}
	if cached, hit := s.readCache.Get(entity); hit {
		return cached.([]datamodel.CachedRecord)
	}
	recs, err := s.backend.get(ctx, entity)
	if err != nil {
		zap.S().Errorf("Failed to read %s collection: %s", entity, err)
		return nil
	}
	s.readCache.Set(entity, recs, cache.DefaultExpiration)
	return recs
}

func (s *dualStore) Put(ctx context.Context, entity string, recs []datamodel.CachedRecord) bool {
	if !isKnownEntity(entity) {
		zap.S().Warnf("Put for unknown entity type %s", entity)
		return false
	}
	if err := s.backend.put(ctx, entity, recs); err != nil {
		zap.S().Errorf("Failed to replace %s collection: %s", entity, err)
		return false
	}
	s.afterWrite(ctx, entity)
	return true
}

func (s *dualStore) Insert(ctx context.Context, entity string, data []byte) (int64, bool) {
	if !isKnownEntity(entity) {
		zap.S().Warnf("Insert for unknown entity type %s", entity)
		return 0, false
	}
	id, err := s.backend.insert(ctx, entity, data)
	if err != nil {
		zap.S().Errorf("Failed to insert into %s collection: %s", entity, err)
		return 0, false
	}
	s.afterWrite(ctx, entity)
	return id, true
}

func (s *dualStore) Update(ctx context.Context, entity string, id int64, patch []byte) bool {
	if !isKnownEntity(entity) {
		zap.S().Warnf("Update for unknown entity type %s", entity)
		return false
	}
	if err := s.backend.update(ctx, entity, id, patch); err != nil {
		zap.S().Errorf("Failed to update %s/%d: %s", entity, id, err)
		return false
	}
	s.afterWrite(ctx, entity)
	return true
}

func (s *dualStore) LoadBlob(ctx context.Context, key string) ([]byte, bool) {
	data, err := s.backend.loadBlob(ctx, key)
	if err != nil {
		zap.S().Errorf("Failed to load blob %s: %s", key, err)
		return nil, false
	}
	return data, true
}

func (s *dualStore) SaveBlob(ctx context.Context, key string, data []byte) bool {
	if err := s.backend.saveBlob(ctx, key, data); err != nil {
		zap.S().Errorf("Failed to save blob %s: %s", key, err)
		return false
	}
	return true
}

func (s *dualStore) LastUpdate(entity string) time.Time {
	s.markerLock.Lock()
	defer s.markerLock.Unlock()
	return s.markers[entity]
}

func (s *dualStore) Mode() Mode {
	return s.mode
}

func (s *dualStore) Close() error {
	return s.backend.close()
}

// afterWrite invalidates the read cache and bumps the per-entity lastUpdate
// marker. Marker persistence is best-effort; a failure only affects the
// staleness banner, not correctness.
func (s *dualStore) afterWrite(ctx context.Context, entity string) {
	s.readCache.Delete(entity)

	s.markerLock.Lock()
	s.markers[entity] = time.Now()
	snapshot, err := json.Marshal(s.markers)
	s.markerLock.Unlock()
	if err != nil {
		zap.S().Errorf("Failed to encode lastUpdate markers: %s", err)
		return
	}
	if err := s.backend.saveBlob(ctx, blobLastUpdate, snapshot); err != nil {
		zap.S().Warnf("Failed to persist lastUpdate markers: %s", err)
	}
}

func (s *dualStore) loadMarkers() {
	data, err := s.backend.loadBlob(context.Background(), blobLastUpdate)
	if err != nil || data == nil {
		return
	}
	s.markerLock.Lock()
	defer s.markerLock.Unlock()
	if err := json.Unmarshal(data, &s.markers); err != nil {
		zap.S().Warnf("Discarding unreadable lastUpdate markers: %s", err)
		s.markers = make(map[string]time.Time)
	}
}

// mergePatch applies a flat JSON merge: top-level keys in patch overwrite
// the ones in data, null removes them.
func mergePatch(data []byte, patch []byte) ([]byte, error) {
	var doc map[string]interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	var overlay map[string]interface{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, err
	}
	for k, v := range overlay {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return json.Marshal(doc)
}
