package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// keyValueBackend is the fallback when the embedded database cannot be
// opened. Each entity collection is serialized as a single blob under one
// key, which matches what a browser key-value store can do. The
// read-modify-write cycle on a collection is serialized by a mutex.
type keyValueBackend struct {
	db   *leveldb.DB
	lock sync.Mutex
}

func openKeyValue(dataDir string) (*keyValueBackend, error) {
	db, err := leveldb.OpenFile(filepath.Join(dataDir, "depot-kv"), nil)
	if err != nil {
		return nil, err
	}
	return &keyValueBackend{db: db}, nil
}

func collectionKey(entity string) []byte {
	return []byte("cache/" + entity)
}

func seqKey(entity string) []byte {
	return []byte("seq/" + entity)
}

func blobKey(key string) []byte {
	return []byte("blob/" + key)
}

func (b *keyValueBackend) readCollection(entity string) ([]datamodel.CachedRecord, error) {
	data, err := b.db.Get(collectionKey(entity), nil)
	if err != nil {
		if err == lverrors.ErrNotFound {
			return []datamodel.CachedRecord{}, nil
		}
		return nil, err
	}
	var recs []datamodel.CachedRecord
	if err = json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (b *keyValueBackend) writeCollection(entity string, recs []datamodel.CachedRecord) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return b.db.Put(collectionKey(entity), data, nil)
}

func (b *keyValueBackend) get(_ context.Context, entity string) ([]datamodel.CachedRecord, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.readCollection(entity)
}

func (b *keyValueBackend) put(_ context.Context, entity string, recs []datamodel.CachedRecord) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.writeCollection(entity, recs)
}

func (b *keyValueBackend) insert(_ context.Context, entity string, data []byte) (int64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	recs, err := b.readCollection(entity)
	if err != nil {
		return 0, err
	}

	id, err := b.nextID(entity)
	if err != nil {
		return 0, err
	}

	recs = append(recs, datamodel.CachedRecord{
		ID:        id,
		Data:      data,
		UpdatedAt: time.Now(),
	})
	if err = b.writeCollection(entity, recs); err != nil {
		return 0, err
	}
	return id, nil
}

func (b *keyValueBackend) update(_ context.Context, entity string, id int64, patch []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	recs, err := b.readCollection(entity)
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID != id {
			continue
		}
		merged, err := mergePatch(recs[i].Data, patch)
		if err != nil {
			return err
		}
		recs[i].Data = merged
		recs[i].UpdatedAt = time.Now()
		return b.writeCollection(entity, recs)
	}
	return fmt.Errorf("no %s record with id %d", entity, id)
}

// nextID keeps a monotonically increasing sequence per entity so that
// locally assigned ids never collide, even across deletes.
func (b *keyValueBackend) nextID(entity string) (int64, error) {
	var seq int64
	data, err := b.db.Get(seqKey(entity), nil)
	if err != nil && err != lverrors.ErrNotFound {
		return 0, err
	}
	if err == nil {
		if err = json.Unmarshal(data, &seq); err != nil {
			return 0, err
		}
	}
	seq++
	encoded, err := json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	if err = b.db.Put(seqKey(entity), encoded, nil); err != nil {
		return 0, err
	}
	return seq, nil
}

func (b *keyValueBackend) loadBlob(_ context.Context, key string) ([]byte, error) {
	data, err := b.db.Get(blobKey(key), nil)
	if err != nil {
		if err == lverrors.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *keyValueBackend) saveBlob(_ context.Context, key string, data []byte) error {
	return b.db.Put(blobKey(key), data, nil)
}

func (b *keyValueBackend) close() error {
	return b.db.Close()
}
