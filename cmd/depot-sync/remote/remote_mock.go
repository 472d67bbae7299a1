package remote

import (
	"context"
	"sync"

	"github.com/recicla-hub/recicla-hub/pkg/datamodel"
)

// MockPusher implements Pusher for tests. Pushes are recorded in order;
// outcomes can be scripted per idempotency key.
type MockPusher struct {
	lock sync.Mutex

	available bool
	pushed    []datamodel.MutationRecord
	failKeys  map[string]int
	fetchData map[string][]datamodel.CachedRecord
	fetchFail map[string]bool
}

func NewMockPusher() *MockPusher {
	return &MockPusher{
		available: true,
		failKeys:  make(map[string]int),
		fetchData: make(map[string][]datamodel.CachedRecord),
		fetchFail: make(map[string]bool),
	}
}

// FailNext makes the next n pushes for the given idempotency key fail.
func (m *MockPusher) FailNext(key string, n int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failKeys[key] = n
}

// SetAvailable scripts the IsAvailable answer.
func (m *MockPusher) SetAvailable(available bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.available = available
}

// SetFetchResult scripts what Fetch returns for an entity type.
func (m *MockPusher) SetFetchResult(entity string, recs []datamodel.CachedRecord) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.fetchData[entity] = recs
	m.fetchFail[entity] = false
}

// SetFetchFailure makes Fetch fail for an entity type.
func (m *MockPusher) SetFetchFailure(entity string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.fetchFail[entity] = true
}

// Pushed returns a copy of all recorded pushes, successful or not.
func (m *MockPusher) Pushed() []datamodel.MutationRecord {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]datamodel.MutationRecord, len(m.pushed))
	copy(out, m.pushed)
	return out
}

// PushCountFor counts how often a mutation with the given key was pushed.
func (m *MockPusher) PushCountFor(key string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	count := 0
	for _, rec := range m.pushed {
		if rec.IdempotencyKey == key {
			count++
		}
	}
	return count
}

func (m *MockPusher) Push(_ context.Context, rec *datamodel.MutationRecord) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.pushed = append(m.pushed, *rec)
	if remaining, found := m.failKeys[rec.IdempotencyKey]; found && remaining > 0 {
		m.failKeys[rec.IdempotencyKey] = remaining - 1
		return false
	}
	return m.available
}

func (m *MockPusher) Fetch(_ context.Context, entity string) ([]datamodel.CachedRecord, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fetchFail[entity] || !m.available {
		return nil, false
	}
	return m.fetchData[entity], true
}

func (m *MockPusher) IsAvailable() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.available
}
