// ABOUTME: Mock Storage Gateway implementation for testing
// ABOUTME: Allows tests to run without SQLite; supports injected failures for outage tests

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Gateway implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	records map[Collection]map[string]*Record
	failErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		records: make(map[Collection]map[string]*Record),
	}
}

// FailWith makes every subsequent call return err until it is called with nil.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.Value = append([]byte(nil), rec.Value...)
	return &cp
}

// Get retrieves a record by collection and key.
func (m *MockStore) Get(_ context.Context, collection Collection, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return nil, m.failErr
	}
	rec, ok := m.records[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Put upserts a record and bumps its version.
func (m *MockStore) Put(_ context.Context, rec *Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return 0, m.failErr
	}
	var version int64 = 1
	if existing, ok := m.records[rec.Collection][rec.Key]; ok {
		version = existing.Version + 1
	}
	m.store(rec, version)
	return version, nil
}

// CompareAndSwap writes rec only if the stored version equals expected.
func (m *MockStore) CompareAndSwap(_ context.Context, rec *Record, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return 0, m.failErr
	}
	existing, ok := m.records[rec.Collection][rec.Key]
	switch {
	case expected == 0 && ok:
		return 0, ErrConflict
	case expected != 0 && !ok:
		return 0, ErrNotFound
	case expected != 0 && existing.Version != expected:
		return 0, ErrConflict
	}
	m.store(rec, expected+1)
	return expected + 1, nil
}

// store must be called with mu held.
func (m *MockStore) store(rec *Record, version int64) {
	cp := copyRecord(rec)
	cp.Version = version
	cp.UpdatedAt = time.Now().UTC()
	if m.records[rec.Collection] == nil {
		m.records[rec.Collection] = make(map[string]*Record)
	}
	m.records[rec.Collection][rec.Key] = cp
}

// List returns records in a collection matching the filter.
func (m *MockStore) List(_ context.Context, collection Collection, f ListFilter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return nil, m.failErr
	}
	var out []*Record
	for _, rec := range m.records[collection] {
		if f.matches(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	return f.sortAndLimit(out), nil
}

// Ping reports the injected failure, if any.
func (m *MockStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Gateway
var _ Gateway = (*MockStore)(nil)
