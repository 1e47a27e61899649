// ABOUTME: In-memory BlobStore implementation for tests and ephemeral deployments
// ABOUTME: Copies blobs on the way in and out so callers never share buffers

package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-memory BlobStore implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte // contextID -> snapshotID -> blob
	order   map[string][]string          // contextID -> snapshot ids in write order
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string][]byte),
		order:   make(map[string][]string),
	}
}

// Put stores a copy of blob.
func (m *MemoryStore) Put(ctx context.Context, contextID, snapshotID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs, ok := m.records[contextID]
	if !ok {
		recs = make(map[string][]byte)
		m.records[contextID] = recs
	}
	if _, exists := recs[snapshotID]; !exists {
		m.order[contextID] = append(m.order[contextID], snapshotID)
	}
	recs[snapshotID] = slices.Clone(blob)
	return nil
}

// Get returns a copy of the stored blob.
func (m *MemoryStore) Get(ctx context.Context, contextID, snapshotID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.records[contextID][snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(blob), nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(ctx context.Context, contextID, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs, ok := m.records[contextID]
	if !ok {
		return nil
	}
	delete(recs, snapshotID)
	m.order[contextID] = slices.DeleteFunc(m.order[contextID], func(id string) bool {
		return id == snapshotID
	})
	if len(recs) == 0 {
		delete(m.records, contextID)
		delete(m.order, contextID)
	}
	return nil
}

// ListFor returns the snapshot ids of contextID in write order.
func (m *MemoryStore) ListFor(ctx context.Context, contextID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order[contextID]), nil
}

// ListContexts returns the context ids that have records, sorted.
func (m *MemoryStore) ListContexts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.records)), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
