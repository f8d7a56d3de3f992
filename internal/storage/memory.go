package storage

import (
	"context"
	"fastsdk/internal/apperrors"
	"slices"
	"sync"
)

// MemoryStore keeps objects in memory. It backs local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	deletes int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Upload stores a copy of data and returns a memory:// reference.
func (m *MemoryStore) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Network("storage.upload", 0, err)
	}
	ref := "memory://" + name

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = slices.Clone(data)
	m.uploads++
	return ref, nil
}

// Delete removes ref. Unknown references are ignored.
func (m *MemoryStore) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, ref)
	m.deletes++
	return nil
}

// Get returns the stored bytes for ref.
func (m *MemoryStore) Get(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref]
	return data, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Counts returns how many uploads and deletes were performed.
func (m *MemoryStore) Counts() (uploads, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads, m.deletes
}
