package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used when no database is configured and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	mappings map[Key]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mappings: make(map[Key]int64)}
}

func (m *MemoryStore) InsertMapping(ctx context.Context, key Key, internalID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappings[key]; ok {
		return false, nil
	}
	m.mappings[key] = internalID
	return true, nil
}

func (m *MemoryStore) LookupMapping(ctx context.Context, key Key) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.mappings[key]
	return id, ok, nil
}

// Len returns the number of stored mappings.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}
