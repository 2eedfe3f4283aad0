package persist

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps the snapshot in process. Used by tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	blob  []byte
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = slices.Clone(blob)
	m.saves++
	return nil
}

func (m *MemoryStore) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saves == 0 {
		return nil, ErrNoSnapshot
	}
	return slices.Clone(m.blob), nil
}

// Saves returns how many snapshots were written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
