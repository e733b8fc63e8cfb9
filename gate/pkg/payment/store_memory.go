package payment

import (
	"context"
	"sync"
)

// MemoryStore is an in-process used-hash set for tests and single-instance deployments. It does
// not survive restarts.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Consumption
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Consumption)}
}

func (s *MemoryStore) Lookup(_ context.Context, hash string) (Consumption, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[hash]
	return c, ok, nil
}

func (s *MemoryStore) Consume(_ context.Context, c Consumption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.TxHash]; ok {
		return false, nil
	}
	s.items[c.TxHash] = c
	return true, nil
}
