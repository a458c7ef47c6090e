package entity

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory AliasStore for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	aliases []Alias
	index   map[string]struct{}
}

// NewMemoryStore creates an empty in-memory alias store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]struct{})}
}

var _ AliasStore = (*MemoryStore)(nil)

func (s *MemoryStore) Save(_ context.Context, a Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[a.Alias]; ok {
		return nil
	}
	s.index[a.Alias] = struct{}{}
	s.aliases = append(s.aliases, a)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alias, len(s.aliases))
	copy(out, s.aliases)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases = nil
	s.index = make(map[string]struct{})
	return nil
}
