package feedback

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory feedback log for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // canonical vendor -> entries in append order
}

// NewMemoryStore creates an empty feedback log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]*Entry)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.CanonicalVendorID] = append(s.entries[e.CanonicalVendorID], &cp)
	return nil
}

func (s *MemoryStore) Counts(_ context.Context, vendor string) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, e := range s.entries[vendor] {
		switch e.Action {
		case ActionDismiss:
			c.Dismiss++
		case ActionEscalate:
			c.Escalate++
		}
	}
	return c, nil
}

// List returns the most recent entries first.
func (s *MemoryStore) List(_ context.Context, vendor string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.entries[vendor]
	out := make([]*Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}
