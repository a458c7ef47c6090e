package history

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/auditrisk/internal/txn"
)

// MemoryStore is an in-memory history for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	byVendor map[string][]*txn.ScoredTransaction // canonical vendor -> ordered by timestamp
	ids      map[string]struct{}
}

// NewMemoryStore creates an empty in-memory history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byVendor: make(map[string][]*txn.ScoredTransaction),
		ids:      make(map[string]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

// Record stores deep copies. Re-recording an id is a no-op.
func (s *MemoryStore) Record(_ context.Context, scored ...*txn.ScoredTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range scored {
		if _, ok := s.ids[st.ID]; ok {
			continue
		}
		s.ids[st.ID] = struct{}{}
		list := append(s.byVendor[st.CanonicalVendor], copyScored(st))
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
		s.byVendor[st.CanonicalVendor] = list
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]*txn.ScoredTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*txn.ScoredTransaction
	if q.Vendor != "" {
		candidates = s.byVendor[q.Vendor]
	} else {
		for _, list := range s.byVendor {
			candidates = append(candidates, list...)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].Timestamp.Before(candidates[j].Timestamp)
		})
	}

	var out []*txn.ScoredTransaction
	for _, c := range candidates {
		if !q.Matches(c) {
			continue
		}
		out = append(out, copyScored(c))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
