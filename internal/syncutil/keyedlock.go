// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/maphash"
)

// DefaultShards is the shard count used by NewKeyedLocks when n <= 0.
const DefaultShards = 256

// KeyedLocks serializes work per key using a fixed pool of lock shards.
// Distinct keys may share a shard, so holders must not lock a second key
// while holding one. Acquisition honours context cancellation.
type KeyedLocks struct {
	seed   maphash.Seed
	shards []chan struct{}
}

// NewKeyedLocks creates a pool with n shards.
func NewKeyedLocks(n int) *KeyedLocks {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyedLocks{seed: maphash.MakeSeed(), shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until the shard for key is free or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (k *KeyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[k.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the shard for key without waiting.
func (k *KeyedLocks) TryLock(key string) (func(), bool) {
	shard := k.shards[k.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, true
	default:
		return nil, false
	}
}

func (k *KeyedLocks) index(key string) int {
	return int(maphash.String(k.seed, key) % uint64(len(k.shards)))
}
