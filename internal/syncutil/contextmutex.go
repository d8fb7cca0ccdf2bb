// Package syncutil provides keyed locks that callers can abandon when
// their context is cancelled.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes. Keys hash
// to shards, so unrelated keys may contend but never deadlock as long as
// multi-key callers go through LockMany.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{}
		}
	})
}

// LockContext acquires the shard for key. The returned unlock function
// must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.LockMany(ctx, key)
}

// LockMany acquires the shards for all keys. Shards are deduplicated and
// taken in ascending order, so two callers locking overlapping key sets
// cannot deadlock. If ctx ends while waiting, any shards already held are
// released and ctx.Err() is returned.
func (m *ContextShardedMutex) LockMany(ctx context.Context, keys ...string) (func(), error) {
	m.init()

	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		i := shardIdx(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	held := make([]*chanMutex, 0, len(idx))
	release := func() {
		for j := len(held) - 1; j >= 0; j-- {
			held[j].ch <- struct{}{}
		}
	}

	for _, i := range idx {
		shard := &m.shards[i]
		select {
		case <-shard.ch:
			held = append(held, shard)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
