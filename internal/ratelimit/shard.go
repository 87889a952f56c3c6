package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// shardedMap is a concurrent map split into fixed shards to reduce lock contention.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return &m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// deleteFunc iterates all shards and deletes entries for which fn returns true.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *shardedMap[V]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
