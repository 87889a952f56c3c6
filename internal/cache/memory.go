package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU cache implementing Store. Entries carry
// their own expiry so routes can use different TTLs; the LRU bounds size.
type MemoryStore struct {
	lru        *expirable.LRU[string, *Entry]
	mu         sync.Mutex // protects DeleteByPrefix atomicity
	evictions  atomic.Int64
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory LRU store with the given max size
// and default TTL.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	s := &MemoryStore{
		maxSize:    maxSize,
		defaultTTL: ttl,
		now:        time.Now,
	}
	// expiry is tracked per entry, the LRU itself never expires
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(key string, value *Entry) {
		s.evictions.Add(1)
	}, 0)
	return s
}

func (s *MemoryStore) Get(key string) (*Entry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(s.now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	stored := *entry
	stored.ExpiresAt = s.now().Add(ttl)
	s.lru.Add(key, &stored)
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) DeleteByPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lru.Remove(key)
		}
	}
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
