package clientaccess

import (
	"sync"
	"sync/atomic"

	"github.com/wudi/ignite/internal/metrics"
)

// Cache maps client ids to configurations. Reads load an immutable map
// through an atomic pointer; writers build a new map and swap it in.
type Cache struct {
	m  atomic.Pointer[map[string]*Config]
	mu sync.Mutex // serializes writers
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	empty := make(map[string]*Config)
	c.m.Store(&empty)
	return c
}

// Get returns the configuration for clientID and records a hit or miss.
func (c *Cache) Get(clientID string) (*Config, bool) {
	cfg, ok := (*c.m.Load())[clientID]
	metrics.RecordClientLookup(ok)
	return cfg, ok
}

// ReplaceAll swaps in next as the whole cache. The caller must not modify
// next afterwards.
func (c *Cache) ReplaceAll(next map[string]*Config) {
	if next == nil {
		next = make(map[string]*Config)
	}
	c.mu.Lock()
	c.m.Store(&next)
	c.mu.Unlock()
	metrics.ClientAccessEntries.Set(float64(len(next)))
}

// Upsert replaces the given entries and removes the given ids in one swap.
func (c *Cache) Upsert(cfgs []*Config, remove ...string) {
	if len(cfgs) == 0 && len(remove) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.m.Load()
	next := make(map[string]*Config, len(cur)+len(cfgs))
	for k, v := range cur {
		next[k] = v
	}
	for _, id := range remove {
		delete(next, id)
	}
	for _, cfg := range cfgs {
		next[cfg.ClientID] = cfg
	}
	c.m.Store(&next)
	metrics.ClientAccessEntries.Set(float64(len(next)))
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	return len(*c.m.Load())
}

// Snapshot returns the current map. It must be treated as read-only.
func (c *Cache) Snapshot() map[string]*Config {
	return *c.m.Load()
}
