// Package pubkey loads, indexes and refreshes the public keys used to verify
// bearer tokens.
package pubkey

import (
	"crypto"
	"sync"
	"sync/atomic"
)

// KeyType identifies where a key came from.
type KeyType string

const (
	KeyTypePEM  KeyType = "PEM"
	KeyTypeJWKS KeyType = "JWKS"
)

// DefaultKid is used when a token carries no kid header.
const DefaultKid = "DEFAULT"

// Info is a cached public key.
type Info struct {
	Kid      string
	SourceID string
	Issuer   string
	Type     KeyType
	Key      crypto.PublicKey
}

// Cache is the key store shared by the service (writer) and the token
// verifier (reader).
type Cache interface {
	Get(id string) (*Info, bool)
	Put(id string, info *Info)
	// RemoveSource drops every key attributed to sourceID and returns how many were removed.
	RemoveSource(sourceID string) int
	// ReplaceSource drops sourceID's keys and inserts entries in one step.
	ReplaceSource(sourceID string, entries map[string]*Info)
	Snapshot() map[string]*Info
	Len() int
}

// MemoryCache is a copy-on-write map. Reads load an immutable snapshot and
// never block; writes build a new map and swap it in.
type MemoryCache struct {
	m  atomic.Pointer[map[string]*Info]
	mu sync.Mutex // serializes writers
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{}
	empty := make(map[string]*Info)
	c.m.Store(&empty)
	return c
}

func (c *MemoryCache) Get(id string) (*Info, bool) {
	info, ok := (*c.m.Load())[id]
	return info, ok
}

func (c *MemoryCache) Put(id string, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.clone(0)
	next[id] = info
	c.m.Store(&next)
}

func (c *MemoryCache) RemoveSource(sourceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.clone(0)
	removed := purge(next, sourceID)
	if removed > 0 {
		c.m.Store(&next)
	}
	return removed
}

func (c *MemoryCache) ReplaceSource(sourceID string, entries map[string]*Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.clone(len(entries))
	purge(next, sourceID)
	for id, info := range entries {
		next[id] = info
	}
	c.m.Store(&next)
}

// Snapshot returns the current map. Callers must not modify it.
func (c *MemoryCache) Snapshot() map[string]*Info {
	return *c.m.Load()
}

func (c *MemoryCache) Len() int {
	return len(*c.m.Load())
}

func (c *MemoryCache) clone(extra int) map[string]*Info {
	cur := *c.m.Load()
	next := make(map[string]*Info, len(cur)+extra)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

func purge(m map[string]*Info, sourceID string) int {
	n := 0
	for id, info := range m {
		if info.SourceID == sourceID {
			delete(m, id)
			n++
		}
	}
	return n
}
