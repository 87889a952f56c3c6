package events

import (
	"sync"
	"time"
)

// DefaultDedupTTL is how long an event id is remembered.
const DefaultDedupTTL = 60 * time.Second

// Dedup remembers event ids for a TTL so redelivered events can be dropped.
type Dedup struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup creates a Dedup. A non-positive ttl uses DefaultDedupTTL.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Dedup{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen reports whether id was recorded within the TTL. Unseen ids are
// recorded. Events without an id are never considered duplicates.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Purge drops ids older than the TTL and returns how many were removed.
func (d *Dedup) Purge() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
