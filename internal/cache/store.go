// Package cache holds the per-route response cache: the storage backends
// and the Cache filter that reads and fills them.
package cache

import (
	"net/http"
	"time"
)

// Entry represents a cached response
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store abstracts the cache storage backend. A ttl <= 0 uses the store's
// default.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, entry *Entry, ttl time.Duration)
	Delete(key string)
	DeleteByPrefix(prefix string)
	Purge()
	Stats() StoreStats
}
