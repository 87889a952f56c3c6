package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreGetSet(t *testing.T) {
	s := NewMemoryStore(100, time.Minute)

	s.Set("key1", &Entry{StatusCode: 200, Headers: http.Header{"X-A": {"1"}}, Body: []byte("data")}, 0)

	got, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.StatusCode != 200 || string(got.Body) != "data" || got.Headers.Get("X-A") != "1" {
		t.Errorf("unexpected entry %+v", got)
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("expected miss")
	}
}

func TestMemoryStorePerEntryTTL(t *testing.T) {
	s := NewMemoryStore(100, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.Set("short", &Entry{StatusCode: 200}, time.Second)
	s.Set("long", &Entry{StatusCode: 200}, 0)

	now = now.Add(2 * time.Second)
	if _, ok := s.Get("short"); ok {
		t.Error("short entry should have expired")
	}
	if _, ok := s.Get("long"); !ok {
		t.Error("default TTL entry should still be cached")
	}
	if s.Stats().Size != 1 {
		t.Errorf("expired entry should be removed, size %d", s.Stats().Size)
	}
}

func TestMemoryStoreSetDoesNotAliasEntry(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	e := &Entry{StatusCode: 200}
	s.Set("k", e, 0)
	if !e.ExpiresAt.IsZero() {
		t.Error("Set must not mutate the caller's entry")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(2, time.Minute)
	s.Set("a", &Entry{}, 0)
	s.Set("b", &Entry{}, 0)
	s.Set("c", &Entry{}, 0)

	if _, ok := s.Get("a"); ok {
		t.Error("oldest entry should be evicted")
	}
	st := s.Stats()
	if st.Size != 2 || st.MaxSize != 2 || st.Evictions != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestMemoryStoreDeleteByPrefix(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	s.Set("orders:1", &Entry{}, 0)
	s.Set("orders:2", &Entry{}, 0)
	s.Set("billing:1", &Entry{}, 0)

	s.DeleteByPrefix("orders:")
	if s.Stats().Size != 1 {
		t.Errorf("expected 1 entry left, got %d", s.Stats().Size)
	}
	s.Delete("billing:1")
	s.Set("x", &Entry{}, 0)
	s.Purge()
	if s.Stats().Size != 0 {
		t.Error("purge should empty the store")
	}
}
