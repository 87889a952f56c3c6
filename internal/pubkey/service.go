package pubkey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/scheduler"
	"go.uber.org/zap"
)

// RefreshEvent is published after every source refresh attempt.
type RefreshEvent struct {
	SourceID string
	Keys     int
	Err      error
}

// Service resolves token keys and keeps the cache fresh. It is the only
// writer of its Cache.
type Service struct {
	cache   Cache
	sources []Source
	loaders map[KeyType]Loader
	issuers map[string]string // issuer -> source id

	mu        sync.RWMutex
	listeners []func(RefreshEvent)
}

// Option configures a Service.
type Option func(*Service)

// WithLoader overrides the loader for a key type.
func WithLoader(t KeyType, l Loader) Option {
	return func(s *Service) { s.loaders[t] = l }
}

// NewService creates a key service over cache for the given sources. Keys
// are not loaded until RefreshPublicKeys is called.
func NewService(cache Cache, sources []Source, opts ...Option) *Service {
	s := &Service{
		cache:   cache,
		sources: sources,
		loaders: map[KeyType]Loader{
			KeyTypePEM:  PEMLoader{},
			KeyTypeJWKS: NewJWKSLoader(0),
		},
		issuers: make(map[string]string),
	}
	for _, src := range sources {
		if src.Issuer != "" {
			s.issuers[src.Issuer] = src.ID
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseKeyType maps a configured type string to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(KeyTypePEM):
		return KeyTypePEM, nil
	case string(KeyTypeJWKS):
		return KeyTypeJWKS, nil
	}
	return "", fmt.Errorf("unknown key source type %q", s)
}

// FindPublicKey looks kid up directly, then as provider + "_" + kid.
func (s *Service) FindPublicKey(kid, provider string) (*Info, bool) {
	if info, ok := s.cache.Get(kid); ok {
		return info, true
	}
	if provider != "" {
		return s.cache.Get(provider + "_" + kid)
	}
	return nil, false
}

// FindByIssuer resolves kid using the source whose configured issuer matches.
func (s *Service) FindByIssuer(kid, issuer string) (*Info, bool) {
	return s.FindPublicKey(kid, s.issuers[issuer])
}

// ProviderForIssuer returns the source id configured for issuer.
func (s *Service) ProviderForIssuer(issuer string) string {
	return s.issuers[issuer]
}

// OnRefresh registers a listener for refresh events.
func (s *Service) OnRefresh(fn func(RefreshEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// RefreshPublicKeys reloads every source. A failing source keeps its
// previous keys; the returned error joins all source failures.
func (s *Service) RefreshPublicKeys(ctx context.Context) error {
	var errs []error
	for _, src := range s.sources {
		if err := s.refreshSource(ctx, src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshSource reloads a single source by id.
func (s *Service) RefreshSource(ctx context.Context, id string) error {
	for _, src := range s.sources {
		if src.ID == id {
			return s.refreshSource(ctx, src)
		}
	}
	return fmt.Errorf("unknown key source %s", id)
}

// Start schedules one recurring refresh per JWKS source with a positive
// refresh interval.
func (s *Service) Start(sched *scheduler.Scheduler) error {
	for _, src := range s.sources {
		if src.Type != KeyTypeJWKS || src.RefreshInterval <= 0 {
			continue
		}
		src := src
		if err := sched.Every("pubkey:"+src.ID, src.RefreshInterval, func(ctx context.Context) error {
			return s.refreshSource(ctx, src)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the cached keys sorted by cache id.
func (s *Service) Keys() []KeyView {
	snap := s.cache.Snapshot()
	out := make([]KeyView, 0, len(snap))
	for id, info := range snap {
		out = append(out, KeyView{
			ID:       id,
			Kid:      info.Kid,
			SourceID: info.SourceID,
			Issuer:   info.Issuer,
			Type:     info.Type,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KeyView is the admin representation of a cached key.
type KeyView struct {
	ID       string  `json:"id"`
	Kid      string  `json:"kid"`
	SourceID string  `json:"source_id"`
	Issuer   string  `json:"issuer,omitempty"`
	Type     KeyType `json:"type"`
}

func (s *Service) refreshSource(ctx context.Context, src Source) error {
	loader, ok := s.loaders[src.Type]
	if !ok {
		err := fmt.Errorf("key source %s: no loader for type %s", src.ID, src.Type)
		s.publish(RefreshEvent{SourceID: src.ID, Err: err})
		return err
	}

	keys, err := loader.Load(ctx, src)
	if err != nil {
		logging.Error("public key refresh failed, keeping previous keys",
			zap.String("source", src.ID),
			zap.String("location", src.Location),
			zap.Error(err),
		)
		metrics.KeyRefreshes.WithLabelValues(src.ID, "error").Inc()
		s.publish(RefreshEvent{SourceID: src.ID, Err: err})
		return fmt.Errorf("key source %s: %w", src.ID, err)
	}

	entries := make(map[string]*Info, len(keys))
	for _, k := range keys {
		entries[src.CacheID(k.Kid)] = k
	}
	s.cache.ReplaceSource(src.ID, entries)

	metrics.KeyRefreshes.WithLabelValues(src.ID, "success").Inc()
	metrics.KeysCached.Set(float64(s.cache.Len()))
	logging.Debug("public keys refreshed",
		zap.String("source", src.ID),
		zap.Int("keys", len(entries)),
	)
	s.publish(RefreshEvent{SourceID: src.ID, Keys: len(entries)})
	return nil
}

func (s *Service) publish(ev RefreshEvent) {
	s.mu.RLock()
	listeners := make([]func(RefreshEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
