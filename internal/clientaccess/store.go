package clientaccess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fetcher reads client configurations from the registry.
type Fetcher interface {
	FetchClientAccess(ctx context.Context) ([]Record, error)
	FetchClient(ctx context.Context, clientID string) (*Record, error)
}

// Store owns the client access cache. It is the only writer; request
// filters read through GetConfig.
type Store struct {
	cache     *Cache
	fetcher   Fetcher
	workers   int
	overrides atomic.Pointer[map[string]*Config]
	mu        sync.Mutex // one reload at a time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithWorkers bounds the concurrency of targeted refreshes.
func WithWorkers(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithOverrides sets the local YAML overrides.
func WithOverrides(o []config.ClientOverride) StoreOption {
	return func(s *Store) { s.setOverrides(o) }
}

// WithCache uses c instead of a fresh cache.
func WithCache(c *Cache) StoreOption {
	return func(s *Store) { s.cache = c }
}

// NewStore creates a store reading from fetcher. The cache starts empty
// until LoadAllConfigurations succeeds.
func NewStore(fetcher Fetcher, opts ...StoreOption) *Store {
	s := &Store{fetcher: fetcher, workers: 8}
	s.setOverrides(nil)
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = NewCache()
	}
	return s
}

func (s *Store) setOverrides(o []config.ClientOverride) {
	m := make(map[string]*Config, len(o))
	for _, ov := range o {
		cfg := FromOverride(ov)
		if cfg.ClientID == "" {
			continue
		}
		m[cfg.ClientID] = cfg
	}
	s.overrides.Store(&m)
}

// SetOverrides replaces the YAML overrides and applies them to the cache
// immediately. Overrides that were removed stay cached until the next full
// reload replaces them with registry data.
func (s *Store) SetOverrides(o []config.ClientOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setOverrides(o)
	ov := *s.overrides.Load()
	cfgs := make([]*Config, 0, len(ov))
	for _, c := range ov {
		cfgs = append(cfgs, c)
	}
	s.cache.Upsert(cfgs)
}

// Cache returns the underlying cache.
func (s *Store) Cache() *Cache { return s.cache }

// GetConfig returns the configuration of clientID, or nil.
func (s *Store) GetConfig(clientID string) *Config {
	cfg, _ := s.cache.Get(clientID)
	return cfg
}

// IsAllowed reports whether clientID may call service/route. Unknown and
// inactive clients are denied.
func (s *Store) IsAllowed(clientID, service, route string) bool {
	return s.GetConfig(clientID).IsAllowed(service, route)
}

// LoadAllConfigurations fetches every active client, merges the YAML
// overrides over them and swaps the result in as one map. On a fetch error
// the previous contents are kept.
func (s *Store) LoadAllConfigurations(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.fetcher.FetchClientAccess(ctx)
	if err != nil {
		logging.Error("Client access reload failed, keeping previous configuration",
			zap.Int("cached", s.cache.Len()),
			zap.Error(err),
		)
		return 0, fmt.Errorf("fetch client access: %w", err)
	}

	next := make(map[string]*Config, len(records))
	for _, rec := range records {
		cfg := rec.Config()
		if cfg.ClientID == "" {
			logging.Warn("Skipping client access record without client id")
			continue
		}
		if !cfg.Active {
			continue
		}
		next[cfg.ClientID] = cfg
	}
	for id, cfg := range *s.overrides.Load() {
		next[id] = cfg
	}

	s.cache.ReplaceAll(next)
	logging.Info("Client access configuration loaded",
		zap.Int("clients", len(next)),
		zap.Int("overrides", len(*s.overrides.Load())),
	)
	return len(next), nil
}

// Refresh reloads only the named clients. Each client is fetched
// independently; a failed fetch skips that client without aborting the
// batch. Clients the registry no longer knows are removed, and clients with
// a YAML override are left alone. Successful updates are applied in one
// swap. The returned error joins the individual failures.
func (s *Store) Refresh(ctx context.Context, clientIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	overrides := *s.overrides.Load()
	ids := make([]string, 0, len(clientIDs))
	seen := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := overrides[id]; ok {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		updated []*Config
		removed []string
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := s.fetcher.FetchClient(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrClientNotFound):
				removed = append(removed, id)
			case err != nil:
				errs = append(errs, fmt.Errorf("client %s: %w", id, err))
				logging.Warn("Client access refresh failed, keeping cached entry",
					zap.String("client_id", id),
					zap.Error(err),
				)
			default:
				cfg := rec.Config()
				if cfg.ClientID == "" {
					cfg.ClientID = id
				}
				if cfg.Active {
					updated = append(updated, cfg)
				} else {
					removed = append(removed, id)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.cache.Upsert(updated, removed...)
	logging.Debug("Client access refreshed",
		zap.Int("updated", len(updated)),
		zap.Int("removed", len(removed)),
		zap.Int("failed", len(errs)),
	)
	return len(updated) + len(removed), errors.Join(errs...)
}
