package route

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gwerrors "github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/middleware"
	"github.com/wudi/ignite/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheFilter is attached to routes that declare a cache key.
const DefaultCacheFilter = "Cache"

// FallbackRouteID is the id of the placeholder route.
const FallbackRouteID = "fallback"

// Fetcher loads route definitions from the registry.
type Fetcher interface {
	FetchRoutes(ctx context.Context) ([]Definition, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Definition, error)

func (f FetcherFunc) FetchRoutes(ctx context.Context) ([]Definition, error) { return f(ctx) }

// BackendFunc returns the handler that forwards a route's requests.
type BackendFunc func(route filter.RouteInfo) (http.Handler, error)

// Customizer may adjust a definition before its filters are resolved. An
// error drops the route.
type Customizer func(def *Definition) error

// Options configures a Locator.
type Options struct {
	Registry *filter.Registry
	// Fetcher serves dynamic definitions. Nil serves Static only.
	Fetcher Fetcher
	Static  []Definition
	// Overrides maps filter names used in definitions to registered names.
	Overrides      map[string]string
	DefaultFilters []string
	// CacheFilter is attached to routes with a cache key. Defaults to
	// DefaultCacheFilter.
	CacheFilter string
	Backend     BackendFunc
	Docs        *DocsRegistry
	Customizers []Customizer
}

// Locator owns the live route table. Each build produces a new Table that
// replaces the previous one atomically; requests keep the table they
// started with.
type Locator struct {
	opts    Options
	current atomic.Pointer[Table]
	gen     atomic.Uint64
	group   singleflight.Group
	trigger chan struct{}
}

// NewLocator validates the options. An override or default filter naming
// an unregistered filter is an error.
func NewLocator(opts Options) (*Locator, error) {
	if opts.Registry == nil {
		return nil, errors.New("route locator: filter registry is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("route locator: backend is required")
	}
	if opts.CacheFilter == "" {
		opts.CacheFilter = DefaultCacheFilter
	}
	if opts.Docs == nil {
		opts.Docs = NewDocsRegistry()
	}
	for from, to := range opts.Overrides {
		if !opts.Registry.Has(to) {
			return nil, fmt.Errorf("filter override %s -> %s: filter %s is not registered", from, to, to)
		}
	}
	for _, name := range opts.DefaultFilters {
		if !opts.Registry.Has(name) {
			return nil, fmt.Errorf("default filter %s is not registered", name)
		}
	}
	return &Locator{opts: opts, trigger: make(chan struct{}, 1)}, nil
}

// Docs returns the documented services registry.
func (l *Locator) Docs() *DocsRegistry { return l.opts.Docs }

// Routes returns the current table, or nil before the first build.
func (l *Locator) Routes() *Table { return l.current.Load() }

// Refresh rebuilds the table and swaps it in. Concurrent calls share one
// build. When the build fails the previous table stays; if there is none,
// the fallback table is installed.
func (l *Locator) Refresh(ctx context.Context) (*Table, error) {
	v, err, _ := l.group.Do("refresh", func() (any, error) {
		start := time.Now()
		t, err := l.Build(ctx)
		metrics.RouteReloads.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			logging.Error("Route table rebuild failed, keeping previous routes", zap.Error(err))
			if l.current.Load() == nil {
				fb := l.fallbackTable()
				l.current.Store(fb)
				metrics.RoutesActive.Set(float64(fb.Len()))
				logging.Warn("Installed fallback route")
			}
			return nil, err
		}
		l.current.Store(t)
		l.opts.Docs.Replace(t.docs)
		metrics.RoutesActive.Set(float64(t.Len()))
		logging.Info("Route table rebuilt",
			zap.Uint64("generation", t.Generation),
			zap.Int("routes", t.Len()),
			zap.Duration("took", time.Since(start)),
		)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// RefreshRoutes asks Run to rebuild. It never blocks; triggers that arrive
// while one is pending are merged.
func (l *Locator) RefreshRoutes() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run rebuilds on every RefreshRoutes signal until ctx is done.
func (l *Locator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.trigger:
			_, _ = l.Refresh(ctx)
		}
	}
}

// Build fetches the definitions and builds a new table without installing
// it. Individual bad routes are dropped; only a fetch failure is an error.
func (l *Locator) Build(ctx context.Context) (*Table, error) {
	var defs []Definition
	if l.opts.Fetcher != nil {
		fetched, err := l.opts.Fetcher.FetchRoutes(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching routes: %w", err)
		}
		defs = append(defs, fetched...)
	}
	defs = append(defs, l.opts.Static...)

	t := newTable(l.gen.Add(1))
	for _, def := range defs {
		if def.ID == "" {
			drop(def.ID, "invalid_id", errors.New("route has no id"))
			continue
		}
		if _, dup := t.byID[def.ID]; dup {
			drop(def.ID, "duplicate_id", errors.New("duplicate route id"))
			continue
		}
		rt, spec, reason, err := l.buildRoute(def)
		if err != nil {
			drop(def.ID, reason, err)
			continue
		}
		if err := t.add(rt, spec, def.Order); err != nil {
			drop(def.ID, "path_conflict", err)
			continue
		}
		if def.APIDocs {
			svc := rt.Info.Service()
			if svc == "" {
				svc = rt.ID
			}
			t.docs = append(t.docs, DocEntry{Service: svc, RouteID: rt.ID, URI: def.URI, Paths: rt.Paths})
		}
	}
	return t, nil
}

func drop(id, reason string, err error) {
	metrics.RoutesDropped.WithLabelValues(reason).Inc()
	logging.Error("Dropping route",
		zap.String("route_id", id),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (l *Locator) filterName(name string) string {
	if to, ok := l.opts.Overrides[name]; ok {
		return to
	}
	return name
}

// buildRoute resolves one definition. On error it returns the drop reason.
func (l *Locator) buildRoute(def Definition) (*Route, router.MatchSpec, string, error) {
	for _, fd := range def.Filters {
		if !l.opts.Registry.Has(l.filterName(fd.Name)) {
			return nil, router.MatchSpec{}, "unknown_filter", fmt.Errorf("unknown filter %q", fd.Name)
		}
	}

	var rr router.Route
	if err := applyPredicates(def.Predicates, &rr); err != nil {
		var unknown errUnknownPredicate
		if errors.As(err, &unknown) {
			return nil, router.MatchSpec{}, "unknown_predicate", err
		}
		return nil, router.MatchSpec{}, "invalid_predicate", err
	}

	// copy before customizers and cache attachment touch the filter list
	def.Filters = append([]FilterDefinition(nil), def.Filters...)
	if def.CacheKey != "" && !declares(def.Filters, l.opts.CacheFilter, l.filterName) {
		if l.opts.Registry.Has(l.opts.CacheFilter) {
			def.Filters = append(def.Filters, FilterDefinition{Name: l.opts.CacheFilter})
		} else {
			logging.Warn("Route declares a cache key but no cache filter is registered",
				zap.String("route_id", def.ID))
		}
	}

	for _, c := range l.opts.Customizers {
		if err := c(&def); err != nil {
			return nil, router.MatchSpec{}, "customizer", err
		}
	}

	info := filter.RouteInfo{
		ID:       def.ID,
		URI:      def.URI,
		Metadata: def.Metadata,
		CacheKey: def.CacheKey,
		CacheTTL: def.CacheTTL,
	}

	filters := make([]filter.Filter, 0, len(l.opts.DefaultFilters)+len(def.Filters))
	for _, name := range l.opts.DefaultFilters {
		if declares(def.Filters, name, l.filterName) {
			continue
		}
		f, err := l.createFilter(FilterDefinition{Name: name}, 0, info)
		if err != nil {
			return nil, router.MatchSpec{}, "filter_config", err
		}
		filters = append(filters, f)
	}
	for i, fd := range def.Filters {
		f, err := l.createFilter(fd, i+1, info)
		if err != nil {
			return nil, router.MatchSpec{}, "filter_config", err
		}
		filters = append(filters, f)
	}
	filter.Sort(filters)

	backend, err := l.opts.Backend(info)
	if err != nil {
		return nil, router.MatchSpec{}, "backend", err
	}

	rt := &Route{
		ID:         def.ID,
		Definition: def,
		Info:       info,
		Filters:    filters,
		Paths:      rr.Paths,
		Methods:    rr.Match.Methods,
		handler:    filter.Then(filters, backend),
	}
	return rt, rr.Match, "", nil
}

// createFilter instantiates fd. The order is the declared one, else the
// factory's own, else pos.
func (l *Locator) createFilter(fd FilterDefinition, pos int, info filter.RouteInfo) (filter.Filter, error) {
	name := l.filterName(fd.Name)
	factory, ok := l.opts.Registry.Get(name)
	if !ok {
		return filter.Filter{}, fmt.Errorf("unknown filter %q", fd.Name)
	}
	args := fd.Args
	if args == nil {
		args = filter.Args{}
	}
	f, err := factory.Create(args, info)
	if err != nil {
		return filter.Filter{}, err
	}
	if f.Name == "" {
		f.Name = name
	}
	switch {
	case fd.Order != nil:
		f.Order = *fd.Order
	default:
		if o, ok := factory.(filter.Orderer); ok {
			f.Order = o.Order()
		} else {
			f.Order = pos
		}
	}
	return f, nil
}

func declares(defs []FilterDefinition, name string, resolve func(string) string) bool {
	for _, fd := range defs {
		if fd.Name == name || resolve(fd.Name) == name {
			return true
		}
	}
	return false
}

func (l *Locator) fallbackTable() *Table {
	t := newTable(l.gen.Add(1))
	t.Fallback = true
	rt := &Route{
		ID:         FallbackRouteID,
		Definition: Definition{ID: FallbackRouteID},
		Info:       filter.RouteInfo{ID: FallbackRouteID},
		Paths:      []string{"/**"},
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, gwerrors.ErrServiceUnavailable)
		}),
	}
	if err := t.add(rt, router.MatchSpec{}, 0); err != nil {
		// a single catch-all on an empty table cannot conflict
		panic(err)
	}
	return t
}

// ServeHTTP dispatches r through the current table.
func (l *Locator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := l.current.Load()
	if t == nil {
		writeError(w, r, gwerrors.ErrServiceUnavailable)
		return
	}
	rt, params := t.Match(r)
	if rt == nil {
		writeError(w, r, gwerrors.ErrRouteNotFound)
		return
	}
	info := rt.Info
	ctx := filter.WithRoute(r.Context(), &info)
	if len(params) > 0 {
		ctx = context.WithValue(ctx, paramsKey{}, params)
	}
	middleware.SetRouteLabel(ctx, rt.ID)
	rt.handler.ServeHTTP(w, r.WithContext(ctx))
}

func writeError(w http.ResponseWriter, r *http.Request, e *gwerrors.GatewayError) {
	if id := middleware.CorrelationID(r); id != "" {
		e = e.WithCorrelationID(id)
	}
	e.WriteJSON(w)
}
