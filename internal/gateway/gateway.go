// Package gateway wires the route locator, its filters and their
// collaborators into a running gateway.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/ignite/internal/auth"
	"github.com/wudi/ignite/internal/cache"
	"github.com/wudi/ignite/internal/clientaccess"
	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/discovery"
	"github.com/wudi/ignite/internal/discovery/consul"
	"github.com/wudi/ignite/internal/discovery/etcd"
	"github.com/wudi/ignite/internal/events"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/middleware"
	"github.com/wudi/ignite/internal/proxy"
	"github.com/wudi/ignite/internal/pubkey"
	"github.com/wudi/ignite/internal/ratelimit"
	"github.com/wudi/ignite/internal/registry"
	"github.com/wudi/ignite/internal/route"
	"github.com/wudi/ignite/internal/scheduler"
	"github.com/wudi/ignite/internal/tracing"
	"github.com/wudi/ignite/internal/validation"
	"go.uber.org/zap"
)

// Gateway is the main API gateway
type Gateway struct {
	config *config.Config

	redis      *redis.Client
	registry   *registry.Client
	keys       *pubkey.Service
	clients    *clientaccess.Store
	refresher  *clientaccess.Refresher
	filters    *filter.Registry
	locator    *route.Locator
	proxy      *proxy.Proxy
	resolver   *discovery.Resolver
	static     *discovery.Static
	tracer     *tracing.Tracer
	throttler  *events.Throttler
	subscriber *events.Subscriber
	seen       *events.Dedup
	amqp       *events.AMQPPublisher
	rateLimits *ratelimit.Factory
	caches     *cache.Factory
	openapi    *validation.OpenAPIFactory

	// routes holds the statically configured definitions.
	routes atomic.Pointer[[]route.Definition]
	// applied is the most recent configuration, including hot reloads.
	applied atomic.Pointer[config.Config]

	sched  *scheduler.Scheduler
	cancel context.CancelFunc
}

// New builds the gateway from cfg. Nothing is fetched until Start.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{config: cfg}
	g.applied.Store(cfg)

	if cfg.Redis.Enabled {
		g.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		})
	}

	if cfg.Registry.BaseURL != "" {
		rc, err := registry.New(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize registry client: %w", err)
		}
		g.registry = rc
	} else if cfg.Routing.Dynamic || cfg.ClientAccess.Enabled {
		return nil, fmt.Errorf("registry.base_url is required for dynamic routing and client access")
	}

	if err := g.initKeys(); err != nil {
		return nil, fmt.Errorf("failed to initialize key sources: %w", err)
	}
	g.initClientAccess()

	if err := g.initDiscovery(); err != nil {
		return nil, fmt.Errorf("failed to initialize discovery: %w", err)
	}
	if err := g.initProxy(); err != nil {
		return nil, fmt.Errorf("failed to initialize proxy: %w", err)
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	g.tracer = tracer

	if err := g.initFilters(); err != nil {
		return nil, fmt.Errorf("failed to initialize filters: %w", err)
	}

	defs, err := staticDefinitions(cfg.Routing.Routes)
	if err != nil {
		return nil, err
	}
	g.routes.Store(&defs)

	g.locator, err = route.NewLocator(route.Options{
		Registry:       g.filters,
		Fetcher:        g.fetcher(),
		Overrides:      cfg.Routing.FilterOverrides,
		DefaultFilters: cfg.Routing.DefaultFilters,
		Backend:        g.backend,
	})
	if err != nil {
		return nil, err
	}

	if err := g.initEvents(); err != nil {
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}
	return g, nil
}

func (g *Gateway) initKeys() error {
	sources := make([]pubkey.Source, 0, len(g.config.JWT.Sources))
	for _, s := range g.config.JWT.Sources {
		kt, err := pubkey.ParseKeyType(s.Type)
		if err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
		sources = append(sources, pubkey.Source{
			ID:                s.ID,
			Type:              kt,
			Location:          s.Location,
			Issuer:            s.Issuer,
			RefreshInterval:   s.RefreshInterval,
			UseProviderPrefix: s.UseProviderPrefix,
			Kid:               s.Kid,
		})
	}
	g.keys = pubkey.NewService(pubkey.NewMemoryCache(), sources)
	return nil
}

func (g *Gateway) initClientAccess() {
	ca := g.config.ClientAccess
	var fetcher clientaccess.Fetcher
	if g.registry != nil {
		fetcher = g.registry
	}
	g.clients = clientaccess.NewStore(fetcher,
		clientaccess.WithWorkers(ca.RefreshWorkers),
		clientaccess.WithOverrides(ca.Overrides),
	)
	if !ca.Enabled {
		return
	}

	// The loader has validated the mode.
	mode, _ := clientaccess.ParseMode(ca.Mode)
	var pinger clientaccess.Pinger
	if g.redis != nil {
		pinger = clientaccess.PingerFunc(g.pingEvents)
	}
	g.refresher = clientaccess.NewRefresher(g.clients, pinger, clientaccess.RefresherConfig{
		Mode:            mode,
		PollingInterval: ca.PollingInterval,
		DedupTTL:        ca.DedupTTL,
	})
}

// pingEvents reports the event transport as healthy when Redis answers and
// the subscription is established.
func (g *Gateway) pingEvents(ctx context.Context) error {
	if err := g.redis.Ping(ctx).Err(); err != nil {
		return err
	}
	if g.subscriber != nil && !g.subscriber.Healthy() {
		return stderrors.New("event subscription is down")
	}
	return nil
}

func (g *Gateway) initDiscovery() error {
	var (
		d   discovery.Discoverer
		err error
	)
	switch g.config.Discovery.Type {
	case "consul":
		d, err = consul.New(g.config.Discovery.Consul)
	case "etcd":
		d, err = etcd.New(g.config.Discovery.Etcd)
	default:
		g.static, err = discovery.NewStatic(g.config.Backends)
		d = g.static
	}
	if err != nil {
		return err
	}
	g.resolver = discovery.NewResolver(d, g.config.Discovery.CacheTTL)
	return nil
}

func (g *Gateway) initProxy() error {
	transport, err := proxy.NewTransport(g.config.Routing.Transport, g.config.Routing.BackendTimeout)
	if err != nil {
		return err
	}
	g.proxy = proxy.New(proxy.Config{
		Transport:      transport,
		Resolver:       g.resolver,
		DefaultTimeout: g.config.Routing.BackendTimeout,
		Breaker:        g.config.Routing.CircuitBreaker,
	})
	return nil
}

func (g *Gateway) initFilters() error {
	cfg := g.config
	r := filter.NewRegistry()
	if err := filter.RegisterBuiltins(r); err != nil {
		return err
	}

	rules := make(map[string]auth.ClaimRule, len(cfg.JWT.Validations))
	for claim, v := range cfg.JWT.Validations {
		rules[claim] = auth.ClaimRule{Header: v.Header, Required: v.Required, Regex: v.Regex}
	}
	for claim, err := range auth.ValidateRules(rules) {
		logging.Warn("Claim validation rule will reject every token",
			zap.String("claim", claim),
			zap.Error(err),
		)
	}

	var store cache.Store
	switch cfg.Routing.CacheType {
	case "redis":
		store = cache.NewRedisStore(g.redis, cfg.Cache.RedisPrefix, cfg.Cache.TTL)
	default:
		store = cache.NewMemoryStore(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}
	g.caches = cache.NewFactory(store, cfg.Cache)
	g.rateLimits = ratelimit.NewFactory(cfg.RateLimit, g.redis, cfg.ClientAccess.ClientIDHeader)
	g.openapi = validation.NewOpenAPIFactory()

	if err := r.Register(
		auth.NewFactory(g.keys, auth.Config{
			ScopePrefixes:  cfg.JWT.ScopePrefixes,
			HeaderMappings: cfg.JWT.HeaderMappings,
			Validations:    rules,
			Leeway:         cfg.JWT.Leeway,
		}),
		clientaccess.NewFactory(g.clients, cfg.ClientAccess.ClientIDHeader, cfg.ClientAccess.ClientIDClaim),
		g.rateLimits,
		g.caches,
		validation.NewSchemaFactory(),
		g.openapi,
	); err != nil {
		return err
	}
	if err := config.ValidateFilterOverrides(cfg, r.Has); err != nil {
		return err
	}
	g.filters = r
	return nil
}

func staticDefinitions(routes []config.RouteConfig) ([]route.Definition, error) {
	defs := make([]route.Definition, 0, len(routes))
	for _, rc := range routes {
		def, err := route.FromConfig(rc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// fetcher serves registry definitions when routing is dynamic, followed by
// the static ones; otherwise the static ones only.
func (g *Gateway) fetcher() route.Fetcher {
	return route.FetcherFunc(func(ctx context.Context) ([]route.Definition, error) {
		static := *g.routes.Load()
		if !g.config.Routing.Dynamic {
			return static, nil
		}
		defs, err := g.registry.FetchRoutes(ctx)
		if err != nil {
			return nil, err
		}
		return append(defs, static...), nil
	})
}

// backend is the route locator's backend factory: the proxy handler wrapped
// in a tracing span.
func (g *Gateway) backend(info filter.RouteInfo) (http.Handler, error) {
	h, err := g.proxy.Handler(info)
	if err != nil {
		return nil, err
	}
	span := g.tracer.SpanMiddleware("proxy "+info.ID, func(next http.Handler) http.Handler { return next })
	return span(h), nil
}

func (g *Gateway) initEvents() error {
	ev := g.config.Events
	pubs := events.Multi{events.PublisherFunc(g.applyRouteChange)}

	switch ev.Broadcast {
	case "amqp":
		p, err := events.NewAMQPPublisher(ev.AMQP.URL, ev.AMQP.Exchange, ev.AMQP.RoutingKey)
		if err != nil {
			return err
		}
		g.amqp = p
		pubs = append(pubs, p)
	default:
		if g.redis != nil && ev.BroadcastChannel != "" {
			if ev.BroadcastChannel == ev.Channel {
				return fmt.Errorf("events.broadcast_channel must differ from events.channel")
			}
			pubs = append(pubs, events.NewRedisPublisher(g.redis, ev.BroadcastChannel))
		}
	}
	g.throttler = events.NewThrottler(pubs, ev.DebounceDelay)
	g.seen = events.NewDedup(g.config.ClientAccess.DedupTTL)

	if g.redis == nil {
		return nil
	}
	g.subscriber = events.NewSubscriber(g.redis)
	g.subscriber.Handle(ev.Channel, g.handleRouteEvent)
	if g.refresher != nil {
		g.subscriber.Handle(g.config.ClientAccess.Channel, g.refresher.HandleEvent)
	}
	return nil
}

// handleRouteEvent feeds route and rate limit changes into the throttler.
// An event naming no service rebuilds the table right away.
func (g *Gateway) handleRouteEvent(_ context.Context, ev events.Event) {
	switch ev.EventType {
	case events.RouteChanged, events.RateLimitChanged:
	default:
		metrics.EventsReceived.WithLabelValues(string(ev.EventType), "ignored").Inc()
		logging.Debug("Ignoring event on route channel",
			zap.String("type", string(ev.EventType)),
			zap.String("event_id", ev.EventID),
		)
		return
	}
	if g.seen.Seen(ev.EventID) {
		metrics.EventsReceived.WithLabelValues(string(ev.EventType), "duplicate").Inc()
		logging.Debug("Dropping duplicate route event", zap.String("event_id", ev.EventID))
		return
	}
	metrics.EventsReceived.WithLabelValues(string(ev.EventType), "handled").Inc()
	if len(ev.Services) == 0 {
		g.locator.RefreshRoutes()
		return
	}
	for _, svc := range ev.Services {
		g.throttler.ScheduleEvent(svc)
	}
}

// applyRouteChange is the local consumer of consolidated change events.
func (g *Gateway) applyRouteChange(_ context.Context, ev events.Event) error {
	for _, svc := range ev.Services {
		g.resolver.Invalidate(svc)
	}
	logging.Info("Route change scheduled",
		zap.Strings("services", ev.Services),
		zap.String("event_id", ev.EventID),
	)
	g.locator.RefreshRoutes()
	return nil
}

// Start loads keys, client access and the first route table, then starts
// the background refreshers. It returns once the first table is installed.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	g.sched = scheduler.New(ctx)

	if err := g.keys.RefreshPublicKeys(ctx); err != nil {
		logging.Warn("Initial key refresh incomplete", zap.Error(err))
	}
	if err := g.keys.Start(g.sched); err != nil {
		return err
	}

	if g.refresher != nil {
		if _, err := g.clients.LoadAllConfigurations(ctx); err != nil {
			logging.Warn("Initial client access load failed", zap.Error(err))
		}
		if err := g.refresher.Start(g.sched); err != nil {
			return err
		}
	}

	if _, err := g.locator.Refresh(ctx); err != nil {
		logging.Warn("Initial route build failed, serving fallback", zap.Error(err))
	}
	go g.locator.Run(ctx)

	if g.config.Routing.Dynamic && g.config.Routing.RefreshInterval > 0 {
		if err := g.sched.Every("routes:refresh", g.config.Routing.RefreshInterval, func(ctx context.Context) error {
			_, err := g.locator.Refresh(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if err := g.sched.Every("ratelimit:sweep", time.Minute, func(context.Context) error {
		if n := g.rateLimits.Local().Sweep(); n > 0 {
			logging.Debug("Swept idle rate limit buckets", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return err
	}

	if err := g.sched.Every("events:purge", time.Minute, func(context.Context) error {
		if n := g.seen.Purge(); n > 0 {
			logging.Debug("Purged route event ids", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return err
	}

	if g.subscriber != nil {
		go g.subscriber.Run(ctx)
	}
	return nil
}

// Handler returns the public HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewChain(
		middleware.Recovery(),
		g.tracer.Middleware(),
		middleware.AccessLog(middleware.AccessLogConfig{}),
	).Then(g.locator)
}

// Reload forces a route rebuild, a key refresh and, when enabled, a full
// client access reload.
func (g *Gateway) Reload(ctx context.Context) error {
	var errs []error
	g.openapi.Invalidate()
	if _, err := g.locator.Refresh(ctx); err != nil {
		errs = append(errs, fmt.Errorf("routes: %w", err))
	}
	if err := g.keys.RefreshPublicKeys(ctx); err != nil {
		errs = append(errs, fmt.Errorf("keys: %w", err))
	}
	if g.refresher != nil {
		if _, err := g.clients.LoadAllConfigurations(ctx); err != nil {
			errs = append(errs, fmt.Errorf("client access: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

// ApplyConfig applies the hot-reloadable parts of a changed configuration:
// client overrides, static routes and static backends. Everything else
// needs a restart.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.applied.Store(cfg)
	g.clients.SetOverrides(cfg.ClientAccess.Overrides)

	if defs, err := staticDefinitions(cfg.Routing.Routes); err != nil {
		logging.Error("Keeping previous static routes", zap.Error(err))
	} else {
		g.routes.Store(&defs)
	}
	if g.static != nil {
		if err := g.static.Update(cfg.Backends); err != nil {
			logging.Error("Keeping previous static backends", zap.Error(err))
		}
	}
	g.openapi.Invalidate()
	g.locator.RefreshRoutes()
}

// Config returns the most recently applied configuration.
func (g *Gateway) Config() *config.Config { return g.applied.Load() }

// Ready reports whether the live table has enough routes to serve traffic.
// A table holding only the fallback route is never ready.
func (g *Gateway) Ready() (bool, string) {
	t := g.locator.Routes()
	if t == nil {
		return false, "routes not loaded"
	}
	if _, ok := t.Get(route.FallbackRouteID); ok {
		return false, "serving fallback route"
	}
	n := len(t.Routes())
	if want := g.config.Admin.ReadinessMinRoutes; n < want {
		return false, fmt.Sprintf("need %d routes, have %d", want, n)
	}
	return true, ""
}

// Close stops background work and releases connections.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.sched != nil {
		g.sched.Stop()
	}
	g.throttler.Shutdown()

	var errs []error
	if g.amqp != nil {
		errs = append(errs, g.amqp.Close())
	}
	errs = append(errs, g.resolver.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, g.tracer.Close(ctx))

	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	return stderrors.Join(errs...)
}

// Locator returns the route locator.
func (g *Gateway) Locator() *route.Locator { return g.locator }

// Keys returns the key service.
func (g *Gateway) Keys() *pubkey.Service { return g.keys }

// Clients returns the client access store.
func (g *Gateway) Clients() *clientaccess.Store { return g.clients }

// Proxy returns the backend proxy.
func (g *Gateway) Proxy() *proxy.Proxy { return g.proxy }
