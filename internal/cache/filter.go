package cache

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/middleware"
	"go.uber.org/zap"
)

// FilterName is the registered name of the response cache filter.
const FilterName = "Cache"

const defaultKeyTemplate = "{path}?{query}"

// Factory creates Cache filters sharing one store. A nil store turns every
// filter into a pass-through.
type Factory struct {
	store       Store
	ttl         time.Duration
	maxBodySize int64
}

// NewFactory creates the Cache filter factory.
func NewFactory(store Store, cfg config.CacheConfig) *Factory {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB
	}
	return &Factory{store: store, ttl: ttl, maxBodySize: maxBodySize}
}

func (f *Factory) Name() string { return FilterName }

func (f *Factory) Order() int { return filter.OrderCache }

// Store returns the backing store, or nil.
func (f *Factory) Store() Store { return f.store }

// Invalidate drops the cached responses of routeID, or of every route when
// routeID is empty.
func (f *Factory) Invalidate(routeID string) {
	switch {
	case f.store == nil:
	case routeID == "":
		f.store.Purge()
	default:
		f.store.DeleteByPrefix(routeID + ":")
	}
}

// Create builds the filter for route. Args "key" and "ttl" override the
// route's cache key and TTL.
func (f *Factory) Create(args filter.Args, route filter.RouteInfo) (filter.Filter, error) {
	flt := filter.Filter{Name: FilterName, Order: filter.OrderCache}

	tmplStr := args.StringOr("key", route.CacheKey)
	if tmplStr == "" {
		tmplStr = defaultKeyTemplate
	}
	tmpl, err := ParseKeyTemplate(tmplStr)
	if err != nil {
		return filter.Filter{}, err
	}
	ttl, err := args.Duration("ttl", route.CacheTTL)
	if err != nil {
		return filter.Filter{}, err
	}
	if ttl <= 0 {
		ttl = f.ttl
	}

	if f.store == nil {
		flt.Middleware = func(next http.Handler) http.Handler { return next }
		return flt, nil
	}
	c := &routeCache{
		store:       f.store,
		route:       route,
		tmpl:        tmpl,
		ttl:         ttl,
		maxBodySize: f.maxBodySize,
	}
	flt.Middleware = c.middleware
	return flt, nil
}

// routeCache is the cache filter of one route.
type routeCache struct {
	store       Store
	route       filter.RouteInfo
	tmpl        *KeyTemplate
	ttl         time.Duration
	maxBodySize int64
}

func (c *routeCache) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			c.serveGet(w, r, next)
		case IsMutatingMethod(r.Method):
			c.store.Delete(c.invalidationKey(r))
			next.ServeHTTP(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// invalidationKey is the key the GET for the same resource is stored under,
// so templates using {method} still hit the cached entry.
func (c *routeCache) invalidationKey(r *http.Request) string {
	gr := *r
	gr.Method = http.MethodGet
	return c.tmpl.Key(&gr, c.route)
}

func (c *routeCache) serveGet(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if strings.Contains(r.Header.Get("Cache-Control"), "no-store") {
		next.ServeHTTP(w, r)
		return
	}
	key := c.tmpl.Key(r, c.route)

	if e, ok := c.store.Get(key); ok {
		h, body, err := prepare(e, r)
		if err == nil {
			metrics.RecordCacheHit(c.route.ID)
			writeCached(w, h, e.StatusCode, body)
			return
		}
		logging.Warn("Dropping undecodable cache entry",
			zap.String("route", c.route.ID),
			zap.String("key", key),
			zap.Error(err),
		)
		c.store.Delete(key)
	}
	metrics.RecordCacheMiss(c.route.ID)

	w.Header().Set("X-Cache", "MISS")
	crw := NewCachingResponseWriter(w, c.maxBodySize)
	next.ServeHTTP(crw, r)

	if !c.shouldStore(crw) {
		return
	}
	hdr := crw.header.Clone()
	hdr.Del("X-Cache")
	hdr.Del("Set-Cookie")
	c.store.Set(key, &Entry{
		StatusCode: crw.statusCode,
		Headers:    hdr,
		Body:       crw.body.Bytes(),
	}, c.ttl)
}

func (c *routeCache) shouldStore(crw *CachingResponseWriter) bool {
	// Only cache successful responses
	if crw.statusCode < 200 || crw.statusCode >= 300 || crw.overflow {
		return false
	}
	return !strings.Contains(crw.header.Get("Cache-Control"), "no-store")
}

// IsMutatingMethod returns true if the HTTP method may mutate resources.
func IsMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// CachingResponseWriter wraps http.ResponseWriter to capture the response
// for caching. Capture stops once the body exceeds the size limit.
type CachingResponseWriter struct {
	*middleware.StatusRecorder
	statusCode int
	header     http.Header
	body       bytes.Buffer
	limit      int64
	overflow   bool
	captured   bool
}

// NewCachingResponseWriter creates a new caching response writer.
func NewCachingResponseWriter(w http.ResponseWriter, limit int64) *CachingResponseWriter {
	return &CachingResponseWriter{
		StatusRecorder: middleware.NewStatusRecorder(w),
		statusCode:     http.StatusOK,
		limit:          limit,
	}
}

// WriteHeader captures the status code and a snapshot of the headers.
func (crw *CachingResponseWriter) WriteHeader(code int) {
	if !crw.captured {
		crw.statusCode = code
		crw.header = crw.Header().Clone()
		crw.captured = true
	}
	crw.StatusRecorder.WriteHeader(code)
}

// Write captures the body and writes it to the underlying writer.
func (crw *CachingResponseWriter) Write(b []byte) (int, error) {
	if !crw.captured {
		crw.WriteHeader(http.StatusOK)
	}
	if !crw.overflow {
		if int64(crw.body.Len()+len(b)) > crw.limit {
			crw.overflow = true
			crw.body.Reset()
		} else {
			crw.body.Write(b)
		}
	}
	return crw.StatusRecorder.Write(b)
}

// writeCached writes a cached response.
func writeCached(w http.ResponseWriter, h http.Header, status int, body []byte) {
	dst := w.Header()
	for key, values := range h {
		dst[key] = append([]string(nil), values...)
	}
	dst.Set("X-Cache", "HIT")
	w.WriteHeader(status)
	w.Write(body)
}
