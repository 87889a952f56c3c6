// Package filter defines the per-route filter abstraction: named factories
// that turn route arguments into ordered middleware.
package filter

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/wudi/ignite/internal/middleware"
)

// Filter is a configured middleware instance bound to one route.
type Filter struct {
	Name       string
	Order      int
	Middleware middleware.Middleware
}

// Factory builds filters of one kind.
type Factory interface {
	Name() string
	Create(args Args, route RouteInfo) (Filter, error)
}

// Orderer is implemented by factories whose filters report their own order.
// Filters from other factories are ordered by declaration position.
type Orderer interface {
	Order() int
}

// Well-known orders of the built-in pipeline stages.
const (
	OrderCorrelation  = -1000
	OrderAuth         = -100
	OrderClientAccess = -90
	OrderRateLimit    = -80
	OrderCache        = -70
	OrderValidation   = -60
)

// RouteInfo is the part of a route visible to filters.
type RouteInfo struct {
	ID       string
	URI      string
	Metadata map[string]any
	CacheKey string
	CacheTTL time.Duration
}

// Meta returns a metadata value as a string.
func (r RouteInfo) Meta(key string) string {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Service returns the service name the route belongs to: metadata "service",
// otherwise the host of an lb:// URI.
func (r RouteInfo) Service() string {
	if s := r.Meta("service"); s != "" {
		return s
	}
	if rest, ok := strings.CutPrefix(r.URI, "lb://"); ok {
		host, _, _ := strings.Cut(rest, "/")
		return host
	}
	return ""
}

type routeKey struct{}

// WithRoute attaches the matched route to ctx.
func WithRoute(ctx context.Context, r *RouteInfo) context.Context {
	return context.WithValue(ctx, routeKey{}, r)
}

// RouteFromContext returns the matched route, if any.
func RouteFromContext(ctx context.Context) (*RouteInfo, bool) {
	r, ok := ctx.Value(routeKey{}).(*RouteInfo)
	return r, ok && r != nil
}

// Sort orders filters by Order, keeping declaration order for ties.
func Sort(filters []Filter) {
	sort.SliceStable(filters, func(i, j int) bool {
		return filters[i].Order < filters[j].Order
	})
}

// Then builds the handler for a sorted filter list. The first filter sees
// the request first and the response last.
func Then(filters []Filter, h http.Handler) http.Handler {
	mws := make([]middleware.Middleware, 0, len(filters))
	for _, f := range filters {
		mws = append(mws, f.Middleware)
	}
	return middleware.NewChain(mws...).Then(h)
}

// funcFactory adapts a constructor function to Factory.
type funcFactory struct {
	name  string
	order *int
	fn    func(Args, RouteInfo) (middleware.Middleware, error)
}

// NewFactory returns a factory that reports no order of its own.
func NewFactory(name string, fn func(Args, RouteInfo) (middleware.Middleware, error)) Factory {
	return &funcFactory{name: name, fn: fn}
}

// NewOrderedFactory returns a factory whose filters carry a fixed order.
func NewOrderedFactory(name string, order int, fn func(Args, RouteInfo) (middleware.Middleware, error)) Factory {
	return &orderedFactory{funcFactory{name: name, order: &order, fn: fn}}
}

func (f *funcFactory) Name() string { return f.name }

func (f *funcFactory) Create(args Args, route RouteInfo) (Filter, error) {
	mw, err := f.fn(args, route)
	if err != nil {
		return Filter{}, fmt.Errorf("%s: %w", f.name, err)
	}
	flt := Filter{Name: f.name, Middleware: mw}
	if f.order != nil {
		flt.Order = *f.order
	}
	return flt, nil
}

type orderedFactory struct {
	funcFactory
}

func (f *orderedFactory) Order() int { return *f.order }
