// Package ratelimit implements the RateLimit route filter with an
// in-process token bucket or a Redis sliding window shared by all gateway
// instances.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// FilterName is the registered name of the rate limit filter.
const FilterName = "RateLimit"

// Factory creates RateLimit filters. The local limiter is shared by every
// route so buckets survive route table rebuilds.
type Factory struct {
	local          *Local
	redis          *Redis
	defaults       config.RateLimitConfig
	clientIDHeader string
}

// NewFactory creates the factory. client may be nil, in which case routes
// asking for the redis backend fall back to the local limiter.
func NewFactory(defaults config.RateLimitConfig, client *redis.Client, clientIDHeader string) *Factory {
	f := &Factory{local: NewLocal(), defaults: defaults, clientIDHeader: clientIDHeader}
	if client != nil {
		f.redis = NewRedis(client, "ignite:rl:")
	}
	return f
}

func (f *Factory) Name() string { return FilterName }

func (f *Factory) Order() int { return filter.OrderRateLimit }

// Local returns the shared local limiter.
func (f *Factory) Local() *Local { return f.local }

// Create reads the route arguments rate, period, burst, key and backend
// (local|redis); unset arguments use the gateway defaults.
func (f *Factory) Create(args filter.Args, route filter.RouteInfo) (filter.Filter, error) {
	rateN, err := args.Int("rate", f.defaults.Rate)
	if err != nil {
		return filter.Filter{}, err
	}
	period, err := args.Duration("period", f.defaults.Period)
	if err != nil {
		return filter.Filter{}, err
	}
	burst, err := args.Int("burst", f.defaults.Burst)
	if err != nil {
		return filter.Filter{}, err
	}
	if rateN <= 0 {
		return filter.Filter{}, fmt.Errorf("rate must be > 0")
	}
	keyFn, err := BuildKeyFunc(args.StringOr("key", f.defaults.Key), f.clientIDHeader)
	if err != nil {
		return filter.Filter{}, err
	}

	backend := args.StringOr("backend", f.defaults.Backend)
	switch backend {
	case "", "local", "redis":
	default:
		return filter.Filter{}, fmt.Errorf("unknown rate limit backend %q", backend)
	}
	if backend == "redis" && f.redis == nil {
		logging.Warn("Redis rate limiting requested without redis, using local limiter",
			zap.String("route", route.ID),
		)
		backend = "local"
	}

	l := &routeLimiter{
		factory: f,
		routeID: route.ID,
		policy:  Policy{Rate: rateN, Period: period, Burst: burst}.normalize(),
		keyFn:   keyFn,
		redis:   backend == "redis",
	}
	return filter.Filter{Name: FilterName, Order: filter.OrderRateLimit, Middleware: l.middleware}, nil
}

type routeLimiter struct {
	factory *Factory
	routeID string
	policy  Policy
	keyFn   KeyFunc
	redis   bool
}

func (l *routeLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.routeID + "|" + l.keyFn(r)

		var d Decision
		if l.redis {
			var err error
			d, err = l.factory.redis.Allow(r.Context(), key, l.policy)
			if err != nil {
				// Fail open: if Redis is unreachable, allow the request
				logging.Warn("Redis rate limit unavailable, failing open",
					zap.String("route", l.routeID),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
		} else {
			d = l.factory.local.Allow(key, l.policy)
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			retryAfter := int(time.Until(d.Reset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			metrics.RateLimited.WithLabelValues(l.routeID).Inc()
			errors.ErrTooManyRequests.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
