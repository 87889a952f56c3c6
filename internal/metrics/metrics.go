// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ignite"

var (
	// RequestsTotal counts proxied requests by route, method and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency per route.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// ResponseCacheHits counts cache filter hits per route.
	ResponseCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "response_cache",
			Name:      "hits_total",
			Help:      "Response cache hits by route",
		},
		[]string{"route"},
	)

	// ResponseCacheMisses counts cache filter misses per route.
	ResponseCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "response_cache",
			Name:      "misses_total",
			Help:      "Response cache misses by route",
		},
		[]string{"route"},
	)

	// ClientAccessLookups counts client access cache lookups by result (hit|miss).
	ClientAccessLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client_access",
			Name:      "lookups_total",
			Help:      "Client access cache lookups by result",
		},
		[]string{"result"},
	)

	// ClientAccessEntries is the number of clients currently cached.
	ClientAccessEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client_access",
			Name:      "entries",
			Help:      "Number of client access configurations cached",
		},
	)

	// ClientAccessReloads counts reloads by kind (full|targeted) and result.
	ClientAccessReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client_access",
			Name:      "reloads_total",
			Help:      "Client access reloads by kind and result",
		},
		[]string{"kind", "result"},
	)

	// RefreshMode is 1 for the active refresh mode and 0 for the other.
	RefreshMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client_access",
			Name:      "refresh_mode",
			Help:      "Active client access refresh mode (1 = active)",
		},
		[]string{"mode"},
	)

	// RouteReloads counts route table rebuilds by result.
	RouteReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "reloads_total",
			Help:      "Route table rebuilds by result",
		},
		[]string{"result"},
	)

	// RoutesActive is the number of routes in the live table.
	RoutesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "active",
			Help:      "Number of routes in the live route table",
		},
	)

	// RoutesDropped counts route definitions rejected during a build, by reason.
	RoutesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "dropped_total",
			Help:      "Route definitions dropped during build by reason",
		},
		[]string{"reason"},
	)

	// KeyRefreshes counts public key source refreshes by source and result.
	KeyRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "refreshes_total",
			Help:      "Public key source refreshes by source and result",
		},
		[]string{"source", "result"},
	)

	// KeysCached is the number of public keys cached.
	KeysCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "cached",
			Help:      "Number of public keys cached",
		},
	)

	// AuthRejections counts rejected requests by filter and reason.
	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rejections_total",
			Help:      "Requests rejected by authentication or authorization filters",
		},
		[]string{"filter", "reason"},
	)

	// EventsPublished counts published change events by type and result.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Change events published by type and result",
		},
		[]string{"type", "result"},
	)

	// EventsReceived counts received change events by type and outcome
	// (handled|duplicate|malformed).
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Change events received by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// RateLimited counts requests rejected by the rate limit filter.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by rate limiting",
		},
		[]string{"route"},
	)

	// ValidationFailures counts requests rejected by validation filters.
	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "failures_total",
			Help:      "Requests failing schema or OpenAPI validation",
		},
		[]string{"route", "kind"},
	)

	// BreakerState is the circuit breaker state per backend (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per backend",
		},
		[]string{"backend"},
	)

	// PanicsRecovered counts handler panics turned into 500 responses.
	PanicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Handler panics recovered by the gateway",
		},
	)
)

// RecordRequest records a completed request.
func RecordRequest(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordCacheHit records a response cache hit
func RecordCacheHit(route string) { ResponseCacheHits.WithLabelValues(route).Inc() }

// RecordCacheMiss records a response cache miss
func RecordCacheMiss(route string) { ResponseCacheMisses.WithLabelValues(route).Inc() }

// RecordClientLookup records a client access cache lookup.
func RecordClientLookup(hit bool) {
	if hit {
		ClientAccessLookups.WithLabelValues("hit").Inc()
		return
	}
	ClientAccessLookups.WithLabelValues("miss").Inc()
}

// SetRefreshMode flips the refresh mode gauge.
func SetRefreshMode(mode string) {
	for _, m := range []string{"event", "polling"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		RefreshMode.WithLabelValues(m).Set(v)
	}
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
