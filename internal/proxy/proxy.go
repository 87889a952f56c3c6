// Package proxy forwards matched requests to route backends: plain http(s)
// URIs or lb:// service names resolved through discovery.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/middleware"
	"github.com/wudi/ignite/internal/tracing"
	"go.uber.org/zap"
)

// Resolver resolves an lb:// service name to the base URL of one instance.
type Resolver interface {
	Resolve(ctx context.Context, service string) (*url.URL, error)
}

// Config holds proxy configuration
type Config struct {
	Transport      http.RoundTripper
	Resolver       Resolver
	DefaultTimeout time.Duration
	Breaker        config.BreakerConfig
}

// Proxy builds backend handlers for routes.
type Proxy struct {
	transport      http.RoundTripper
	resolver       Resolver
	defaultTimeout time.Duration
	breakers       *breakers
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = defaultTransport()
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		transport:      transport,
		resolver:       cfg.Resolver,
		defaultTimeout: timeout,
		breakers:       newBreakers(cfg.Breaker),
	}
}

// BreakerStates reports the circuit breaker state of every backend seen so far.
func (p *Proxy) BreakerStates() map[string]string {
	return p.breakers.states()
}

type targetKey struct{}

// Handler returns the handler forwarding route's requests. The route
// metadata "timeout" overrides the default backend timeout.
func (p *Proxy) Handler(route filter.RouteInfo) (http.Handler, error) {
	u, err := url.Parse(route.URI)
	if err != nil {
		return nil, fmt.Errorf("route %s: invalid uri: %w", route.ID, err)
	}

	var (
		static  *url.URL
		service string
		backend string
	)
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("route %s: uri %q has no host", route.ID, route.URI)
		}
		static = u
		backend = u.Host
	case "lb":
		if p.resolver == nil {
			return nil, fmt.Errorf("route %s: lb:// uri without service discovery", route.ID)
		}
		service = u.Host
		backend = service
	default:
		return nil, fmt.Errorf("route %s: unsupported uri scheme %q", route.ID, u.Scheme)
	}

	timeout, err := filter.Args(route.Metadata).Duration("timeout", p.defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", route.ID, err)
	}

	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(pr.In.Context().Value(targetKey{}).(*url.URL))
			pr.SetXForwarded()
			tracing.InjectHeaders(pr.In, pr.Out)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			handleError(w, r, route.ID, backend, err)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only create a deadline if an outer one is not already set.
		ctx := r.Context()
		if _, ok := ctx.Deadline(); !ok && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		target := static
		if service != "" {
			base, err := p.resolver.Resolve(ctx, service)
			if err != nil {
				logging.Warn("Backend resolution failed",
					zap.String("route", route.ID),
					zap.String("service", service),
					zap.Error(err),
				)
				errors.ErrServiceUnavailable.WithDetails("No instance available for " + service).WriteJSON(w)
				return
			}
			resolved := *base
			resolved.Path = singleJoiningSlash(base.Path, u.Path)
			resolved.RawQuery = u.RawQuery
			target = &resolved
		}

		var done func(bool)
		if cb := p.breakers.get(backend); cb != nil {
			d, err := cb.Allow()
			if err != nil {
				errors.ErrServiceUnavailable.WithDetails("Circuit breaker open for " + backend).WriteJSON(w)
				return
			}
			done = d
		}

		rec := middleware.NewStatusRecorder(w)
		rp.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, targetKey{}, target)))
		if done != nil {
			done(rec.Status < http.StatusInternalServerError)
		}
	}), nil
}

// handleError handles proxy errors
func handleError(w http.ResponseWriter, r *http.Request, routeID, backend string, err error) {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(r.Context().Err(), context.DeadlineExceeded) {
		logging.Warn("Backend timeout",
			zap.String("route", routeID),
			zap.String("backend", backend),
		)
		errors.ErrGatewayTimeout.WriteJSON(w)
		return
	}
	logging.Warn("Backend request failed",
		zap.String("route", routeID),
		zap.String("backend", backend),
		zap.Error(err),
	)
	errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	if b == "" {
		return a
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
