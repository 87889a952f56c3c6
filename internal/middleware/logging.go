package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

type routeLabelKey struct{}

// SetRouteLabel records the matched route id for the access log. It is a
// no-op when the access log middleware is not installed.
func SetRouteLabel(ctx context.Context, routeID string) {
	if p, ok := ctx.Value(routeLabelKey{}).(*string); ok {
		*p = routeID
	}
}

// AccessLog logs each request with zap and records request metrics.
func AccessLog(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := NewStatusRecorder(w)
			routeID := new(string)
			r = r.WithContext(context.WithValue(r.Context(), routeLabelKey{}, routeID))

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			metrics.RecordRequest(*routeID, r.Method, rec.Status, duration)

			logging.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.Status),
				zap.Int64("bytes", rec.Bytes),
				zap.Duration("duration", duration),
				zap.String("route_id", *routeID),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("correlation_id", w.Header().Get(CorrelationHeader)),
			)
		})
	}
}
