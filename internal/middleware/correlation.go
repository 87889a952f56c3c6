package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// CorrelationHeader is the header carrying the correlation id.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationConfig configures the correlation id middleware
type CorrelationConfig struct {
	// Header is the header name to use for the correlation id
	Header string
	// Generator generates a new id
	Generator func() string
	// TrustHeader keeps an incoming id instead of replacing it
	TrustHeader bool
}

// DefaultCorrelationConfig provides default correlation id settings
var DefaultCorrelationConfig = CorrelationConfig{
	Header:      CorrelationHeader,
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

type correlationIDKey struct{}

// Correlation creates a correlation id middleware with default config
func Correlation() Middleware {
	return CorrelationWithConfig(DefaultCorrelationConfig)
}

// CorrelationWithConfig creates a correlation id middleware with custom config
func CorrelationWithConfig(cfg CorrelationConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = CorrelationHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cfg.TrustHeader {
				id = r.Header.Get(cfg.Header)
			}
			if id == "" {
				id = cfg.Generator()
			}

			r.Header.Set(cfg.Header, id)
			w.Header().Set(cfg.Header, id)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CorrelationIDFromContext extracts the correlation id from context
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationID returns the correlation id for a request, falling back to
// the header when the middleware has not run.
func CorrelationID(r *http.Request) string {
	if id := CorrelationIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(CorrelationHeader)
}
