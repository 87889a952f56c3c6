package filter

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wudi/ignite/internal/middleware"
)

// RegisterBuiltins adds the filters that need no external collaborators.
func RegisterBuiltins(r *Registry) error {
	return r.Register(
		NewOrderedFactory("CorrelationId", OrderCorrelation, correlationFilter),
		NewFactory("AddRequestHeader", addRequestHeader),
		NewFactory("RemoveRequestHeader", removeRequestHeader),
		NewFactory("AddResponseHeader", addResponseHeader),
		NewFactory("RemoveResponseHeader", removeResponseHeader),
		NewFactory("StripPrefix", stripPrefix),
	)
}

func correlationFilter(args Args, _ RouteInfo) (middleware.Middleware, error) {
	cfg := middleware.DefaultCorrelationConfig
	cfg.Header = args.StringOr("header", middleware.CorrelationHeader)
	return middleware.CorrelationWithConfig(cfg), nil
}

func headerArgs(args Args) (string, string, error) {
	name := args.StringOr("name", "")
	if name == "" {
		return "", "", fmt.Errorf("name is required")
	}
	return http.CanonicalHeaderKey(name), args.String("value"), nil
}

func addRequestHeader(args Args, _ RouteInfo) (middleware.Middleware, error) {
	name, value, err := headerArgs(args)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Add(name, value)
			next.ServeHTTP(w, r)
		})
	}, nil
}

func removeRequestHeader(args Args, _ RouteInfo) (middleware.Middleware, error) {
	name, _, err := headerArgs(args)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(name)
			next.ServeHTTP(w, r)
		})
	}, nil
}

func addResponseHeader(args Args, _ RouteInfo) (middleware.Middleware, error) {
	name, value, err := headerArgs(args)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add(name, value)
			next.ServeHTTP(w, r)
		})
	}, nil
}

// removeResponseHeader drops the header just before the status line is
// written, so headers set by downstream handlers are removed too.
func removeResponseHeader(args Args, _ RouteInfo) (middleware.Middleware, error) {
	name, _, err := headerArgs(args)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&headerStripper{ResponseWriter: w, name: name}, r)
		})
	}, nil
}

type headerStripper struct {
	http.ResponseWriter
	name        string
	wroteHeader bool
}

func (h *headerStripper) WriteHeader(code int) {
	if !h.wroteHeader {
		h.wroteHeader = true
		h.ResponseWriter.Header().Del(h.name)
	}
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerStripper) Write(b []byte) (int, error) {
	if !h.wroteHeader {
		h.WriteHeader(http.StatusOK)
	}
	return h.ResponseWriter.Write(b)
}

func (h *headerStripper) Unwrap() http.ResponseWriter {
	return h.ResponseWriter
}

// stripPrefix removes the first N path segments before forwarding.
func stripPrefix(args Args, _ RouteInfo) (middleware.Middleware, error) {
	parts, err := args.Int("parts", 1)
	if err != nil {
		return nil, err
	}
	if parts < 0 {
		return nil, fmt.Errorf("parts must be >= 0")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r2 := r.Clone(r.Context())
			r2.URL.Path = StripSegments(r.URL.Path, parts)
			r2.URL.RawPath = ""
			next.ServeHTTP(w, r2)
		})
	}, nil
}

// StripSegments removes the first n segments from path.
func StripSegments(path string, n int) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n >= len(segs) {
		return "/"
	}
	return "/" + strings.Join(segs[n:], "/")
}
