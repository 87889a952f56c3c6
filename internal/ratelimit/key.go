package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/wudi/ignite/internal/auth"
)

// KeyFunc extracts the caller identity a limit is counted against.
type KeyFunc func(*http.Request) string

// BuildKeyFunc returns a key extraction function for spec:
//
//	ip               client IP
//	client_id        the client id header
//	header:<name>    a request header
//	claim:<name>     a verified JWT claim
//
// All strategies fall back to client IP when the value is absent.
func BuildKeyFunc(spec, clientIDHeader string) (KeyFunc, error) {
	if clientIDHeader == "" {
		clientIDHeader = "X-Client-ID"
	}
	switch {
	case spec == "" || spec == "ip":
		return ClientIP, nil
	case spec == "client_id":
		return headerKey("client:", clientIDHeader), nil
	case strings.HasPrefix(spec, "header:"):
		name := strings.TrimSpace(spec[len("header:"):])
		if name == "" {
			return nil, fmt.Errorf("rate limit key %q: missing header name", spec)
		}
		return headerKey("header:"+name+":", name), nil
	case strings.HasPrefix(spec, "claim:"):
		claim := strings.TrimSpace(spec[len("claim:"):])
		if claim == "" {
			return nil, fmt.Errorf("rate limit key %q: missing claim name", spec)
		}
		prefix := "claim:" + claim + ":"
		return func(r *http.Request) string {
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
				if v, ok := claims[claim]; ok && v != nil {
					if s := fmt.Sprint(v); s != "" {
						return prefix + s
					}
				}
			}
			return ClientIP(r)
		}, nil
	}
	return nil, fmt.Errorf("unknown rate limit key %q", spec)
}

func headerKey(prefix, name string) KeyFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			return prefix + v
		}
		return ClientIP(r)
	}
}

// ClientIP returns the first X-Forwarded-For address, X-Real-IP, or the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
