package cache

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/wudi/ignite/internal/filter"
)

// KeyTemplate is a compiled cache key template such as
// "{routeId}:{accountId}:{path}". Placeholders:
//
//	{routeId} {path} {query} {method}   request and route values
//	{header.Name}                        request header
//	{meta.key}                           route metadata
//	{anythingElse}                       request header of that name, tried
//	                                     as given, kebab-case and X-kebab-case
type KeyTemplate struct {
	raw   string
	parts []keyPart
}

type keyPart struct {
	literal string
	resolve func(r *http.Request, route filter.RouteInfo) string
}

// ParseKeyTemplate compiles tmpl. Unbalanced braces are an error.
func ParseKeyTemplate(tmpl string) (*KeyTemplate, error) {
	t := &KeyTemplate{raw: tmpl}
	rest := tmpl
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, fmt.Errorf("cache key %q: unexpected '}'", tmpl)
			}
			t.parts = append(t.parts, keyPart{literal: rest})
			break
		}
		if open > 0 {
			lit := rest[:open]
			if strings.IndexByte(lit, '}') >= 0 {
				return nil, fmt.Errorf("cache key %q: unexpected '}'", tmpl)
			}
			t.parts = append(t.parts, keyPart{literal: lit})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("cache key %q: unclosed '{'", tmpl)
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		if name == "" || strings.ContainsRune(name, '{') {
			return nil, fmt.Errorf("cache key %q: bad placeholder", tmpl)
		}
		t.parts = append(t.parts, keyPart{resolve: placeholder(name)})
		rest = rest[open+end+1:]
	}
	return t, nil
}

func (t *KeyTemplate) String() string { return t.raw }

// Expand resolves the template against r. Missing values expand to "".
func (t *KeyTemplate) Expand(r *http.Request, route filter.RouteInfo) string {
	var b strings.Builder
	for _, p := range t.parts {
		if p.resolve == nil {
			b.WriteString(p.literal)
			continue
		}
		b.WriteString(p.resolve(r, route))
	}
	return b.String()
}

// Key returns the store key for r: the route id followed by a hash of the
// expanded template, so every entry of a route shares one prefix.
func (t *KeyTemplate) Key(r *http.Request, route filter.RouteInfo) string {
	return route.ID + ":" + strconv.FormatUint(xxhash.Sum64String(t.Expand(r, route)), 16)
}

func placeholder(name string) func(*http.Request, filter.RouteInfo) string {
	switch name {
	case "routeId":
		return func(_ *http.Request, route filter.RouteInfo) string { return route.ID }
	case "path":
		return func(r *http.Request, _ filter.RouteInfo) string { return r.URL.Path }
	case "query":
		return func(r *http.Request, _ filter.RouteInfo) string { return r.URL.RawQuery }
	case "method":
		return func(r *http.Request, _ filter.RouteInfo) string { return r.Method }
	}
	if h, ok := strings.CutPrefix(name, "header."); ok {
		return func(r *http.Request, _ filter.RouteInfo) string { return r.Header.Get(h) }
	}
	if k, ok := strings.CutPrefix(name, "meta."); ok {
		return func(_ *http.Request, route filter.RouteInfo) string { return route.Meta(k) }
	}

	candidates := []string{name}
	if kebab := toKebab(name); kebab != name {
		candidates = append(candidates, kebab)
	}
	candidates = append(candidates, "X-"+toKebab(name))
	return func(r *http.Request, _ filter.RouteInfo) string {
		for _, h := range candidates {
			if v := r.Header.Get(h); v != "" {
				return v
			}
		}
		return ""
	}
}

// toKebab turns accountId into account-id.
func toKebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
