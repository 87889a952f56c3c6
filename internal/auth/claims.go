package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// claimString renders a claim value for a header. Lists are joined with
// commas; objects are JSON encoded.
func claimString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, claimString(e))
		}
		return strings.Join(parts, ",")
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// lookupClaim resolves a claim by name, following dots into nested objects
// when the flat name is absent.
func lookupClaim(claims map[string]any, name string) (any, bool) {
	if v, ok := claims[name]; ok {
		return v, v != nil
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = claims
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// tokenScopes reads the scope claim ("scope", falling back to "scp"). It may
// be a space or comma delimited string or a list.
func tokenScopes(claims map[string]any) []string {
	v, ok := claims["scope"]
	if !ok || v == nil {
		v = claims["scp"]
	}
	var raw []string
	switch t := v.(type) {
	case string:
		raw = splitScopes(t)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				raw = append(raw, splitScopes(s)...)
			}
		}
	case []string:
		for _, s := range t {
			raw = append(raw, splitScopes(s)...)
		}
	}
	return raw
}

func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
}

// scopeMatcher checks token scopes against a route's required scopes after
// stripping provider prefixes.
type scopeMatcher struct {
	prefixes []string // longest first
}

func newScopeMatcher(prefixes []string) scopeMatcher {
	p := make([]string, 0, len(prefixes))
	for _, s := range prefixes {
		if s != "" {
			p = append(p, s)
		}
	}
	sort.SliceStable(p, func(i, j int) bool { return len(p[i]) > len(p[j]) })
	return scopeMatcher{prefixes: p}
}

func (m scopeMatcher) strip(scope string) string {
	for _, p := range m.prefixes {
		if strings.HasPrefix(scope, p) {
			return scope[len(p):]
		}
	}
	return scope
}

// allowed reports whether any token scope, once stripped, is required.
// An empty requirement allows everything.
func (m scopeMatcher) allowed(required map[string]struct{}, token []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, s := range token {
		if _, ok := required[m.strip(s)]; ok {
			return true
		}
	}
	return false
}

// parseRequiredScopes parses a comma separated route scope.
func parseRequiredScopes(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}
