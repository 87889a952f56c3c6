// Package accessrule parses and evaluates client access rules of the form
// "[!]service:route".
package accessrule

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
)

// Rule is a parsed access rule. Rules are immutable after parsing.
type Rule struct {
	Service  string
	Route    string
	Deny     bool
	Original string
}

// ParseRule parses "[!]service:route". The input is split on the first ':'.
// It reports false for blank input, a missing separator, or a blank segment.
func ParseRule(s string) (*Rule, bool) {
	original := strings.TrimSpace(s)
	if original == "" {
		return nil, false
	}

	body := original
	deny := false
	if strings.HasPrefix(body, "!") {
		deny = true
		body = body[1:]
	}

	service, route, ok := strings.Cut(body, ":")
	if !ok {
		return nil, false
	}
	service = strings.TrimSpace(service)
	route = strings.TrimSpace(route)
	if service == "" || route == "" {
		return nil, false
	}

	return &Rule{
		Service:  service,
		Route:    route,
		Deny:     deny,
		Original: original,
	}, true
}

// ParseRules parses a list of rule strings, dropping malformed entries.
func ParseRules(in []string) []Rule {
	rules := make([]Rule, 0, len(in))
	for _, s := range in {
		r, ok := ParseRule(s)
		if !ok {
			logging.Warn("ignoring malformed access rule", zap.String("rule", s))
			continue
		}
		rules = append(rules, *r)
	}
	return rules
}

// Matches reports whether the rule's patterns match service and route.
func (r Rule) Matches(service, route string) bool {
	return matchSegment(r.Service, service) && matchSegment(r.Route, route)
}

// String returns the rule as originally written.
func (r Rule) String() string {
	return r.Original
}

// IsAllowed evaluates rules for (service, route). An empty rule set denies;
// a matching deny rule wins regardless of position; otherwise the first
// matching allow rule grants access.
func IsAllowed(rules []Rule, service, route string) bool {
	if len(rules) == 0 {
		return false
	}
	for _, r := range rules {
		if r.Deny && r.Matches(service, route) {
			return false
		}
	}
	for _, r := range rules {
		if !r.Deny && r.Matches(service, route) {
			return true
		}
	}
	return false
}

// matchSegment matches one pattern against a value. "*" alone matches
// everything; other wildcards follow doublestar semantics, where "*" stops at
// '/' and "**" spans segments.
func matchSegment(pattern, value string) bool {
	if pattern == value || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return false
	}
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		logging.Debug("invalid access rule pattern", zap.String("pattern", pattern), zap.Error(err))
		return false
	}
	return ok
}
