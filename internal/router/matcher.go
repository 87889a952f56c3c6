package router

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ValueMatch matches a header or query parameter. An empty Regex only
// requires the value to be present.
type ValueMatch struct {
	Name  string
	Regex string
}

// MatchSpec holds the non-path predicates of a route.
type MatchSpec struct {
	Methods []string
	Hosts   []string
	Headers []ValueMatch
	Queries []ValueMatch
}

// CompiledMatcher evaluates host, header, query and method criteria for a route.
type CompiledMatcher struct {
	domains []domainMatcher
	headers []valueMatcher
	queries []valueMatcher
	methods map[string]bool // nil = all methods allowed
}

type domainMatcher struct {
	exact    string // non-empty for exact match
	wildcard string // suffix like ".example.com" for *.example.com
}

type valueMatcher struct {
	name  string
	regex *regexp.Regexp // nil = presence only
}

// NewCompiledMatcher compiles spec. Header and query patterns must match the
// whole value.
func NewCompiledMatcher(spec MatchSpec) (*CompiledMatcher, error) {
	cm := &CompiledMatcher{}

	for _, d := range spec.Hosts {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, "*.") {
			cm.domains = append(cm.domains, domainMatcher{wildcard: d[1:]}) // ".example.com"
		} else {
			cm.domains = append(cm.domains, domainMatcher{exact: d})
		}
	}

	var err error
	if cm.headers, err = compileValues("header", spec.Headers); err != nil {
		return nil, err
	}
	if cm.queries, err = compileValues("query", spec.Queries); err != nil {
		return nil, err
	}

	if len(spec.Methods) > 0 {
		cm.methods = make(map[string]bool, len(spec.Methods))
		for _, m := range spec.Methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				cm.methods[m] = true
			}
		}
		if len(cm.methods) == 0 {
			cm.methods = nil
		}
	}

	return cm, nil
}

func compileValues(kind string, in []ValueMatch) ([]valueMatcher, error) {
	out := make([]valueMatcher, 0, len(in))
	for _, v := range in {
		if v.Name == "" {
			return nil, fmt.Errorf("%s predicate without name", kind)
		}
		vm := valueMatcher{name: v.Name}
		if v.Regex != "" {
			re, err := regexp.Compile("^(?:" + v.Regex + ")$")
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", kind, v.Name, err)
			}
			vm.regex = re
		}
		out = append(out, vm)
	}
	return out, nil
}

// Matches evaluates all criteria against the request.
func (cm *CompiledMatcher) Matches(r *http.Request) bool {
	if cm.methods != nil && !cm.methods[r.Method] {
		return false
	}

	// at least one domain must match
	if len(cm.domains) > 0 {
		host := r.Host
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
		matched := false
		for _, dm := range cm.domains {
			if dm.exact != "" && strings.EqualFold(host, dm.exact) {
				matched = true
				break
			}
			if dm.wildcard != "" && strings.HasSuffix(strings.ToLower(host), strings.ToLower(dm.wildcard)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, hm := range cm.headers {
		vals, has := r.Header[http.CanonicalHeaderKey(hm.name)]
		if !has {
			return false
		}
		if hm.regex != nil && (len(vals) == 0 || !hm.regex.MatchString(vals[0])) {
			return false
		}
	}

	if len(cm.queries) > 0 {
		query := r.URL.Query()
		for _, qm := range cm.queries {
			if !query.Has(qm.name) {
				return false
			}
			if qm.regex != nil && !qm.regex.MatchString(query.Get(qm.name)) {
				return false
			}
		}
	}

	return true
}

// Specificity returns a score for ordering routes. Higher = more specific.
func (cm *CompiledMatcher) Specificity() int {
	score := 0
	for _, dm := range cm.domains {
		if dm.exact != "" {
			score += 150
		} else {
			score += 100
		}
	}
	score += len(cm.headers) * 10
	score += len(cm.queries) * 10
	if cm.methods != nil {
		score += 5
	}
	return score
}
