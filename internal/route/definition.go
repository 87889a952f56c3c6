// Package route builds the live route table from route definitions served
// by the registry or configured statically.
package route

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/filter"
)

// Definition is an externally sourced route.
type Definition struct {
	ID         string                `json:"id"`
	URI        string                `json:"uri"`
	Predicates []PredicateDefinition `json:"predicates"`
	Filters    []FilterDefinition    `json:"filters"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
	CacheKey   string                `json:"cacheKey,omitempty"`
	CacheTTL   time.Duration         `json:"-"`
	APIDocs    bool                  `json:"apiDocs,omitempty"`
	Order      int                   `json:"order,omitempty"`
}

type definitionJSON Definition

// UnmarshalJSON accepts cacheTtl as seconds or a duration string.
func (d *Definition) UnmarshalJSON(b []byte) error {
	var aux struct {
		*definitionJSON
		CacheTTL json.RawMessage `json:"cacheTtl"`
	}
	aux.definitionJSON = (*definitionJSON)(d)
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ttl, err := parseTTL(aux.CacheTTL)
	if err != nil {
		return fmt.Errorf("route %s: cacheTtl: %w", d.ID, err)
	}
	d.CacheTTL = ttl
	return nil
}

// MarshalJSON writes cacheTtl in seconds.
func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		definitionJSON
		CacheTTL int64 `json:"cacheTtl,omitempty"`
	}{definitionJSON(d), int64(d.CacheTTL / time.Second)})
}

func parseTTL(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// PredicateDefinition is a named predicate. The registry sends either the
// shorthand "Path=/a/**,/b" or {"name":"Path","args":{"_genkey_0":"/a/**"}}.
type PredicateDefinition struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// UnmarshalJSON accepts the shorthand string or the object form.
func (p *PredicateDefinition) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParsePredicate(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	type plain PredicateDefinition
	return json.Unmarshal(b, (*plain)(p))
}

// ParsePredicate parses "Name=v1,v2".
func ParsePredicate(s string) (PredicateDefinition, error) {
	name, rest, found := strings.Cut(strings.TrimSpace(s), "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return PredicateDefinition{}, fmt.Errorf("predicate %q has no name", s)
	}
	p := PredicateDefinition{Name: name, Args: map[string]any{}}
	if !found {
		return p, nil
	}
	for i, v := range splitArgs(rest) {
		p.Args[genKey(i)] = v
	}
	return p, nil
}

func genKey(i int) string { return "_genkey_" + strconv.Itoa(i) }

// splitArgs splits on commas outside braces so "{a,b}" globs survive.
func splitArgs(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	res := out[:0]
	for _, v := range out {
		if v = strings.TrimSpace(v); v != "" {
			res = append(res, v)
		}
	}
	return res
}

// Values returns the predicate arguments in positional order. Generated
// keys sort numerically; named keys follow in name order. List values are
// flattened.
func (p PredicateDefinition) Values() []string {
	keys := make([]string, 0, len(p.Args))
	for k := range p.Args {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, iGen := genIndex(keys[i])
		nj, jGen := genIndex(keys[j])
		switch {
		case iGen && jGen:
			return ni < nj
		case iGen != jGen:
			return iGen
		}
		return keys[i] < keys[j]
	})
	var out []string
	for _, k := range keys {
		switch v := p.Args[k].(type) {
		case []any:
			for _, e := range v {
				out = append(out, fmt.Sprint(e))
			}
		case []string:
			out = append(out, v...)
		case string:
			if strings.HasPrefix(k, "_genkey_") {
				out = append(out, v)
			} else {
				out = append(out, splitArgs(v)...)
			}
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

func genIndex(k string) (int, bool) {
	rest, ok := strings.CutPrefix(k, "_genkey_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// FilterDefinition names a filter with its arguments. The string form
// carries the name only.
type FilterDefinition struct {
	Name  string      `json:"name"`
	Args  filter.Args `json:"args,omitempty"`
	Order *int        `json:"order,omitempty"`
}

// UnmarshalJSON accepts "Name" or {"name","args","order"}.
func (f *FilterDefinition) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" || strings.Contains(s, "=") {
			return fmt.Errorf("filter %q: the string form takes a name only", s)
		}
		*f = FilterDefinition{Name: s}
		return nil
	}
	type plain FilterDefinition
	return json.Unmarshal(b, (*plain)(f))
}

// FromConfig converts a statically configured route.
func FromConfig(rc config.RouteConfig) (Definition, error) {
	def := Definition{
		ID:       rc.ID,
		URI:      rc.URI,
		Metadata: rc.Metadata,
		CacheKey: rc.CacheKey,
		CacheTTL: rc.CacheTTL,
		APIDocs:  rc.APIDocs,
		Order:    rc.Order,
	}
	for _, s := range rc.Predicates {
		p, err := ParsePredicate(s)
		if err != nil {
			return Definition{}, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		def.Predicates = append(def.Predicates, p)
	}
	for _, fc := range rc.Filters {
		def.Filters = append(def.Filters, FilterDefinition{
			Name:  fc.Name,
			Args:  filter.Args(fc.Args),
			Order: fc.Order,
		})
	}
	return def, nil
}
