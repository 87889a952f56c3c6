package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Args are the raw arguments of a filter definition. Values come from JSON
// (registry) or YAML (static config), so numbers may arrive as float64,
// int, int64, uint64 or strings.
type Args map[string]any

// Has reports whether key is set.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns key as a string, or "" when unset.
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// StringOr returns key as a string, or def when unset or blank.
func (a Args) StringOr(key, def string) string {
	if s := strings.TrimSpace(a.String(key)); s != "" {
		return s
	}
	return def
}

// Int returns key as an int.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if float64(int(n)) != n {
			return 0, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s: %v is not an integer", key, v)
}

// Bool returns key as a bool.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		return p, nil
	}
	return false, fmt.Errorf("%s: %v is not a bool", key, v)
}

// Duration returns key as a duration. Numbers are seconds.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	var d time.Duration
	switch t := v.(type) {
	case time.Duration:
		d = t
	case string:
		var err error
		d, err = time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
	default:
		n, err := a.Int(key, 0)
		if err != nil {
			return 0, err
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration %v is negative", key, v)
	}
	return d, nil
}

// StringSlice returns key as a list. A string value is split on commas.
func (a Args) StringSlice(key string) []string {
	v, ok := a[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
	case string:
		out = strings.Split(t, ",")
	default:
		out = []string{fmt.Sprint(t)}
	}
	res := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			res = append(res, s)
		}
	}
	return res
}

// Map returns key as a string map. It accepts a nested object, a JSON
// object encoded as a string, or "k1=v1,k2=v2".
func (a Args) Map(key string) (map[string]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
	case map[string]any:
		for k, val := range t {
			out[k] = fmt.Sprint(val)
		}
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "{") {
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			return out, nil
		}
		for _, pair := range strings.Split(s, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, val, found := strings.Cut(pair, "=")
			if !found {
				return nil, fmt.Errorf("%s: %q is not key=value", key, pair)
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	default:
		return nil, fmt.Errorf("%s: %T is not a map", key, v)
	}
	return out, nil
}

// Object returns key as a nested object. JSON-encoded strings are decoded.
func (a Args) Object(key string) (map[string]any, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: %T is not an object", key, v)
}
