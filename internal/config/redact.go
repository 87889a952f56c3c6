package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces secrets in redacted output.
const RedactedValue = "[REDACTED]"

// Redact returns a deep copy of cfg with every non-empty string field tagged
// `redact:"true"` replaced by RedactedValue.
func Redact(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	walkStructStrings(reflect.ValueOf(&cp).Elem(), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return &cp, nil
}
