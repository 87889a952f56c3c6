// Package clientaccess keeps the per-client access rules used by the
// ClientAccessFilter: a lock-free cache, the store that loads it from the
// registry, and the event/polling driven refresher.
package clientaccess

import (
	"errors"
	"strings"
	"time"

	"github.com/wudi/ignite/internal/accessrule"
	"github.com/wudi/ignite/internal/config"
)

// Source records where a client configuration came from.
type Source int

const (
	SourceDatabase Source = iota
	SourceYAML
)

func (s Source) String() string {
	if s == SourceYAML {
		return "YAML"
	}
	return "DATABASE"
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrClientNotFound is returned by a Fetcher for unknown client ids.
var ErrClientNotFound = errors.New("client not found")

// Config is the access configuration of one client. Values are immutable
// once stored in the cache.
type Config struct {
	ClientID    string            `json:"client_id"`
	Tenant      string            `json:"tenant,omitempty"`
	Active      bool              `json:"active"`
	Rules       []accessrule.Rule `json:"-"`
	LastUpdated time.Time         `json:"last_updated"`
	Source      Source            `json:"source"`
}

// IsAllowed evaluates the client's rules. Inactive clients are denied.
func (c *Config) IsAllowed(service, route string) bool {
	if c == nil || !c.Active {
		return false
	}
	return accessrule.IsAllowed(c.Rules, service, route)
}

// RuleStrings returns the rules in their original form.
func (c *Config) RuleStrings() []string {
	out := make([]string, len(c.Rules))
	for i, r := range c.Rules {
		out[i] = r.String()
	}
	return out
}

// Record is a client configuration as served by the registry.
type Record struct {
	ClientID  string   `json:"clientId"`
	Tenant    string   `json:"tenant"`
	Active    *bool    `json:"active"`
	Allow     []string `json:"allow"`
	Rules     []string `json:"rules"`
	UpdatedAt string   `json:"updatedAt"`
}

// Config converts the record. A missing active flag means active.
func (r Record) Config() *Config {
	c := &Config{
		ClientID:    strings.TrimSpace(r.ClientID),
		Tenant:      r.Tenant,
		Active:      r.Active == nil || *r.Active,
		Rules:       accessrule.ParseRules(append(append([]string(nil), r.Allow...), r.Rules...)),
		LastUpdated: time.Now().UTC(),
		Source:      SourceDatabase,
	}
	if r.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
			c.LastUpdated = t
		}
	}
	return c
}

// FromOverride converts a locally configured override.
func FromOverride(o config.ClientOverride) *Config {
	return &Config{
		ClientID:    strings.TrimSpace(o.ClientID),
		Tenant:      o.Tenant,
		Active:      o.IsActive(),
		Rules:       accessrule.ParseRules(o.Rules),
		LastUpdated: time.Now().UTC(),
		Source:      SourceYAML,
	}
}
