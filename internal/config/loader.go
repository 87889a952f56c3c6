package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Secrets returns the registry used to resolve ${scheme:ref} values.
func (l *Loader) Secrets() *SecretRegistry { return l.secrets }

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if cfg.ClientAccess.OverridesFile != "" {
		overrides, err := l.LoadOverrides(cfg.ClientAccess.OverridesFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAccess.Overrides = mergeOverrides(cfg.ClientAccess.Overrides, overrides)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// overridesFile is the document shape of a standalone client overrides file.
type overridesFile struct {
	Clients []ClientOverride `yaml:"clients"`
}

// LoadOverrides reads client access overrides from a standalone YAML file.
func (l *Loader) LoadOverrides(path string) ([]ClientOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}
	var doc overridesFile
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse overrides file %s: %w", path, err)
	}
	return doc.Clients, nil
}

// mergeOverrides appends file overrides to inline ones; a file entry replaces
// an inline entry with the same client id.
func mergeOverrides(inline, file []ClientOverride) []ClientOverride {
	idx := make(map[string]int, len(inline))
	out := make([]ClientOverride, 0, len(inline)+len(file))
	for _, o := range inline {
		idx[o.ClientID] = len(out)
		out = append(out, o)
	}
	for _, o := range file {
		if i, ok := idx[o.ClientID]; ok {
			out[i] = o
			continue
		}
		idx[o.ClientID] = len(out)
		out = append(out, o)
	}
	return out
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == cfg.Listen.Address {
		return fmt.Errorf("admin.address must differ from listen.address")
	}

	if cfg.Routing.Dynamic {
		if cfg.Registry.BaseURL == "" {
			return fmt.Errorf("registry.base_url is required when dynamic routing is enabled")
		}
		if _, err := url.Parse(cfg.Registry.BaseURL); err != nil {
			return fmt.Errorf("registry.base_url: %w", err)
		}
	}
	if cfg.Registry.Retry.MaxRetries < 0 {
		return fmt.Errorf("registry.retry.max_retries must be >= 0")
	}
	if cfg.Registry.Retry.Multiplier != 0 && cfg.Registry.Retry.Multiplier < 1 {
		return fmt.Errorf("registry.retry.multiplier must be >= 1")
	}

	switch cfg.Routing.CacheType {
	case "local":
	case "redis":
		if !cfg.Redis.Enabled {
			return fmt.Errorf("routing.cache_type redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("routing.cache_type must be local or redis, got %q", cfg.Routing.CacheType)
	}

	if err := l.validateRoutes(cfg.Routing.Routes); err != nil {
		return err
	}
	if err := l.validateKeySources(cfg.JWT.Sources); err != nil {
		return err
	}

	ca := cfg.ClientAccess
	if ca.Enabled {
		if ca.Mode != "event" && ca.Mode != "polling" {
			return fmt.Errorf("client_access.mode must be event or polling, got %q", ca.Mode)
		}
		if ca.PollingInterval <= 0 {
			return fmt.Errorf("client_access.polling_interval must be > 0")
		}
		if ca.DedupTTL <= 0 {
			return fmt.Errorf("client_access.dedup_ttl must be > 0")
		}
	}
	seen := make(map[string]bool, len(ca.Overrides))
	for i, o := range ca.Overrides {
		if strings.TrimSpace(o.ClientID) == "" {
			return fmt.Errorf("client_access.overrides[%d]: client_id is required", i)
		}
		if seen[o.ClientID] {
			return fmt.Errorf("client_access.overrides: duplicate client_id %s", o.ClientID)
		}
		seen[o.ClientID] = true
	}

	switch cfg.Events.Broadcast {
	case "", "redis":
	case "amqp":
		if cfg.Events.AMQP.URL == "" {
			return fmt.Errorf("events.amqp.url is required for amqp broadcast")
		}
	default:
		return fmt.Errorf("events.broadcast must be redis or amqp, got %q", cfg.Events.Broadcast)
	}
	if cfg.Events.DebounceDelay < 0 {
		return fmt.Errorf("events.debounce_delay must be >= 0")
	}

	if cfg.RateLimit.Rate < 0 || cfg.RateLimit.Period < 0 {
		return fmt.Errorf("rate_limit: rate and period must be >= 0")
	}
	if cfg.RateLimit.Backend == "redis" && !cfg.Redis.Enabled {
		return fmt.Errorf("rate_limit.backend redis requires redis.enabled")
	}

	for name, targets := range cfg.Backends {
		for _, target := range strings.Split(targets, ",") {
			target = strings.TrimSpace(target)
			u, err := url.Parse(target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("backends.%s: invalid URL %q", name, target)
			}
		}
	}

	switch cfg.Discovery.Type {
	case "", "static", "consul":
	case "etcd":
		if len(cfg.Discovery.Etcd.Endpoints) == 0 {
			return fmt.Errorf("discovery.etcd.endpoints is required for etcd discovery")
		}
	default:
		return fmt.Errorf("discovery.type must be static, consul or etcd, got %q", cfg.Discovery.Type)
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func (l *Loader) validateRoutes(routes []RouteConfig) error {
	ids := make(map[string]bool, len(routes))
	for i, r := range routes {
		if r.ID == "" {
			return fmt.Errorf("routing.routes[%d]: id is required", i)
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate route id: %s", r.ID)
		}
		ids[r.ID] = true
		if r.URI == "" {
			return fmt.Errorf("route %s: uri is required", r.ID)
		}
		for j, f := range r.Filters {
			if f.Name == "" {
				return fmt.Errorf("route %s: filters[%d]: name is required", r.ID, j)
			}
		}
	}
	return nil
}

func (l *Loader) validateKeySources(sources []KeySourceConfig) error {
	ids := make(map[string]bool, len(sources))
	for i, s := range sources {
		if s.ID == "" {
			return fmt.Errorf("jwt.sources[%d]: id is required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("jwt.sources: duplicate id %s", s.ID)
		}
		ids[s.ID] = true
		if s.Location == "" {
			return fmt.Errorf("jwt.sources %s: location is required", s.ID)
		}
		switch strings.ToLower(s.Type) {
		case "pem":
		case "jwks":
			if s.RefreshInterval < 0 {
				return fmt.Errorf("jwt.sources %s: refresh_interval must be >= 0", s.ID)
			}
		default:
			return fmt.Errorf("jwt.sources %s: type must be pem or jwks, got %q", s.ID, s.Type)
		}
	}
	return nil
}

// ValidateFilterOverrides checks that every filter override and default filter
// names a registered filter. An unknown target is a configuration error that
// must prevent startup.
func ValidateFilterOverrides(cfg *Config, registered func(name string) bool) error {
	for from, to := range cfg.Routing.FilterOverrides {
		if !registered(to) {
			return fmt.Errorf("routing.filter_overrides: %s maps to unregistered filter %s", from, to)
		}
	}
	for _, name := range cfg.Routing.DefaultFilters {
		if !registered(name) {
			return fmt.Errorf("routing.default_filters: unregistered filter %s", name)
		}
	}
	return nil
}
