package config

import "time"

// Config represents the complete gateway configuration
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Admin        AdminConfig        `yaml:"admin"`
	Logging      LoggingConfig      `yaml:"logging"`
	Redis        RedisConfig        `yaml:"redis"`
	Registry     RegistryConfig     `yaml:"registry"`
	Routing      RoutingConfig      `yaml:"routing"`
	JWT          JWTConfig          `yaml:"jwt"`
	ClientAccess ClientAccessConfig `yaml:"client_access"`
	Events       EventsConfig       `yaml:"events"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Cache        CacheConfig        `yaml:"cache"`
	Backends     map[string]string  `yaml:"backends"` // lb://name -> base URL(s), comma separated
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
}

// ListenConfig defines the public HTTP listener
type ListenConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// AdminConfig defines the admin API listener
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// ReadinessMinRoutes is the number of live routes required before /ready reports ok.
	ReadinessMinRoutes int `yaml:"readiness_min_routes"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RedisConfig defines the shared Redis connection used for pub/sub, the
// shared response cache and distributed rate limiting.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

// RegistryConfig defines how the registry service is reached
type RegistryConfig struct {
	BaseURL   string        `yaml:"base_url"`
	RoutePath string        `yaml:"route_path"`
	UserID    string        `yaml:"user_id"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

// RetryConfig defines bounded exponential backoff for registry calls
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// RoutingConfig controls dynamic route construction
type RoutingConfig struct {
	Dynamic         bool          `yaml:"dynamic"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// FilterOverrides maps a filter name used in route definitions to the
	// name of the registered filter that should serve it.
	FilterOverrides map[string]string `yaml:"filter_overrides"`
	DefaultFilters  []string          `yaml:"default_filters"`
	CacheType       string            `yaml:"cache_type"` // local | redis
	BackendTimeout  time.Duration     `yaml:"backend_timeout"`
	CircuitBreaker  BreakerConfig     `yaml:"circuit_breaker"`
	Transport       TransportConfig   `yaml:"transport"`
	// Routes are static definitions used when dynamic routing is disabled.
	Routes []RouteConfig `yaml:"routes"`
}

// TransportConfig tunes the pooled HTTP transport shared by all backends.
type TransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
	CAFile              string        `yaml:"ca_file"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	DisableHTTP2        bool          `yaml:"disable_http2"`
}

// RouteConfig is a static route definition in the same shape the registry serves.
type RouteConfig struct {
	ID         string         `yaml:"id"`
	URI        string         `yaml:"uri"`
	Predicates []string       `yaml:"predicates"`
	Filters    []FilterConfig `yaml:"filters"`
	Metadata   map[string]any `yaml:"metadata"`
	CacheKey   string         `yaml:"cache_key"`
	CacheTTL   time.Duration  `yaml:"cache_ttl"`
	APIDocs    bool           `yaml:"api_docs"`
	Order      int            `yaml:"order"`
}

// FilterConfig is a named filter with arguments
type FilterConfig struct {
	Name  string         `yaml:"name"`
	Args  map[string]any `yaml:"args"`
	Order *int           `yaml:"order"`
}

// BreakerConfig configures the backend circuit breaker
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
}

// JWTConfig configures token verification
type JWTConfig struct {
	ScopePrefixes  []string                   `yaml:"scope_prefixes"`
	HeaderMappings map[string]string          `yaml:"header_mappings"` // claim -> header
	Validations    map[string]ClaimValidation `yaml:"validations"`
	Sources        []KeySourceConfig          `yaml:"sources"`
	Leeway         time.Duration              `yaml:"leeway"`
}

// ClaimValidation is a per-claim header validation rule
type ClaimValidation struct {
	Header   string `yaml:"header"`
	Required bool   `yaml:"required"`
	Regex    string `yaml:"regex"`
}

// KeySourceConfig describes one public key source
type KeySourceConfig struct {
	ID                string        `yaml:"id"`
	Type              string        `yaml:"type"` // pem | jwks
	Location          string        `yaml:"location"`
	Issuer            string        `yaml:"issuer"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	UseProviderPrefix bool          `yaml:"use_provider_prefix"`
	Kid               string        `yaml:"kid"`
}

// ClientAccessConfig configures client access control
type ClientAccessConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Channel         string           `yaml:"channel"`
	Mode            string           `yaml:"mode"` // event | polling
	PollingInterval time.Duration    `yaml:"polling_interval"`
	DedupTTL        time.Duration    `yaml:"dedup_ttl"`
	ClientIDHeader  string           `yaml:"client_id_header"`
	ClientIDClaim   string           `yaml:"client_id_claim"`
	RefreshWorkers  int              `yaml:"refresh_workers"`
	OverridesFile   string           `yaml:"overrides_file"`
	Overrides       []ClientOverride `yaml:"overrides"`
}

// ClientOverride is a locally configured client that wins over the registry.
type ClientOverride struct {
	ClientID string   `yaml:"client_id"`
	Tenant   string   `yaml:"tenant"`
	Active   *bool    `yaml:"active"`
	Rules    []string `yaml:"rules"`
}

// IsActive reports the override's active flag, defaulting to true.
func (o ClientOverride) IsActive() bool {
	return o.Active == nil || *o.Active
}

// EventsConfig configures route change events
type EventsConfig struct {
	Channel          string        `yaml:"channel"`
	BroadcastChannel string        `yaml:"broadcast_channel"`
	DebounceDelay    time.Duration `yaml:"debounce_delay"`
	// Broadcast selects where consolidated change events are published:
	// "redis" (default, BroadcastChannel) or "amqp".
	Broadcast string     `yaml:"broadcast"`
	AMQP      AMQPConfig `yaml:"amqp"`
}

// AMQPConfig configures the AMQP broadcast publisher.
type AMQPConfig struct {
	URL        string `yaml:"url" redact:"true"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// RateLimitConfig holds rate limit defaults used when a route's filter
// does not set them.
type RateLimitConfig struct {
	Rate    int           `yaml:"rate"`
	Period  time.Duration `yaml:"period"`
	Burst   int           `yaml:"burst"`
	Key     string        `yaml:"key"` // ip | client_id | header:<name>
	Backend string        `yaml:"backend"`
}

// CacheConfig holds response cache defaults
type CacheConfig struct {
	MaxEntries  int           `yaml:"max_entries"`
	TTL         time.Duration `yaml:"ttl"`
	MaxBodySize int64         `yaml:"max_body_size"`
	RedisPrefix string        `yaml:"redis_prefix"`
}

// DiscoveryConfig selects how lb:// service names are resolved
type DiscoveryConfig struct {
	Type     string        `yaml:"type"` // static | consul | etcd
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Consul   ConsulConfig  `yaml:"consul"`
	Etcd     EtcdConfig    `yaml:"etcd"`
}

// ConsulConfig defines Consul connection settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token" redact:"true"`
	Tag        string `yaml:"tag"`
}

// EtcdConfig defines etcd connection settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password" redact:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// ShutdownConfig controls graceful shutdown
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Registry: RegistryConfig{
			BaseURL:   "http://localhost:8090",
			RoutePath: "/routes",
			UserID:    "gateway",
			Timeout:   10 * time.Second,
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				Multiplier:     2,
			},
		},
		Routing: RoutingConfig{
			Dynamic:         true,
			RefreshInterval: 5 * time.Minute,
			DefaultFilters:  []string{"CorrelationId"},
			CacheType:       "local",
			BackendTimeout:  30 * time.Second,
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				MaxRequests:      1,
				Timeout:          30 * time.Second,
				Interval:         60 * time.Second,
			},
			Transport: TransportConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialTimeout:         30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		JWT: JWTConfig{
			HeaderMappings: map[string]string{"sub": "user-id"},
		},
		ClientAccess: ClientAccessConfig{
			Channel:         "client-access-control",
			Mode:            "event",
			PollingInterval: 30 * time.Second,
			DedupTTL:        60 * time.Second,
			ClientIDHeader:  "X-Client-ID",
			ClientIDClaim:   "client_id",
			RefreshWorkers:  8,
		},
		Events: EventsConfig{
			Channel:       "route-changes",
			DebounceDelay: 250 * time.Millisecond,
			Broadcast:     "redis",
		},
		RateLimit: RateLimitConfig{
			Rate:   100,
			Period: time.Second,
			Key:    "ip",
		},
		Cache: CacheConfig{
			MaxEntries:  10000,
			TTL:         60 * time.Second,
			MaxBodySize: 1 << 20,
			RedisPrefix: "ignite:cache:",
		},
		Discovery: DiscoveryConfig{
			Type:     "static",
			CacheTTL: 10 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "ignite-gateway",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
