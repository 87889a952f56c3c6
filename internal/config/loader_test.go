package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
listen:
  address: ":9090"
  read_timeout: 10s

registry:
  base_url: http://registry:8090
  route_path: /api/routes
  retry:
    max_retries: 5

routing:
  cache_type: local
  filter_overrides:
    Auth: JwtAuthFilter

jwt:
  scope_prefixes: ["ProviderPrefix/"]
  sources:
    - id: idp
      type: jwks
      location: https://idp/.well-known/jwks.json
      refresh_interval: 5m
      use_provider_prefix: true

client_access:
  enabled: true
  overrides:
    - client_id: c1
      rules: ["svc-a:*", "!svc-a:delete"]
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen.Address != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen.Address)
	}
	if cfg.Listen.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Listen.ReadTimeout)
	}
	// Unset values keep their defaults
	if cfg.Listen.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write_timeout 30s, got %v", cfg.Listen.WriteTimeout)
	}
	if cfg.Registry.RoutePath != "/api/routes" {
		t.Errorf("expected route path /api/routes, got %s", cfg.Registry.RoutePath)
	}
	if cfg.Registry.Retry.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.Registry.Retry.MaxRetries)
	}
	if cfg.Routing.FilterOverrides["Auth"] != "JwtAuthFilter" {
		t.Errorf("expected override Auth -> JwtAuthFilter, got %v", cfg.Routing.FilterOverrides)
	}
	if len(cfg.JWT.Sources) != 1 || cfg.JWT.Sources[0].RefreshInterval != 5*time.Minute {
		t.Fatalf("unexpected sources: %+v", cfg.JWT.Sources)
	}
	if !cfg.JWT.Sources[0].UseProviderPrefix {
		t.Error("expected use_provider_prefix")
	}
	if len(cfg.ClientAccess.Overrides) != 1 {
		t.Fatalf("expected 1 override, got %d", len(cfg.ClientAccess.Overrides))
	}
	o := cfg.ClientAccess.Overrides[0]
	if o.ClientID != "c1" || len(o.Rules) != 2 || !o.IsActive() {
		t.Errorf("unexpected override: %+v", o)
	}
	if cfg.ClientAccess.DedupTTL != 60*time.Second {
		t.Errorf("expected default dedup ttl 60s, got %v", cfg.ClientAccess.DedupTTL)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	os.Setenv("IGNITE_TEST_REGISTRY", "http://from-env:8090")
	defer os.Unsetenv("IGNITE_TEST_REGISTRY")

	yaml := `
registry:
  base_url: ${IGNITE_TEST_REGISTRY}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Registry.BaseURL != "http://from-env:8090" {
		t.Errorf("expected env expansion, got %s", cfg.Registry.BaseURL)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad cache type",
			yaml: "routing:\n  cache_type: disk\n",
			want: "cache_type",
		},
		{
			name: "redis cache without redis",
			yaml: "routing:\n  cache_type: redis\n",
			want: "requires redis.enabled",
		},
		{
			name: "unknown key source type",
			yaml: "jwt:\n  sources:\n    - id: a\n      type: x509\n      location: /tmp/a\n",
			want: "type must be pem or jwks",
		},
		{
			name: "duplicate key source",
			yaml: "jwt:\n  sources:\n    - id: a\n      type: pem\n      location: /a\n    - id: a\n      type: pem\n      location: /b\n",
			want: "duplicate id",
		},
		{
			name: "bad client access mode",
			yaml: "client_access:\n  enabled: true\n  mode: push\n",
			want: "client_access.mode",
		},
		{
			name: "override without client id",
			yaml: "client_access:\n  overrides:\n    - rules: [\"a:b\"]\n",
			want: "client_id is required",
		},
		{
			name: "route without uri",
			yaml: "routing:\n  routes:\n    - id: r1\n",
			want: "uri is required",
		},
		{
			name: "bad backend url",
			yaml: "backends:\n  orders: not-a-url\n",
			want: "backends.orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoaderOverridesFile(t *testing.T) {
	dir := t.TempDir()
	overrides := filepath.Join(dir, "clients.yaml")
	content := `
clients:
  - client_id: c1
    tenant: t-file
    rules: ["svc-b:*"]
  - client_id: c2
    active: false
    rules: ["svc-c:*"]
`
	if err := os.WriteFile(overrides, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	yaml := `
client_access:
  overrides_file: ` + overrides + `
  overrides:
    - client_id: c1
      tenant: t-inline
      rules: ["svc-a:*"]
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cfg.ClientAccess.Overrides) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(cfg.ClientAccess.Overrides))
	}
	if cfg.ClientAccess.Overrides[0].Tenant != "t-file" {
		t.Errorf("file override should replace inline entry, got %+v", cfg.ClientAccess.Overrides[0])
	}
	if cfg.ClientAccess.Overrides[1].IsActive() {
		t.Error("c2 should be inactive")
	}
}

func TestValidateFilterOverrides(t *testing.T) {
	registered := map[string]bool{"JwtAuthFilter": true, "CorrelationId": true}
	has := func(name string) bool { return registered[name] }

	cfg := DefaultConfig()
	cfg.Routing.FilterOverrides = map[string]string{"Auth": "JwtAuthFilter"}
	if err := ValidateFilterOverrides(cfg, has); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Routing.FilterOverrides["Legacy"] = "OldAuthFilter"
	err := ValidateFilterOverrides(cfg, has)
	if err == nil || !strings.Contains(err.Error(), "OldAuthFilter") {
		t.Fatalf("expected unregistered filter error, got %v", err)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := NewLoader().Load(filepath.Join("..", "..", "configs", "gateway.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Routing.Routes) != 2 || cfg.Routing.Routes[0].URI != "lb://orders" {
		t.Errorf("routes = %+v", cfg.Routing.Routes)
	}
	if cfg.Routing.FilterOverrides["Auth"] != "JwtAuthFilter" {
		t.Errorf("filter overrides = %v", cfg.Routing.FilterOverrides)
	}
	if cfg.Routing.Routes[1].CacheTTL != 30*time.Second {
		t.Errorf("cache_ttl = %v", cfg.Routing.Routes[1].CacheTTL)
	}
}
