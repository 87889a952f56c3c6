package auth

import (
	"context"
	"fmt"
	"regexp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/ignite/internal/filter"
)

// FilterName is the registered name of the JWT filter.
const FilterName = "JwtAuthFilter"

type claimsKey struct{}

// WithClaims stores verified claims in ctx.
func WithClaims(ctx context.Context, c jwt.MapClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the verified claims, if the JWT filter ran.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return c, ok
}

// Factory builds JwtAuthFilter instances. Gateway-wide defaults (scope
// prefixes, header mappings, claim validations) apply to every route; route
// arguments extend them.
type Factory struct {
	keys     KeyResolver
	defaults Config
}

// NewFactory creates the JWT filter factory.
func NewFactory(keys KeyResolver, defaults Config) *Factory {
	return &Factory{keys: keys, defaults: defaults}
}

func (f *Factory) Name() string { return FilterName }

func (f *Factory) Order() int { return filter.OrderAuth }

// Create reads the route arguments:
//
//	scope     comma separated accepted scopes
//	headers   claim -> header mapping, replacing the default mapping
//	validate  claim -> {header, required, regex}
func (f *Factory) Create(args filter.Args, route filter.RouteInfo) (filter.Filter, error) {
	cfg := Config{
		Scope:          args.String("scope"),
		ScopePrefixes:  f.defaults.ScopePrefixes,
		HeaderMappings: f.defaults.HeaderMappings,
		Leeway:         f.defaults.Leeway,
		Validations:    make(map[string]ClaimRule, len(f.defaults.Validations)),
	}
	for k, v := range f.defaults.Validations {
		cfg.Validations[k] = v
	}

	headers, err := args.Map("headers")
	if err != nil {
		return filter.Filter{}, fmt.Errorf("%s: %w", FilterName, err)
	}
	if len(headers) > 0 {
		cfg.HeaderMappings = headers
	}

	validate, err := args.Object("validate")
	if err != nil {
		return filter.Filter{}, fmt.Errorf("%s: %w", FilterName, err)
	}
	for claim, raw := range validate {
		rule, err := parseClaimRule(raw)
		if err != nil {
			return filter.Filter{}, fmt.Errorf("%s: validate %s: %w", FilterName, claim, err)
		}
		cfg.Validations[claim] = rule
	}

	return filter.Filter{
		Name:       FilterName,
		Order:      filter.OrderAuth,
		Middleware: New(f.keys, cfg).Middleware(),
	}, nil
}

func parseClaimRule(raw any) (ClaimRule, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return ClaimRule{}, fmt.Errorf("expected object, got %T", raw)
	}
	a := filter.Args(m)
	required, err := a.Bool("required", false)
	if err != nil {
		return ClaimRule{}, err
	}
	return ClaimRule{
		Header:   a.String("header"),
		Required: required,
		Regex:    a.String("regex"),
	}, nil
}

// ValidateRules reports claim rules whose regex does not compile. The
// gateway logs these at startup; at request time they fail verification.
func ValidateRules(rules map[string]ClaimRule) map[string]error {
	bad := make(map[string]error)
	for claim, r := range rules {
		if r.Regex == "" {
			continue
		}
		if _, err := regexp.Compile(r.Regex); err != nil {
			bad[claim] = err
		}
	}
	return bad
}

var (
	_ filter.Factory = (*Factory)(nil)
	_ filter.Orderer = (*Factory)(nil)
)
