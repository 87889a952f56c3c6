// Package auth verifies bearer tokens against the gateway's public key cache
// and maps token claims to downstream headers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gwerrors "github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/middleware"
	"github.com/wudi/ignite/internal/pubkey"
	"go.uber.org/zap"
)

// Stage is a step of token processing. Failures report the stage they
// happened in.
type Stage int

const (
	StageExtractToken Stage = iota
	StageResolveKey
	StageVerifySignature
	StageExtractClaims
	StageValidateHeaders
	StageValidateScope
	StageInjectHeaders
	StageForward
)

var stageNames = [...]string{
	"extract_token", "resolve_key", "verify_signature", "extract_claims",
	"validate_headers", "validate_scope", "inject_headers", "forward",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// KeyResolver finds verification keys. *pubkey.Service implements it.
type KeyResolver interface {
	FindPublicKey(kid, provider string) (*pubkey.Info, bool)
	ProviderForIssuer(issuer string) string
}

// ClaimRule validates one claim. Header, when set, also injects the claim
// under that header name.
type ClaimRule struct {
	Header   string
	Required bool
	Regex    string
}

// Config configures an Authenticator.
type Config struct {
	// Scope is the comma separated set of scopes the route accepts. Empty
	// disables the scope check.
	Scope          string
	ScopePrefixes  []string
	HeaderMappings map[string]string // claim -> header
	Validations    map[string]ClaimRule
	Leeway         time.Duration
}

// DefaultHeaderMappings is used when no mapping is configured.
var DefaultHeaderMappings = map[string]string{"sub": "user-id"}

type compiledRule struct {
	claim    string
	required bool
	pattern  *regexp.Regexp
	badRegex error
}

// Authenticator runs the token state machine for one route.
type Authenticator struct {
	keys     KeyResolver
	required map[string]struct{}
	scopes   scopeMatcher
	headers  map[string]string
	rules    []compiledRule // sorted by claim name
	parser   *jwt.Parser
}

// Result is a successful authentication.
type Result struct {
	Claims  jwt.MapClaims
	Headers map[string]string
	Stage   Stage
}

// New creates an Authenticator. A rule with an invalid regex does not fail
// construction; requests that reach that rule fail verification instead.
func New(keys KeyResolver, cfg Config) *Authenticator {
	a := &Authenticator{
		keys:     keys,
		required: parseRequiredScopes(cfg.Scope),
		scopes:   newScopeMatcher(cfg.ScopePrefixes),
		headers:  make(map[string]string),
	}

	mappings := cfg.HeaderMappings
	if len(mappings) == 0 {
		mappings = DefaultHeaderMappings
	}
	for claim, header := range mappings {
		a.headers[claim] = header
	}

	names := make([]string, 0, len(cfg.Validations))
	for claim := range cfg.Validations {
		names = append(names, claim)
	}
	sort.Strings(names)
	for _, claim := range names {
		rule := cfg.Validations[claim]
		cr := compiledRule{claim: claim, required: rule.Required}
		if rule.Regex != "" {
			cr.pattern, cr.badRegex = regexp.Compile("^(?:" + rule.Regex + ")$")
		}
		a.rules = append(a.rules, cr)
		if rule.Header != "" {
			a.headers[claim] = rule.Header
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
			"ES256", "ES384", "ES512", "EdDSA",
		}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	a.parser = jwt.NewParser(opts...)
	return a
}

// Authenticate verifies the request's bearer token. On success the request
// headers have been rewritten with the mapped claims.
func (a *Authenticator) Authenticate(r *http.Request) (*Result, *gwerrors.GatewayError) {
	if _, ok := filter.RouteFromContext(r.Context()); !ok {
		return nil, gwerrors.ErrRouteNotFound
	}

	// EXTRACT_TOKEN
	raw, ok := bearerToken(r)
	if !ok {
		return nil, gwerrors.ErrInvalidToken
	}

	// RESOLVE_KEY and VERIFY_SIGNATURE run inside Parse via the key func.
	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc)
	if err != nil {
		return nil, verificationFailed(stageOf(err), err.Error())
	}
	if !token.Valid {
		return nil, verificationFailed(StageVerifySignature, "token is not valid")
	}

	// EXTRACT_CLAIMS is done by the parser; VALIDATE_HEADERS
	if err := a.validateClaims(claims); err != nil {
		return nil, verificationFailed(StageValidateHeaders, err.Error())
	}

	// VALIDATE_SCOPE
	if !a.scopes.allowed(a.required, tokenScopes(claims)) {
		return nil, verificationFailed(StageValidateScope, "insufficient scope")
	}

	// INJECT_HEADERS
	injected := make(map[string]string, len(a.headers))
	for claim, header := range a.headers {
		v, ok := lookupClaim(claims, claim)
		if !ok {
			r.Header.Del(header)
			continue
		}
		s := claimString(v)
		r.Header.Set(header, s)
		injected[header] = s
	}

	return &Result{Claims: claims, Headers: injected, Stage: StageForward}, nil
}

// keyError marks failures of the key lookup so they map to StageResolveKey.
type keyError struct{ msg string }

func (e *keyError) Error() string { return e.msg }

func (a *Authenticator) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		kid = pubkey.DefaultKid
	}
	var provider string
	if claims, ok := t.Claims.(jwt.MapClaims); ok {
		if iss, _ := claims["iss"].(string); iss != "" {
			provider = a.keys.ProviderForIssuer(iss)
		}
	}
	info, ok := a.keys.FindPublicKey(kid, provider)
	if !ok {
		return nil, &keyError{msg: fmt.Sprintf("no public key for kid %s", kid)}
	}
	return info.Key, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	for _, rule := range a.rules {
		v, present := lookupClaim(claims, rule.claim)
		s := claimString(v)
		if rule.required && (!present || s == "") {
			return fmt.Errorf("required claim %s is missing", rule.claim)
		}
		if rule.badRegex != nil {
			return fmt.Errorf("claim %s: invalid pattern: %v", rule.claim, rule.badRegex)
		}
		if rule.pattern != nil && present && !rule.pattern.MatchString(s) {
			return fmt.Errorf("claim %s does not match the required pattern", rule.claim)
		}
	}
	return nil
}

func stageOf(err error) Stage {
	var ke *keyError
	switch {
	case errors.As(err, &ke):
		return StageResolveKey
	case errors.Is(err, jwt.ErrTokenMalformed):
		return StageExtractToken
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return StageExtractClaims
	}
	return StageVerifySignature
}

func verificationFailed(stage Stage, details string) *gwerrors.GatewayError {
	return gwerrors.ErrTokenVerification.WithDetails(stage.String() + ": " + details)
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if strings.TrimSpace(h) == "" || !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[len("Bearer "):])
	return tok, tok != ""
}

// Middleware returns the authenticator as request middleware. Failures are
// written as JSON and stop the chain.
func (a *Authenticator) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, gwErr := a.Authenticate(r)
			if gwErr != nil {
				reason := "route_not_found"
				if gwErr.Code == http.StatusUnauthorized {
					reason = "unauthorized"
				}
				metrics.AuthRejections.WithLabelValues(FilterName, reason).Inc()
				logging.Info("token rejected",
					zap.String("path", r.URL.Path),
					zap.String("reason", gwErr.Error()),
					zap.String("correlation_id", middleware.CorrelationID(r)),
				)
				if id := middleware.CorrelationID(r); id != "" {
					gwErr = gwErr.WithCorrelationID(id)
				}
				gwErr.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), res.Claims)))
		})
	}
}
