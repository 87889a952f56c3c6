package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/pubkey"
)

// stubKeys resolves keys from a fixed map, honoring the provider fallback.
type stubKeys struct {
	keys    map[string]*pubkey.Info
	issuers map[string]string
}

func (s *stubKeys) FindPublicKey(kid, provider string) (*pubkey.Info, bool) {
	if k, ok := s.keys[kid]; ok {
		return k, true
	}
	if provider != "" {
		k, ok := s.keys[provider+"_"+kid]
		return k, ok
	}
	return nil, false
}

func (s *stubKeys) ProviderForIssuer(iss string) string { return s.issuers[iss] }

type fixture struct {
	priv *ecdsa.PrivateKey
	keys *stubKeys
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		priv: priv,
		keys: &stubKeys{
			keys:    map[string]*pubkey.Info{"k1": {Kid: "k1", SourceID: "s1", Key: &priv.PublicKey}},
			issuers: map[string]string{},
		},
	}
}

func (f *fixture) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(f.priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func routed(req *http.Request) *http.Request {
	return req.WithContext(filter.WithRoute(req.Context(), &filter.RouteInfo{ID: "r1"}))
}

func serve(a *Authenticator, req *http.Request) (*httptest.ResponseRecorder, http.Header) {
	var forwarded http.Header
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, forwarded
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body %q: %v", rr.Body.String(), err)
	}
	return body.Message, body.Details
}

func TestTokenExtraction(t *testing.T) {
	f := newFixture(t)
	a := New(f.keys, Config{})

	for _, header := range []string{"", "   ", "Basic abc", "bearer abc", "Bearer ", "Bearer    "} {
		req := routed(httptest.NewRequest("GET", "/", nil))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr, _ := serve(a, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%q: expected 401, got %d", header, rr.Code)
			continue
		}
		if msg, _ := errorBody(t, rr); msg != "Invalid Token" {
			t.Errorf("%q: expected Invalid Token, got %q", header, msg)
		}
	}
}

func TestRouteNotFound(t *testing.T) {
	f := newFixture(t)
	a := New(f.keys, Config{})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"sub": "u1"}))

	rr, _ := serve(a, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if msg, _ := errorBody(t, rr); msg != "Route not found" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestScopeAuthorization(t *testing.T) {
	tests := []struct {
		name     string
		scope    any
		route    string
		prefixes []string
		want     int
	}{
		{"matching scope", "Orders", "Orders", nil, http.StatusOK},
		{"other scope", "Billing", "Orders", nil, http.StatusUnauthorized},
		{"space delimited", "read Orders write", "Orders", nil, http.StatusOK},
		{"comma delimited", "read,Orders", "Orders", nil, http.StatusOK},
		{"list", []any{"Billing", "Orders"}, "Orders", nil, http.StatusOK},
		{"route accepts several", "Billing", "Orders, Billing", nil, http.StatusOK},
		{"configured prefix", []any{"ProviderPrefix/Admin"}, "Admin", []string{"ProviderPrefix/"}, http.StatusOK},
		{"unconfigured prefix", []any{"ProviderPrefix/Admin"}, "Admin", []string{"Other/"}, http.StatusUnauthorized},
		{"longest prefix first", "api://svc/Admin", "Admin", []string{"api://", "api://svc/"}, http.StatusOK},
		{"open route", "anything", "", nil, http.StatusOK},
		{"no scope claim", nil, "Orders", nil, http.StatusUnauthorized},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(f.keys, Config{Scope: tt.route, ScopePrefixes: tt.prefixes})
			claims := jwt.MapClaims{"sub": "u1"}
			if tt.scope != nil {
				claims["scope"] = tt.scope
			}
			req := routed(httptest.NewRequest("GET", "/v1/orders", nil))
			req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", claims))

			rr, _ := serve(a, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusUnauthorized {
				if msg, _ := errorBody(t, rr); !strings.Contains(msg, "Token verification failed") {
					t.Errorf("unexpected message %q", msg)
				}
			}
		})
	}
}

func TestScpClaimFallback(t *testing.T) {
	f := newFixture(t)
	a := New(f.keys, Config{Scope: "Orders"})
	req := routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"scp": []any{"Orders"}}))
	if rr, _ := serve(a, req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestVerificationFailures(t *testing.T) {
	f := newFixture(t)
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	expired := f.token(t, "k1", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	unknownKid := f.token(t, "nope", jwt.MapClaims{"sub": "u1"})
	forged := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
		tok.Header["kid"] = "k1"
		s, _ := tok.SignedString(other)
		return s
	}()
	hmac := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
		tok.Header["kid"] = "k1"
		s, _ := tok.SignedString([]byte("secret"))
		return s
	}()

	tests := []struct {
		name  string
		token string
		stage string
	}{
		{"malformed", "not.a.jwt", "extract_token"},
		{"expired", expired, "extract_claims"},
		{"unknown kid", unknownKid, "resolve_key"},
		{"bad signature", forged, "verify_signature"},
		{"symmetric alg", hmac, "verify_signature"},
	}

	a := New(f.keys, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := routed(httptest.NewRequest("GET", "/", nil))
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rr, _ := serve(a, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			msg, details := errorBody(t, rr)
			if msg != "Token verification failed" {
				t.Errorf("unexpected message %q", msg)
			}
			if !strings.HasPrefix(details, tt.stage) {
				t.Errorf("expected stage %s in details, got %q", tt.stage, details)
			}
		})
	}
}

func TestDefaultKidAndIssuerProvider(t *testing.T) {
	f := newFixture(t)
	f.keys.keys = map[string]*pubkey.Info{
		pubkey.DefaultKid: {Kid: pubkey.DefaultKid, Key: &f.priv.PublicKey},
	}
	a := New(f.keys, Config{})

	req := routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "", jwt.MapClaims{"sub": "u1"}))
	if rr, _ := serve(a, req); rr.Code != http.StatusOK {
		t.Fatalf("token without kid should use DEFAULT key, got %d", rr.Code)
	}

	f.keys.keys = map[string]*pubkey.Info{"idp_k1": {Kid: "k1", SourceID: "idp", Key: &f.priv.PublicKey}}
	f.keys.issuers["https://idp"] = "idp"

	req = routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"sub": "u1", "iss": "https://idp"}))
	if rr, _ := serve(a, req); rr.Code != http.StatusOK {
		t.Fatalf("issuer should select the prefixed key, got %d", rr.Code)
	}

	req = routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"sub": "u1"}))
	if rr, _ := serve(a, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("without issuer the prefixed key must not resolve, got %d", rr.Code)
	}
}

func TestClaimValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		rules  map[string]ClaimRule
		claims jwt.MapClaims
		want   int
		detail string
	}{
		{
			name:   "required present",
			rules:  map[string]ClaimRule{"tenant": {Required: true}},
			claims: jwt.MapClaims{"tenant": "t1"},
			want:   http.StatusOK,
		},
		{
			name:   "required missing",
			rules:  map[string]ClaimRule{"tenant": {Required: true}},
			claims: jwt.MapClaims{},
			want:   http.StatusUnauthorized,
			detail: "required claim tenant",
		},
		{
			name:   "regex match is full",
			rules:  map[string]ClaimRule{"tenant": {Regex: "t[0-9]+"}},
			claims: jwt.MapClaims{"tenant": "t42x"},
			want:   http.StatusUnauthorized,
			detail: "does not match",
		},
		{
			name:   "regex ok",
			rules:  map[string]ClaimRule{"tenant": {Regex: "t[0-9]+"}},
			claims: jwt.MapClaims{"tenant": "t42"},
			want:   http.StatusOK,
		},
		{
			name:   "optional absent skips regex",
			rules:  map[string]ClaimRule{"tenant": {Regex: "t[0-9]+"}},
			claims: jwt.MapClaims{},
			want:   http.StatusOK,
		},
		{
			name:   "bad regex fails",
			rules:  map[string]ClaimRule{"tenant": {Regex: "t[0-9"}},
			claims: jwt.MapClaims{"tenant": "t1"},
			want:   http.StatusUnauthorized,
			detail: "invalid pattern",
		},
		{
			name:   "required wins over regex",
			rules:  map[string]ClaimRule{"tenant": {Required: true, Regex: "t[0-9"}},
			claims: jwt.MapClaims{},
			want:   http.StatusUnauthorized,
			detail: "required claim tenant",
		},
		{
			name: "claims checked in name order",
			rules: map[string]ClaimRule{
				"zone":    {Required: true},
				"account": {Required: true},
			},
			claims: jwt.MapClaims{},
			want:   http.StatusUnauthorized,
			detail: "required claim account",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(f.keys, Config{Validations: tt.rules})
			tt.claims["sub"] = "u1"
			req := routed(httptest.NewRequest("GET", "/", nil))
			req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", tt.claims))
			rr, _ := serve(a, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rr.Code, rr.Body.String())
			}
			if tt.detail != "" {
				if _, details := errorBody(t, rr); !strings.Contains(details, tt.detail) {
					t.Errorf("expected details to contain %q, got %q", tt.detail, details)
				}
			}
		})
	}
}

func TestHeaderInjection(t *testing.T) {
	f := newFixture(t)

	a := New(f.keys, Config{})
	req := routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"sub": "user-42"}))
	rr, fwd := serve(a, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fwd.Get("user-id") != "user-42" {
		t.Errorf("default mapping sub -> user-id not applied: %v", fwd)
	}

	a = New(f.keys, Config{
		HeaderMappings: map[string]string{"roles": "X-Roles", "org.id": "X-Org", "missing": "X-Missing"},
		Validations:    map[string]ClaimRule{"tenant": {Header: "X-Tenant"}},
	})
	req = routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("X-Missing", "spoofed")
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{
		"sub":    "u1",
		"roles":  []any{"admin", "ops"},
		"org":    map[string]any{"id": float64(7)},
		"tenant": "t1",
	}))
	rr, fwd = serve(a, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fwd.Get("X-Roles") != "admin,ops" {
		t.Errorf("X-Roles = %q", fwd.Get("X-Roles"))
	}
	if fwd.Get("X-Org") != "7" {
		t.Errorf("X-Org = %q", fwd.Get("X-Org"))
	}
	if fwd.Get("X-Tenant") != "t1" {
		t.Errorf("X-Tenant = %q", fwd.Get("X-Tenant"))
	}
	if fwd.Get("X-Missing") != "" {
		t.Error("client supplied header for an absent claim must be removed")
	}
	if fwd.Get("user-id") != "" {
		t.Error("explicit mapping replaces the default")
	}
}

func TestFactory(t *testing.T) {
	f := newFixture(t)
	fac := NewFactory(f.keys, Config{ScopePrefixes: []string{"P/"}})
	if fac.Name() != FilterName || fac.Order() != filter.OrderAuth {
		t.Fatal("unexpected factory identity")
	}

	flt, err := fac.Create(filter.Args{
		"scope":    "Orders",
		"headers":  map[string]any{"sub": "X-User"},
		"validate": map[string]any{"tenant": map[string]any{"required": "true"}},
	}, filter.RouteInfo{ID: "r1"})
	if err != nil {
		t.Fatal(err)
	}

	h := flt.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			t.Error("claims should be in context")
		}
		w.Header().Set("X-Seen-User", r.Header.Get("X-User"))
	}))

	req := routed(httptest.NewRequest("GET", "/", nil))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"sub": "u9", "scope": "P/Orders", "tenant": "t"}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("X-Seen-User") != "u9" {
		t.Fatalf("expected pass-through with X-User, got %d %v", rr.Code, rr.Header())
	}

	if _, err := fac.Create(filter.Args{"validate": "not json"}, filter.RouteInfo{}); err == nil {
		t.Error("expected error for malformed validate arg")
	}
}

func TestValidateRules(t *testing.T) {
	bad := ValidateRules(map[string]ClaimRule{"a": {Regex: "("}, "b": {Regex: "ok"}, "c": {}})
	if len(bad) != 1 || bad["a"] == nil {
		t.Errorf("expected only a to be reported, got %v", bad)
	}
}
