package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

var noop = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

func mustAdd(t *testing.T, rt *Router, route *Route) {
	t.Helper()
	if route.Handler == nil {
		route.Handler = noop
	}
	if err := rt.AddRoute(route); err != nil {
		t.Fatalf("AddRoute(%s): %v", route.ID, err)
	}
}

func TestRouterMatch(t *testing.T) {
	r := New()

	mustAdd(t, r, &Route{ID: "users", Paths: []string{"/api/v1/users/**"}, Order: 3})
	mustAdd(t, r, &Route{ID: "orders", Paths: []string{"/api/v1/orders"}, Order: 1})
	mustAdd(t, r, &Route{ID: "user-detail", Paths: []string{"/api/v1/users/{id}"}, Order: 2})
	mustAdd(t, r, &Route{ID: "reports", Paths: []string{"/api/*/reports/{daily,weekly}"}, Order: 4})

	tests := []struct {
		name       string
		path       string
		method     string
		wantRoute  string
		wantParams map[string]string
	}{
		{
			name:      "exact match",
			path:      "/api/v1/orders",
			method:    "GET",
			wantRoute: "orders",
		},
		{
			name:      "prefix match with subpath",
			path:      "/api/v1/users/123/profile",
			method:    "GET",
			wantRoute: "users",
		},
		{
			name:      "prefix match root",
			path:      "/api/v1/users",
			method:    "GET",
			wantRoute: "users",
		},
		{
			name:       "param route match",
			path:       "/api/v1/users/123",
			method:     "GET",
			wantRoute:  "user-detail",
			wantParams: map[string]string{"id": "123"},
		},
		{
			name:      "glob alternation",
			path:      "/api/v2/reports/weekly",
			method:    "GET",
			wantRoute: "reports",
		},
		{
			name:      "glob single segment",
			path:      "/api/v2/x/reports/weekly",
			method:    "GET",
			wantRoute: "",
		},
		{
			name:      "no match",
			path:      "/api/v2/products",
			method:    "GET",
			wantRoute: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			match := r.Match(req)

			if tt.wantRoute == "" {
				if match != nil {
					t.Errorf("expected no match, got route %s", match.Route.ID)
				}
				return
			}
			if match == nil {
				t.Fatalf("expected match for route %s, got nil", tt.wantRoute)
			}
			if match.Route.ID != tt.wantRoute {
				t.Errorf("expected route %s, got %s", tt.wantRoute, match.Route.ID)
			}
			for k, v := range tt.wantParams {
				if match.PathParams[k] != v {
					t.Errorf("expected param %s=%s, got %s", k, v, match.PathParams[k])
				}
			}
		})
	}
}

func TestRouterOrderAcrossTiers(t *testing.T) {
	r := New()
	// catch-all declared first wins over a more specific path with a higher order
	mustAdd(t, r, &Route{ID: "all", Paths: []string{"/**"}, Order: 1})
	mustAdd(t, r, &Route{ID: "orders", Paths: []string{"/v1/orders"}, Order: 2})

	m := r.Match(httptest.NewRequest("GET", "/v1/orders", nil))
	if m == nil || m.Route.ID != "all" {
		t.Fatalf("expected catch-all, got %+v", m)
	}

	r = New()
	mustAdd(t, r, &Route{ID: "all", Paths: []string{"/**"}, Order: 5})
	mustAdd(t, r, &Route{ID: "orders", Paths: []string{"/v1/orders"}, Order: 5})
	m = r.Match(httptest.NewRequest("GET", "/v1/orders", nil))
	if m == nil || m.Route.ID != "orders" {
		t.Fatalf("on equal order exact tier should win, got %+v", m)
	}
}

func TestRouterLongestPrefix(t *testing.T) {
	r := New()
	mustAdd(t, r, &Route{ID: "short", Paths: []string{"/v1/**"}})
	mustAdd(t, r, &Route{ID: "long", Paths: []string{"/v1/orders/**"}})

	tests := map[string]string{
		"/v1/orders/1": "long",
		"/v1/orders":   "long",
		"/v1/items":    "short",
		"/v1":          "short",
	}
	for path, want := range tests {
		m := r.Match(httptest.NewRequest("GET", path, nil))
		if m == nil || m.Route.ID != want {
			t.Errorf("%s: expected %s, got %+v", path, want, m)
		}
	}
}

func TestRouterMethodMatching(t *testing.T) {
	r := New()
	mustAdd(t, r, &Route{ID: "get-users", Paths: []string{"/users"}, Match: MatchSpec{Methods: []string{"get"}}})
	mustAdd(t, r, &Route{ID: "post-users", Paths: []string{"/users"}, Match: MatchSpec{Methods: []string{"POST"}}})

	for method, want := range map[string]string{"GET": "get-users", "POST": "post-users", "DELETE": ""} {
		m := r.Match(httptest.NewRequest(method, "/users", nil))
		if want == "" {
			if m != nil {
				t.Errorf("%s: expected no match, got %s", method, m.Route.ID)
			}
			continue
		}
		if m == nil || m.Route.ID != want {
			t.Errorf("%s: expected %s, got %+v", method, want, m)
		}
	}
}

func TestRouterHeaderAndQuery(t *testing.T) {
	r := New()
	mustAdd(t, r, &Route{ID: "beta", Paths: []string{"/api/**"}, Match: MatchSpec{
		Headers: []ValueMatch{{Name: "X-Version", Regex: "v2|v3"}},
	}})
	mustAdd(t, r, &Route{ID: "debug", Paths: []string{"/api/**"}, Match: MatchSpec{
		Queries: []ValueMatch{{Name: "debug"}},
	}})
	mustAdd(t, r, &Route{ID: "default", Paths: []string{"/api/**"}})

	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"regex matches", "/api/a", "v2", "beta"},
		{"regex is anchored", "/api/a", "v22", "default"},
		{"query present", "/api/a?debug", "", "debug"},
		{"fallthrough", "/api/a", "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-Version", tt.header)
			}
			m := r.Match(req)
			if m == nil || m.Route.ID != tt.want {
				t.Errorf("expected %s, got %+v", tt.want, m)
			}
		})
	}
}

func TestRouterHostMatching(t *testing.T) {
	r := New()
	mustAdd(t, r, &Route{ID: "wild", Paths: []string{"/"}, Match: MatchSpec{Hosts: []string{"*.example.com"}}})
	mustAdd(t, r, &Route{ID: "exact", Paths: []string{"/"}, Match: MatchSpec{Hosts: []string{"api.example.com"}}})

	tests := map[string]string{
		"api.example.com:8080": "exact",
		"www.example.com":      "wild",
		"example.org":          "",
	}
	for host, want := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.Host = host
		m := r.Match(req)
		got := ""
		if m != nil {
			got = m.Route.ID
		}
		if got != want {
			t.Errorf("%s: expected %q, got %q", host, want, got)
		}
	}
}

func TestAddRouteErrors(t *testing.T) {
	tests := []struct {
		name  string
		route *Route
	}{
		{"missing id", &Route{Paths: []string{"/a"}, Handler: noop}},
		{"no paths", &Route{ID: "a", Handler: noop}},
		{"no handler", &Route{ID: "a", Paths: []string{"/a"}}},
		{"bad regex", &Route{ID: "a", Paths: []string{"/a"}, Handler: noop, Match: MatchSpec{
			Headers: []ValueMatch{{Name: "X", Regex: "("}},
		}}},
		{"bad glob", &Route{ID: "a", Paths: []string{"/a/[b"}, Handler: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := New().AddRoute(tt.route); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAddRouteConflictRollsBack(t *testing.T) {
	r := New()
	mustAdd(t, r, &Route{ID: "by-id", Paths: []string{"/items/{id}"}})

	err := r.AddRoute(&Route{ID: "by-name", Paths: []string{"/other", "/items/{name}"}, Handler: noop})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 route, got %d", r.Len())
	}
	if m := r.Match(httptest.NewRequest("GET", "/other", nil)); m != nil {
		t.Errorf("rejected route still matches: %s", m.Route.ID)
	}
	m := r.Match(httptest.NewRequest("GET", "/items/7", nil))
	if m == nil || m.Route.ID != "by-id" || m.PathParams["id"] != "7" {
		t.Errorf("existing route broken after rollback: %+v", m)
	}
}

func TestRoutesInsertionOrder(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		mustAdd(t, r, &Route{ID: fmt.Sprintf("r%d", i), Paths: []string{fmt.Sprintf("/p%d", i)}, Order: 5 - i})
	}
	routes := r.Routes()
	for i, route := range routes {
		if route.ID != fmt.Sprintf("r%d", i) {
			t.Errorf("position %d: got %s", i, route.ID)
		}
	}
}

func TestHasGlobMeta(t *testing.T) {
	tests := map[string]bool{
		"/a/{id}":       false,
		"/a/{x,y}":      true,
		"/a/*":          true,
		"/a/file?.json": true,
		"/plain":        false,
	}
	for p, want := range tests {
		if got := hasGlobMeta(p); got != want {
			t.Errorf("hasGlobMeta(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestReplaceParams(t *testing.T) {
	tests := map[string]string{
		"/users/{id}":                "/users/:id",
		"/users/{id}/orders/{order}": "/users/:id/orders/:order",
		"/plain":                     "/plain",
	}
	for in, want := range tests {
		if got := replaceParams(in); got != want {
			t.Errorf("replaceParams(%q) = %q, want %q", in, got, want)
		}
	}
}

func BenchmarkRouterMatch(b *testing.B) {
	r := New()
	for i := 0; i < 100; i++ {
		_ = r.AddRoute(&Route{ID: fmt.Sprintf("r%d", i), Paths: []string{fmt.Sprintf("/svc%d/**", i)}, Handler: noop})
	}
	req := httptest.NewRequest("GET", "/svc50/a/b", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Match(req)
	}
}
