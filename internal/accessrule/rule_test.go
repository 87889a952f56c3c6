package accessrule

import (
	"math/rand"
	"strings"
	"testing"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		in      string
		ok      bool
		service string
		route   string
		deny    bool
	}{
		{"svc:route", true, "svc", "route", false},
		{"!svc:route", true, "svc", "route", true},
		{"  svc-a:*  ", true, "svc-a", "*", false},
		{"svc:a:b", true, "svc", "a:b", false},
		{"bad-format", false, "", "", false},
		{"", false, "", "", false},
		{"   ", false, "", "", false},
		{":route", false, "", "", false},
		{"svc:", false, "", "", false},
		{"!:", false, "", "", false},
		{"!", false, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, ok := ParseRule(tt.in)
			if ok != tt.ok {
				t.Fatalf("ParseRule(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if !ok {
				if r != nil {
					t.Error("expected nil rule on failure")
				}
				return
			}
			if r.Service != tt.service || r.Route != tt.route || r.Deny != tt.deny {
				t.Errorf("got %+v", r)
			}
		})
	}
}

func TestParseRuleOriginal(t *testing.T) {
	r, ok := ParseRule("!svc:route")
	if !ok || !r.Deny {
		t.Fatal("expected deny rule")
	}
	if r.Original != "!svc:route" {
		t.Errorf("Original = %q", r.Original)
	}

	for _, s := range []string{"a:b", "  a:b ", "\t!x:*\n", "svc-a:orders/*"} {
		r, ok := ParseRule(s)
		if !ok {
			t.Fatalf("ParseRule(%q) failed", s)
		}
		if want := strings.TrimSpace(s); r.Original != want {
			t.Errorf("Original = %q, want %q", r.Original, want)
		}
	}
}

func TestParseRulesDropsInvalid(t *testing.T) {
	rules := ParseRules([]string{"!svc:route", "bad-format"})
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if !rules[0].Deny {
		t.Error("expected the deny rule to survive")
	}
}

func TestIsAllowedDenyByDefault(t *testing.T) {
	if IsAllowed(nil, "svc", "route") {
		t.Error("nil rules must deny")
	}
	if IsAllowed([]Rule{}, "svc", "route") {
		t.Error("empty rules must deny")
	}
	if IsAllowed(ParseRules([]string{"other:*"}), "svc", "route") {
		t.Error("no matching rule must deny")
	}
}

func TestIsAllowed(t *testing.T) {
	rules := ParseRules([]string{"svc-a:*", "!svc-a:delete"})

	tests := []struct {
		service, route string
		want           bool
	}{
		{"svc-a", "delete", false},
		{"svc-a", "list", true},
		{"svc-b", "list", false},
	}
	for _, tt := range tests {
		if got := IsAllowed(rules, tt.service, tt.route); got != tt.want {
			t.Errorf("IsAllowed(%s, %s) = %v, want %v", tt.service, tt.route, got, tt.want)
		}
	}
}

func TestGlobSegments(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything/at/all", true},
		{"orders", "orders", true},
		{"orders", "orders2", false},
		{"order?", "orders", true},
		{"order?", "order", false},
		{"svc-*", "svc-orders", true},
		{"v1/*", "v1/orders", true},
		{"v1/*", "v1/orders/items", false},
		{"v1/**", "v1/orders/items", true},
		{"[ab]pi", "api", true},
		{"{get,list}", "list", true},
		{"[", "[", true},
		{"[", "x", false},
	}
	for _, tt := range tests {
		if got := matchSegment(tt.pattern, tt.value); got != tt.want {
			t.Errorf("matchSegment(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestSingleStarStopsAtSlash(t *testing.T) {
	rules := ParseRules([]string{"svc:orders/*"})
	tests := []struct {
		route string
		want  bool
	}{
		{"orders/a", true},
		{"orders/a/b", false},
		{"orders", false},
	}
	for _, tt := range tests {
		if got := IsAllowed(rules, "svc", tt.route); got != tt.want {
			t.Errorf("IsAllowed(svc:orders/*, %q) = %v, want %v", tt.route, got, tt.want)
		}
	}
	if !IsAllowed(ParseRules([]string{"svc:orders/**"}), "svc", "orders/a/b") {
		t.Error("** should span segments")
	}
}

// Any matching deny rule wins no matter where it sits in the list.
func TestDenyOverridesAllowOrderIndependent(t *testing.T) {
	base := []string{"svc-a:*", "*:*", "svc-a:delete", "!svc-a:delete", "svc-*:del*"}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		shuffled := append([]string(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		rules := ParseRules(shuffled)
		if IsAllowed(rules, "svc-a", "delete") {
			t.Fatalf("deny rule ignored for order %v", shuffled)
		}
		if !IsAllowed(rules, "svc-a", "list") {
			t.Fatalf("allow rule ignored for order %v", shuffled)
		}
	}
}
