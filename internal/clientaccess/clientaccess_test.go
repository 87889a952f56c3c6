package clientaccess

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/ignite/internal/auth"
	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/events"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/scheduler"
)

type stubFetcher struct {
	mu        sync.Mutex
	all       []Record
	allErr    error
	clients   map[string]*Record
	clientErr map[string]error
	allCalls  atomic.Int32
	oneCalls  atomic.Int32
}

func (f *stubFetcher) FetchClientAccess(ctx context.Context) ([]Record, error) {
	f.allCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all, f.allErr
}

func (f *stubFetcher) FetchClient(ctx context.Context, id string) (*Record, error) {
	f.oneCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.clientErr[id]; err != nil {
		return nil, err
	}
	rec, ok := f.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return rec, nil
}

func boolPtr(b bool) *bool { return &b }

func records(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{ClientID: fmt.Sprintf("c%d", i), Allow: []string{"svc:*"}}
	}
	return out
}

func TestLoadAllConfigurations(t *testing.T) {
	f := &stubFetcher{all: []Record{
		{ClientID: "c1", Allow: []string{"svc-a:*", "!svc-a:delete"}},
		{ClientID: "c2", Active: boolPtr(false), Allow: []string{"*:*"}},
		{ClientID: "c3", Rules: []string{"svc-b:list", "garbage"}},
		{ClientID: "", Allow: []string{"*:*"}},
	}}
	s := NewStore(f, WithOverrides([]config.ClientOverride{
		{ClientID: "c3", Rules: []string{"svc-c:*"}},
		{ClientID: "local", Rules: []string{"*:*"}},
	}))

	n, err := s.LoadAllConfigurations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected c1, c3 and local, got %d", n)
	}
	if s.GetConfig("c2") != nil {
		t.Error("inactive clients are not cached")
	}
	c3 := s.GetConfig("c3")
	if c3 == nil || c3.Source != SourceYAML || !c3.IsAllowed("svc-c", "x") || c3.IsAllowed("svc-b", "list") {
		t.Errorf("YAML override must win for c3: %+v", c3)
	}
	if c1 := s.GetConfig("c1"); c1.Source != SourceDatabase || len(c1.Rules) != 2 {
		t.Errorf("unexpected c1 %+v", c1)
	}
}

func TestLoadAllKeepsPreviousOnError(t *testing.T) {
	f := &stubFetcher{all: records(5)}
	s := NewStore(f)
	if _, err := s.LoadAllConfigurations(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.allErr = errors.New("registry down")
	if _, err := s.LoadAllConfigurations(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.Cache().Len() != 5 {
		t.Fatalf("previous configuration must be kept, got %d entries", s.Cache().Len())
	}
}

func TestAccessScenario(t *testing.T) {
	f := &stubFetcher{all: []Record{{ClientID: "c1", Allow: []string{"svc-a:*", "!svc-a:delete"}}}}
	s := NewStore(f)
	if _, err := s.LoadAllConfigurations(context.Background()); err != nil {
		t.Fatal(err)
	}

	if s.IsAllowed("c1", "svc-a", "delete") {
		t.Error("svc-a/delete must be denied")
	}
	if !s.IsAllowed("c1", "svc-a", "list") {
		t.Error("svc-a/list must be allowed")
	}
	if s.IsAllowed("unknown", "svc-a", "list") {
		t.Error("unknown clients are denied")
	}
}

func TestRefreshTargeted(t *testing.T) {
	f := &stubFetcher{
		all: records(3),
		clients: map[string]*Record{
			"c0":  {ClientID: "c0", Allow: []string{"other:*"}},
			"new": {ClientID: "new", Allow: []string{"svc:*"}},
			"c2":  {ClientID: "c2", Active: boolPtr(false)},
		},
		clientErr: map[string]error{"c1": errors.New("timeout")},
	}
	s := NewStore(f, WithWorkers(2), WithOverrides([]config.ClientOverride{{ClientID: "yaml", Rules: []string{"*:*"}}}))
	if _, err := s.LoadAllConfigurations(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := s.GetConfig("c1")

	n, err := s.Refresh(context.Background(), []string{"c0", "c1", "c2", "new", "gone", "yaml", "", "c0"})
	if err == nil {
		t.Error("expected the c1 failure to be reported")
	}
	// c0 and new updated; c2 inactive and gone unknown are removed.
	if n != 4 {
		t.Errorf("expected 4 changes, got %d", n)
	}
	if !s.IsAllowed("c0", "other", "x") || s.IsAllowed("c0", "svc", "x") {
		t.Error("c0 should have been replaced")
	}
	if s.GetConfig("new") == nil {
		t.Error("new client should have been added")
	}
	if s.GetConfig("c2") != nil {
		t.Error("deactivated client should have been removed")
	}
	if s.GetConfig("c1") != before {
		t.Error("failed fetch must keep the cached entry")
	}
	if s.GetConfig("yaml") == nil || s.GetConfig("yaml").Source != SourceYAML {
		t.Error("YAML override must not be refreshed from the registry")
	}
	if calls := f.oneCalls.Load(); calls != 5 {
		t.Errorf("expected 5 fetches (deduped, yaml skipped), got %d", calls)
	}
}

// Readers polling the cache during a full reload must see the old size or
// the new size and nothing in between.
func TestReloadIsAtomicForReaders(t *testing.T) {
	f := &stubFetcher{all: records(100)}
	s := NewStore(f)
	if _, err := s.LoadAllConfigurations(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.all = records(1000)
	f.mu.Unlock()

	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				n := len(s.Cache().Snapshot())
				if n != 100 && n != 1000 {
					torn.Add(1)
				}
				s.GetConfig("c999")
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if _, err := s.LoadAllConfigurations(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.mu.Lock()
		if len(f.all) == 1000 {
			f.all = records(100)
		} else {
			f.all = records(1000)
		}
		f.mu.Unlock()
	}
	stop.Store(true)
	wg.Wait()

	if torn.Load() != 0 {
		t.Fatalf("observed %d partial snapshots", torn.Load())
	}
}

func TestSetOverrides(t *testing.T) {
	f := &stubFetcher{all: []Record{{ClientID: "c1", Allow: []string{"a:*"}}}}
	s := NewStore(f)
	s.LoadAllConfigurations(context.Background())

	s.SetOverrides([]config.ClientOverride{{ClientID: "c1", Rules: []string{"b:*"}}})
	if !s.IsAllowed("c1", "b", "x") || s.IsAllowed("c1", "a", "x") {
		t.Error("override should apply immediately")
	}

	s.LoadAllConfigurations(context.Background())
	if !s.IsAllowed("c1", "b", "x") {
		t.Error("override should survive a full reload")
	}
}

func TestRefresherEvents(t *testing.T) {
	f := &stubFetcher{
		all:     records(2),
		clients: map[string]*Record{"c0": {ClientID: "c0", Allow: []string{"x:*"}}},
	}
	s := NewStore(f)
	r := NewRefresher(s, PingerFunc(func(context.Context) error { return nil }), RefresherConfig{})
	ctx := context.Background()

	full := events.New(events.ClientAccessChanged)
	full.Operation = events.OpFullReload
	r.HandleEvent(ctx, full)
	r.HandleEvent(ctx, full) // redelivery
	if f.allCalls.Load() != 1 {
		t.Fatalf("duplicate event must be dropped, got %d reloads", f.allCalls.Load())
	}
	if s.Cache().Len() != 2 {
		t.Fatalf("expected 2 clients, got %d", s.Cache().Len())
	}

	targeted := events.New(events.ClientAccessChanged)
	targeted.Operation = events.OpUpdate
	targeted.ClientIDs = []string{"c0"}
	r.HandleEvent(ctx, targeted)
	if f.oneCalls.Load() != 1 || f.allCalls.Load() != 1 {
		t.Fatalf("expected one targeted fetch, got one=%d all=%d", f.oneCalls.Load(), f.allCalls.Load())
	}
	if !s.IsAllowed("c0", "x", "y") {
		t.Error("c0 should be refreshed")
	}

	r.HandleEvent(ctx, events.New(events.RouteChanged))
	if f.allCalls.Load() != 1 || f.oneCalls.Load() != 1 {
		t.Error("unrelated event types are ignored")
	}
}

func TestRefresherModeTransitions(t *testing.T) {
	f := &stubFetcher{all: records(1)}
	s := NewStore(f)
	var healthy atomic.Bool
	healthy.Store(true)
	r := NewRefresher(s, PingerFunc(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}), RefresherConfig{Mode: ModeEvent})
	ctx := context.Background()

	if err := r.Poll(ctx); err != nil || f.allCalls.Load() != 0 {
		t.Fatal("poll must be a no-op in event mode")
	}

	healthy.Store(false)
	if err := r.CheckHealth(ctx); err == nil {
		t.Fatal("expected health check error")
	}
	if r.Mode() != ModePolling {
		t.Fatal("failed health check must switch to polling")
	}
	if err := r.Poll(ctx); err != nil || f.allCalls.Load() != 1 {
		t.Fatalf("poll must reload in polling mode, calls=%d", f.allCalls.Load())
	}

	healthy.Store(true)
	r.CheckHealth(ctx)
	if r.Mode() != ModePolling {
		t.Fatal("only a live event switches back to event mode")
	}

	ev := events.New(events.ClientAccessChanged)
	ev.ClientIDs = []string{"c0"}
	r.HandleEvent(ctx, ev)
	if r.Mode() != ModeEvent {
		t.Fatal("live event must switch back to event mode")
	}
}

func TestRefresherPurgesDedupOnPoll(t *testing.T) {
	s := NewStore(&stubFetcher{})
	r := NewRefresher(s, PingerFunc(func(context.Context) error { return nil }), RefresherConfig{DedupTTL: time.Millisecond})
	ev := events.New(events.ClientAccessChanged)
	r.HandleEvent(context.Background(), ev)
	time.Sleep(5 * time.Millisecond)
	r.Poll(context.Background())
	if r.dedup.Len() != 0 {
		t.Errorf("expired ids should be purged, %d left", r.dedup.Len())
	}
}

func TestRefresherWithoutPingerPolls(t *testing.T) {
	r := NewRefresher(NewStore(&stubFetcher{}), nil, RefresherConfig{Mode: ModeEvent})
	if r.Mode() != ModePolling {
		t.Fatal("no transport means polling")
	}
}

func TestRefresherStart(t *testing.T) {
	sched := scheduler.New(context.Background())
	defer sched.Stop()
	r := NewRefresher(NewStore(&stubFetcher{}), nil, RefresherConfig{PollingInterval: time.Hour})
	if err := r.Start(sched); err != nil {
		t.Fatal(err)
	}
	if got := sched.Names(); len(got) != 2 {
		t.Errorf("expected two tasks, got %v", got)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("polling"); err != nil || m != ModePolling {
		t.Error("polling")
	}
	if m, err := ParseMode(""); err != nil || m != ModeEvent {
		t.Error("default")
	}
	if _, err := ParseMode("push"); err == nil {
		t.Error("unknown mode must fail")
	}
}

func TestClientAccessFilterPrefersTokenClaim(t *testing.T) {
	f := &stubFetcher{all: []Record{
		{ClientID: "c1", Allow: []string{"svc-a:*"}},
		{ClientID: "admin", Allow: []string{"*:*"}},
	}}
	s := NewStore(f)
	s.LoadAllConfigurations(context.Background())

	tests := []struct {
		name   string
		claims jwt.MapClaims
		header string
		args   filter.Args
		want   int
	}{
		{"claim allowed", jwt.MapClaims{"client_id": "c1"}, "", nil, http.StatusOK},
		{"header ignored with token", jwt.MapClaims{"client_id": "c1"}, "admin", filter.Args{"service": "svc-b"}, http.StatusForbidden},
		{"token without claim", jwt.MapClaims{"sub": "u1"}, "admin", nil, http.StatusForbidden},
		{"custom claim", jwt.MapClaims{"azp": "c1"}, "", filter.Args{"claim": "azp"}, http.StatusOK},
		{"header without token", nil, "admin", filter.Args{"service": "svc-b"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flt, err := NewFactory(s, "", "").Create(tt.args, filter.RouteInfo{ID: "list", Metadata: map[string]any{"service": "svc-a"}})
			if err != nil {
				t.Fatal(err)
			}
			h := flt.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest("GET", "/x", nil)
			if tt.header != "" {
				req.Header.Set(DefaultClientIDHeader, tt.header)
			}
			if tt.claims != nil {
				req = req.WithContext(auth.WithClaims(req.Context(), tt.claims))
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestClientAccessFilter(t *testing.T) {
	f := &stubFetcher{all: []Record{{ClientID: "c1", Allow: []string{"svc-a:*", "!svc-a:delete"}}}}
	s := NewStore(f)
	s.LoadAllConfigurations(context.Background())
	fac := NewFactory(s, "", "")

	tests := []struct {
		name   string
		route  filter.RouteInfo
		args   filter.Args
		client string
		path   string
		want   int
	}{
		{"allowed", filter.RouteInfo{ID: "list", Metadata: map[string]any{"service": "svc-a"}}, nil, "c1", "/x", http.StatusOK},
		{"denied route", filter.RouteInfo{ID: "delete", Metadata: map[string]any{"service": "svc-a"}}, nil, "c1", "/x", http.StatusForbidden},
		{"missing client", filter.RouteInfo{ID: "list", Metadata: map[string]any{"service": "svc-a"}}, nil, "", "/x", http.StatusForbidden},
		{"service from lb uri", filter.RouteInfo{ID: "list", URI: "lb://svc-a"}, nil, "c1", "/x", http.StatusOK},
		{"service from path", filter.RouteInfo{ID: "list"}, nil, "c1", "/svc-a/items", http.StatusOK},
		{"route from metadata", filter.RouteInfo{ID: "r9", Metadata: map[string]any{"service": "svc-a", "route": "delete"}}, nil, "c1", "/x", http.StatusForbidden},
		{"args override", filter.RouteInfo{ID: "r9"}, filter.Args{"service": "svc-a", "route": "list"}, "c1", "/x", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flt, err := fac.Create(tt.args, tt.route)
			if err != nil {
				t.Fatal(err)
			}
			h := flt.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.client != "" {
				req.Header.Set(DefaultClientIDHeader, tt.client)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			if tt.want == http.StatusForbidden && !strings.Contains(rr.Body.String(), `"message":"Access denied"`) {
				t.Errorf("unexpected body %s", rr.Body.String())
			}
		})
	}
}
