package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/ignite/internal/clientaccess"
	"github.com/wudi/ignite/internal/config"
)

func newClient(t *testing.T, h http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(config.RegistryConfig{
		BaseURL: srv.URL,
		UserID:  "ignite",
		Timeout: time.Second,
		Retry: config.RetryConfig{
			MaxRetries:     retries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchRoutes(t *testing.T) {
	var gotUser, gotScope string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/routes" {
			http.NotFound(w, r)
			return
		}
		gotUser = r.Header.Get("userId")
		gotScope = r.Header.Get("scope")
		w.Write([]byte(`[{"id":"orders","uri":"lb://orders","predicates":["Path=/v1/orders/**"],"cacheTtl":30}]`))
	}), 0)

	defs, err := c.FetchRoutes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].ID != "orders" || defs[0].CacheTTL != 30*time.Second {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	if gotUser != "ignite" || gotScope != "SYSTEM_READ" {
		t.Errorf("identity headers = %q/%q", gotUser, gotScope)
	}
}

func TestFetchRoutesEnvelope(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"a","uri":"http://a","predicates":["Path=/a"]}]}`))
	}), 0)
	defs, err := c.FetchRoutes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].ID != "a" {
		t.Fatalf("unexpected definitions %+v", defs)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}), 3)

	if _, err := c.FetchRoutes(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), 2)

	_, err := c.FetchRoutes(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", n)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}), 5)

	if _, err := c.FetchRoutes(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("4xx should not be retried, got %d calls", n)
	}
}

func TestFetchClientAccess(t *testing.T) {
	var query string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`[{"clientId":"c1","tenant":"t","active":true,"allow":["orders:*"]}]`))
	}), 0)

	recs, err := c.FetchClientAccess(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if query != "includeInactive=false" {
		t.Errorf("query = %q", query)
	}
	if len(recs) != 1 || recs[0].ClientID != "c1" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if !recs[0].Config().IsAllowed("orders", "list") {
		t.Error("record rules not carried")
	}
}

func TestFetchClient(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client-access-control/client/c1":
			w.Write([]byte(`{"clientId":"c1","active":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}), 2)

	rec, err := c.FetchClient(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ClientID != "c1" || rec.Config().Active {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := c.FetchClient(context.Background(), "nope"); !errors.Is(err, clientaccess.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New(config.RegistryConfig{BaseURL: "registry:8090"}); err == nil {
		t.Error("expected error")
	}
}
