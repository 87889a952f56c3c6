// Package registry is the HTTP client of the service registry that serves
// route definitions and client access configuration.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"github.com/wudi/ignite/internal/clientaccess"
	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/route"
	"go.uber.org/zap"
)

const (
	headerUserID = "userId"
	headerScope  = "scope"
	systemScope  = "SYSTEM_READ"

	clientAccessPath = "/client-access-control"
	maxBodySize      = 16 << 20
)

// StatusError is returned for non-2xx registry responses.
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry %s returned %d: %s", e.URL, e.Status, e.Body)
}

// Client talks to the registry. It is safe for concurrent use.
type Client struct {
	baseURL   *url.URL
	routePath string
	userID    string
	http      *http.Client
	retry     config.RetryConfig
}

// New creates a registry client from config.
func New(cfg config.RegistryConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("registry base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("registry base url %q must be absolute", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	routePath := cfg.RoutePath
	if routePath == "" {
		routePath = "/routes"
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "gateway"
	}
	return &Client{
		baseURL:   u,
		routePath: routePath,
		userID:    userID,
		http:      &http.Client{Timeout: timeout},
		retry:     cfg.Retry,
	}, nil
}

// FetchRoutes returns the route definitions served at the route path.
func (c *Client) FetchRoutes(ctx context.Context) ([]route.Definition, error) {
	body, err := c.get(ctx, c.routePath, nil)
	if err != nil {
		return nil, err
	}
	var defs []route.Definition
	if err := json.Unmarshal(listPayload(body, "routes"), &defs); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return defs, nil
}

// FetchClientAccess returns all active client configurations.
func (c *Client) FetchClientAccess(ctx context.Context) ([]clientaccess.Record, error) {
	body, err := c.get(ctx, clientAccessPath, url.Values{"includeInactive": {"false"}})
	if err != nil {
		return nil, err
	}
	var recs []clientaccess.Record
	if err := json.Unmarshal(listPayload(body, "clients"), &recs); err != nil {
		return nil, fmt.Errorf("decode client access: %w", err)
	}
	return recs, nil
}

// FetchClient returns one client's configuration. An unknown client yields
// clientaccess.ErrClientNotFound.
func (c *Client) FetchClient(ctx context.Context, clientID string) (*clientaccess.Record, error) {
	body, err := c.get(ctx, clientAccessPath+"/client/"+url.PathEscape(clientID), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, clientaccess.ErrClientNotFound
		}
		return nil, err
	}
	if data := gjson.GetBytes(body, "data"); data.IsObject() {
		body = []byte(data.Raw)
	}
	var rec clientaccess.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode client %s: %w", clientID, err)
	}
	return &rec, nil
}

// listPayload accepts either a bare JSON array or an envelope carrying the
// array under "data" or key.
func listPayload(body []byte, key string) []byte {
	res := gjson.ParseBytes(body)
	if res.IsArray() {
		return body
	}
	for _, k := range []string{"data", key} {
		if v := res.Get(k); v.IsArray() {
			return []byte(v.Raw)
		}
	}
	return body
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if c.retry.InitialBackoff > 0 {
		bo.InitialInterval = c.retry.InitialBackoff
	}
	if c.retry.MaxBackoff > 0 {
		bo.MaxInterval = c.retry.MaxBackoff
	}
	if c.retry.Multiplier >= 1 {
		bo.Multiplier = c.retry.Multiplier
	}
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retry.MaxRetries)), ctx)
}

// get performs a GET with bounded exponential retries. Client errors (4xx)
// are not retried.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()
	target := u.String()

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set(headerUserID, c.userID)
		req.Header.Set(headerScope, systemScope)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			se := &StatusError{Status: resp.StatusCode, URL: target, Body: truncate(string(body), 256)}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(se)
			}
			return nil, se
		}
		return body, nil
	}

	notify := func(err error, wait time.Duration) {
		logging.Warn("Registry request failed, retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	body, err := backoff.RetryNotifyWithData(op, c.newBackOff(ctx), notify)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
