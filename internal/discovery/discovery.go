// Package discovery resolves lb://service route URIs to backend instances.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HealthStatus represents the health status of an instance
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Instance is one backend instance of a service.
type Instance struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Scheme   string            `json:"scheme,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
}

// URL returns the base URL of the instance.
func (i *Instance) URL() *url.URL {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := i.Address
	if i.Port > 0 {
		host += ":" + strconv.Itoa(i.Port)
	}
	return &url.URL{Scheme: scheme, Host: host}
}

// Discoverer lists the healthy instances of a service.
type Discoverer interface {
	Discover(ctx context.Context, service string) ([]*Instance, error)
	Close() error
}

// ErrServiceNotFound is returned when a service has no healthy instance.
var ErrServiceNotFound = errors.New("service not found")

// DefaultCacheTTL bounds how long a discovered instance list is reused.
const DefaultCacheTTL = 10 * time.Second

// Resolver picks an instance per request, round robin over a cached
// instance list.
type Resolver struct {
	d       Discoverer
	cache   *expirable.LRU[string, []*Instance]
	mu      sync.Mutex
	counter map[string]*atomic.Uint64
}

// NewResolver creates a resolver over d.
func NewResolver(d Discoverer, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		d:       d,
		cache:   expirable.NewLRU[string, []*Instance](1024, nil, ttl),
		counter: make(map[string]*atomic.Uint64),
	}
}

// Resolve returns the base URL of the next instance of service.
func (r *Resolver) Resolve(ctx context.Context, service string) (*url.URL, error) {
	instances, ok := r.cache.Get(service)
	if !ok {
		var err error
		instances, err = r.d.Discover(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("discovering %s: %w", service, err)
		}
		if len(instances) == 0 {
			return nil, fmt.Errorf("%s: %w", service, ErrServiceNotFound)
		}
		r.cache.Add(service, instances)
	}
	n := r.next(service)
	return instances[n%uint64(len(instances))].URL(), nil
}

func (r *Resolver) next(service string) uint64 {
	r.mu.Lock()
	c, ok := r.counter[service]
	if !ok {
		c = new(atomic.Uint64)
		r.counter[service] = c
	}
	r.mu.Unlock()
	return c.Add(1) - 1
}

// Invalidate drops the cached instances of service.
func (r *Resolver) Invalidate(service string) {
	r.cache.Remove(service)
}

// Close closes the underlying discoverer.
func (r *Resolver) Close() error { return r.d.Close() }
