package route

import (
	"sort"
	"sync"
)

// DocEntry is a route that exposes API documentation.
type DocEntry struct {
	Service string   `json:"service"`
	RouteID string   `json:"routeId"`
	URI     string   `json:"uri"`
	Paths   []string `json:"paths"`
}

// DocsRegistry lists the services with documented routes. It is replaced
// with every route generation.
type DocsRegistry struct {
	mu       sync.RWMutex
	services map[string][]DocEntry
}

// NewDocsRegistry creates an empty registry.
func NewDocsRegistry() *DocsRegistry {
	return &DocsRegistry{services: make(map[string][]DocEntry)}
}

// Replace swaps in the entries of a new generation.
func (d *DocsRegistry) Replace(entries []DocEntry) {
	services := make(map[string][]DocEntry)
	for _, e := range entries {
		services[e.Service] = append(services[e.Service], e)
	}
	d.mu.Lock()
	d.services = services
	d.mu.Unlock()
}

// Services returns the documented service names, sorted.
func (d *DocsRegistry) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.services))
	for s := range d.services {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Entries returns the documented routes of one service.
func (d *DocsRegistry) Entries(service string) []DocEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DocEntry(nil), d.services[service]...)
}
