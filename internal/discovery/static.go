package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Static serves instances from configuration. It can be updated at runtime
// when the configuration is reloaded.
type Static struct {
	mu        sync.RWMutex
	instances map[string][]*Instance
}

// NewStatic builds a static discoverer from service -> URL mappings. A value
// may list several URLs separated by commas.
func NewStatic(backends map[string]string) (*Static, error) {
	s := &Static{}
	if err := s.Update(backends); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces all services.
func (s *Static) Update(backends map[string]string) error {
	instances := make(map[string][]*Instance, len(backends))
	for name, raw := range backends {
		for i, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			inst, err := parseInstance(name, i, u)
			if err != nil {
				return err
			}
			instances[name] = append(instances[name], inst)
		}
	}
	s.mu.Lock()
	s.instances = instances
	s.mu.Unlock()
	return nil
}

func parseInstance(name string, i int, raw string) (*Instance, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend %s: %q is not an absolute URL", name, raw)
	}
	inst := &Instance{
		ID:      name + "-" + strconv.Itoa(i),
		Name:    name,
		Scheme:  u.Scheme,
		Address: u.Hostname(),
		Health:  HealthPassing,
	}
	if p := u.Port(); p != "" {
		inst.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
	}
	return inst, nil
}

// Discover returns the configured instances of service.
func (s *Static) Discover(_ context.Context, service string) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.instances[service]
	if !ok || len(list) == 0 {
		return nil, ErrServiceNotFound
	}
	return append([]*Instance(nil), list...), nil
}

// Close is a no-op.
func (s *Static) Close() error { return nil }
