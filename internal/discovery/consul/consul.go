// Package consul discovers backend instances from the Consul health API.
package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/discovery"
)

// Discoverer implements discovery.Discoverer using Consul
type Discoverer struct {
	client     *consulapi.Client
	datacenter string
	tag        string
}

// New creates a new Consul discoverer
func New(cfg config.ConsulConfig) (*Discoverer, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter

	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	// Test connection
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	return &Discoverer{client: client, datacenter: cfg.Datacenter, tag: cfg.Tag}, nil
}

// Discover returns all healthy instances of a service
func (d *Discoverer) Discover(ctx context.Context, service string) ([]*discovery.Instance, error) {
	queryOpts := (&consulapi.QueryOptions{Datacenter: d.datacenter}).WithContext(ctx)

	entries, _, err := d.client.Health().Service(service, d.tag, true, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	if len(entries) == 0 {
		return nil, discovery.ErrServiceNotFound
	}

	instances := make([]*discovery.Instance, 0, len(entries))
	for _, entry := range entries {
		inst := &discovery.Instance{
			ID:       entry.Service.ID,
			Name:     entry.Service.Service,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}
		if s := entry.Service.Meta["scheme"]; s != "" {
			inst.Scheme = s
		}

		// Use node address if service address is empty
		if inst.Address == "" {
			inst.Address = entry.Node.Address
		}

		instances = append(instances, inst)
	}
	return instances, nil
}

// convertHealth converts Consul health checks to a discovery health status
func convertHealth(checks consulapi.HealthChecks) discovery.HealthStatus {
	for _, check := range checks {
		if check.Status == consulapi.HealthCritical {
			return discovery.HealthCritical
		}
		if check.Status == consulapi.HealthWarning {
			return discovery.HealthWarning
		}
	}
	return discovery.HealthPassing
}

// Close is a no-op; the Consul client holds no persistent connection.
func (d *Discoverer) Close() error { return nil }
