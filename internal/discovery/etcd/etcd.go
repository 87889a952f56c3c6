// Package etcd discovers backend instances registered under an etcd prefix.
// Each instance is a JSON discovery.Instance stored at
// <prefix><service>/<instance id>.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/discovery"
	"github.com/wudi/ignite/internal/logging"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const defaultPrefix = "/services/"

// Discoverer implements discovery.Discoverer using etcd
type Discoverer struct {
	client *clientv3.Client
	prefix string
}

// New creates a new etcd discoverer
func New(cfg config.EtcdConfig) (*Discoverer, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd discovery: endpoints are required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}

	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Discoverer{client: client, prefix: prefix}, nil
}

// Discover returns all healthy instances of a service
func (d *Discoverer) Discover(ctx context.Context, service string) ([]*discovery.Instance, error) {
	resp, err := d.client.Get(ctx, d.prefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	instances := make([]*discovery.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst discovery.Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			logging.Warn("Skipping malformed etcd instance",
				zap.String("key", string(kv.Key)),
				zap.Error(err),
			)
			continue
		}
		if inst.Health != discovery.HealthPassing && inst.Health != "" {
			continue
		}
		if inst.Name == "" {
			inst.Name = service
		}
		instances = append(instances, &inst)
	}
	if len(instances) == 0 {
		return nil, discovery.ErrServiceNotFound
	}
	return instances, nil
}

// Close closes the etcd client
func (d *Discoverer) Close() error {
	return d.client.Close()
}
