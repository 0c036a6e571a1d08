package consul

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
	"github.com/scusemua/kernel-broker/session"
)

var ErrNoHealthyInstance = errors.New("no healthy instance of the service is registered")

var (
	_ session.PortRegistry    = (*PortRegistry)(nil)
	_ session.AddressRegistry = (*PortRegistry)(nil)
)

type endpoint struct {
	host string
	port int
}

// PortRegistry looks up the addresses of services registered with consul. Only instances whose health checks
// pass are considered. An address is cached until it is forgotten.
type PortRegistry struct {
	log logger.Logger

	client *Client

	mu        sync.Mutex
	endpoints map[string]endpoint
}

func NewPortRegistry(client *Client) *PortRegistry {
	registry := &PortRegistry{
		client:    client,
		endpoints: make(map[string]endpoint),
	}
	config.InitLogger(&registry.log, registry)

	return registry
}

func (r *PortRegistry) GetPort(ctx context.Context, service string) (int, error) {
	_, port, err := r.GetAddress(ctx, service)
	return port, err
}

// GetAddress returns the host and port of the first healthy instance of service. The host is the address the
// instance registered with, or the address of its node if it registered none.
func (r *PortRegistry) GetAddress(ctx context.Context, service string) (string, int, error) {
	r.mu.Lock()
	cached, loaded := r.endpoints[service]
	r.mu.Unlock()

	if loaded {
		return cached.host, cached.port, nil
	}

	entries, _, err := r.client.Health().Service(service, "", true, (&consul.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", 0, fmt.Errorf("failed to look up service \"%s\" in consul: %w", service, err)
	}

	for _, entry := range entries {
		if entry.Service == nil || entry.Service.Port <= 0 {
			continue
		}

		found := endpoint{host: entry.Service.Address, port: entry.Service.Port}
		if found.host == "" && entry.Node != nil {
			found.host = entry.Node.Address
		}
		r.log.Debug("Service \"%s\" is listening on %s:%d (instance %s).", service, found.host, found.port, entry.Service.ID)

		r.mu.Lock()
		r.endpoints[service] = found
		r.mu.Unlock()

		return found.host, found.port, nil
	}

	return "", 0, fmt.Errorf("%w: \"%s\"", ErrNoHealthyInstance, service)
}

func (r *PortRegistry) ForgetPort(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.endpoints, service)
}
