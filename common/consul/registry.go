package consul

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
)

const (
	// NetworkEnv names the environment variable holding the CIDR of the network on which the broker should be
	// registered when the host has several addresses.
	NetworkEnv = "KERNEL_BROKER_NETWORK"

	DefaultCheckInterval = 10 * time.Second
)

var ErrNoLocalIP = errors.New("registry: can not find local ip")

// Client provides an interface for communicating with registry
type Client struct {
	*consul.Client

	log logger.Logger
}

// NewClient returns a new Client with connection to consul
func NewClient(addr string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c}
	config.InitLogger(&cli.log, cli)

	return cli, nil
}

// RegistrationOption adjusts the registration of a service.
type RegistrationOption func(reg *consul.AgentServiceRegistration)

// WithHTTPCheck asks consul to request path on the registered address and port every interval. Services whose
// check fails are hidden from health queries, and therefore from PortRegistry.
func WithHTTPCheck(path string, interval time.Duration) RegistrationOption {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	return func(reg *consul.AgentServiceRegistration) {
		reg.Check = &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s%s", net.JoinHostPort(reg.Address, fmt.Sprintf("%d", reg.Port)), path),
			Interval:                       interval.String(),
			Timeout:                        (interval / 2).String(),
			DeregisterCriticalServiceAfter: (interval * 6).String(),
		}
	}
}

func WithTags(tags ...string) RegistrationOption {
	return func(reg *consul.AgentServiceRegistration) {
		reg.Tags = append(reg.Tags, tags...)
	}
}

// Register a service with registry. If ip is empty, the address of this host is used.
func (c *Client) Register(name string, id string, ip string, port int, opts ...RegistrationOption) error {
	if ip == "" {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return err
		}

		ip, err = SelectLocalIP(addrs, os.Getenv(NetworkEnv))
		if err != nil {
			return err
		}
	}

	reg := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Port:    port,
		Address: ip,
	}
	for _, opt := range opts {
		opt(reg)
	}

	c.log.Info("Trying to register service [ name: %s, id: %s, address: %s:%d ]", name, id, ip, port)
	return c.Agent().ServiceRegister(reg)
}

// Deregister removes the service address from registry
func (c *Client) Deregister(id string) error {
	return c.Agent().ServiceDeregister(id)
}

// SelectLocalIP picks the IPv4 address under which this host registers itself.
//
// Loopback addresses are ignored. If network is a valid CIDR, the first address inside it wins; otherwise the
// first address found is used.
func SelectLocalIP(addrs []net.Addr, network string) (string, error) {
	var ips []net.IP
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP)
		}
	}

	if len(ips) == 0 {
		return "", ErrNoLocalIP
	}

	if network == "" || len(ips) == 1 {
		return ips[0].String(), nil
	}

	_, dedicated, err := net.ParseCIDR(network)
	if err != nil {
		return ips[0].String(), nil
	}

	for _, ip := range ips {
		if dedicated.Contains(ip) {
			return ip.String(), nil
		}
	}

	return ips[0].String(), nil
}
