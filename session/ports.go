package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
)

// PortRegistry locates the port on which a local service is listening.
type PortRegistry interface {
	// GetPort returns the port of the named service.
	GetPort(ctx context.Context, service string) (int, error)

	// ForgetPort discards any cached port of the named service so that the next GetPort looks it up again.
	ForgetPort(service string)
}

// AddressRegistry is implemented by a PortRegistry that also knows the host of a service. A Connector whose
// registry implements it dials that host instead of its own; an empty host means the Connector's host.
type AddressRegistry interface {
	PortRegistry

	GetAddress(ctx context.Context, service string) (host string, port int, err error)
}

// FilePortRegistry reads ports from "<service>.port" files in a directory, as written by the servers
// themselves when they start.
type FilePortRegistry struct {
	log logger.Logger

	dir string

	mu    sync.Mutex
	ports map[string]int
}

func NewFilePortRegistry(dir string) *FilePortRegistry {
	registry := &FilePortRegistry{
		dir:   dir,
		ports: make(map[string]int),
	}
	config.InitLogger(&registry.log, registry)

	return registry
}

// PortFile returns the path of the file holding the port of the named service.
func (r *FilePortRegistry) PortFile(service string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.port", service))
}

func (r *FilePortRegistry) GetPort(ctx context.Context, service string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if port, loaded := r.ports[service]; loaded {
		return port, nil
	}

	contents, err := os.ReadFile(r.PortFile(service))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read port of service \"%s\"", service)
	}

	port, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port \"%s\" for service \"%s\"", strings.TrimSpace(string(contents)), service)
	}

	r.log.Debug("Service \"%s\" is listening on port %d.", service, port)
	r.ports[service] = port
	return port, nil
}

func (r *FilePortRegistry) ForgetPort(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.ports, service)
}
