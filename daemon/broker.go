package daemon

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/kernel-broker/common/consul"
	"github.com/scusemua/kernel-broker/common/metrics"
	"github.com/scusemua/kernel-broker/common/storage"
	"github.com/scusemua/kernel-broker/common/utils"
	"github.com/scusemua/kernel-broker/daemon/domain"
	"github.com/scusemua/kernel-broker/kernel"
	"github.com/scusemua/kernel-broker/session"
)

var ErrBrokerClosed = errors.New("broker is closed")

// Broker owns the kernel pool and the session connector of one process, together with the infrastructure they
// report to: the metrics server, the blob store and the Consul registration.
type Broker struct {
	log logger.Logger

	id   string
	opts *domain.BrokerOptions

	pool      *kernel.Pool
	connector *session.Connector
	governor  *session.RestartGovernor
	metrics   *metrics.PrometheusManager
	blobs     storage.Provider
	consul    *consul.Client

	mu         sync.Mutex
	started    bool
	registered bool
	closed     bool
}

// BrokerBuilder assembles a Broker. Collaborators that are not set explicitly are derived from the options.
type BrokerBuilder struct {
	id        string
	opts      *domain.BrokerOptions
	factory   kernel.RuntimeFactory
	ports     session.PortRegistry
	restarter session.Restarter
	signaler  session.ProcessSignaler
}

func NewBrokerBuilder(opts *domain.BrokerOptions) *BrokerBuilder {
	if opts == nil {
		opts = domain.DefaultBrokerOptions()
	}

	return &BrokerBuilder{
		id:   uuid.NewString(),
		opts: opts,
	}
}

func (b *BrokerBuilder) WithID(id string) *BrokerBuilder {
	b.id = id
	return b
}

// WithRuntimeFactory replaces the process-backed kernel runtimes built from the configured kernel specs.
func (b *BrokerBuilder) WithRuntimeFactory(factory kernel.RuntimeFactory) *BrokerBuilder {
	b.factory = factory
	return b
}

// WithPortRegistry replaces the Consul or file-based port lookup selected by the options.
func (b *BrokerBuilder) WithPortRegistry(ports session.PortRegistry) *BrokerBuilder {
	b.ports = ports
	return b
}

// WithRestarter replaces the configured restart command.
func (b *BrokerBuilder) WithRestarter(restarter session.Restarter) *BrokerBuilder {
	b.restarter = restarter
	return b
}

func (b *BrokerBuilder) WithSignaler(signaler session.ProcessSignaler) *BrokerBuilder {
	b.signaler = signaler
	return b
}

// Build creates the Broker. The blob store, if any, is connected before Build returns; nothing else is started.
func (b *BrokerBuilder) Build(ctx context.Context) (*Broker, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}

	broker := &Broker{
		id:      b.id,
		opts:    b.opts,
		metrics: metrics.NewPrometheusManager(b.opts.PrometheusPort),
	}
	config.InitLogger(&broker.log, broker)

	if b.opts.ConsulAddr != "" {
		client, err := consul.NewClient(b.opts.ConsulAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create consul client: %w", err)
		}
		broker.consul = client
	}

	factory := b.factory
	if factory == nil {
		specs := kernel.DefaultKernelSpecs()
		maps.Copy(specs, b.opts.KernelSpecs)
		factory = kernel.NewProcessRuntimeFactory(specs)
	}
	broker.pool = kernel.NewPool(factory, &b.opts.KernelPoolOptions, broker.metrics)

	restarter := b.restarter
	if restarter == nil {
		restarter = session.NewCommandRestarter(b.opts.RestartCommand)
	}
	broker.governor = session.NewRestartGovernor(restarter, b.opts.StartupTimeout(), b.opts.RestartTimeout())

	ports := b.ports
	if ports == nil {
		if broker.consul != nil {
			ports = consul.NewPortRegistry(broker.consul)
		} else {
			ports = session.NewFilePortRegistry(b.opts.PortDirectory)
		}
	}

	blobs, err := storage.New(ctx, &b.opts.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the \"%s\" blob store: %w", b.opts.BlobStore, err)
	}
	broker.blobs = blobs

	connectorOptions := []session.ConnectorOption{session.WithMetrics(broker.metrics)}
	if blobs != nil {
		connectorOptions = append(connectorOptions, session.WithBlobStore(blobs))
	}
	if b.signaler != nil {
		connectorOptions = append(connectorOptions, session.WithSignaler(b.signaler))
	}

	broker.connector, err = session.NewConnector(&b.opts.SessionOptions, ports, broker.governor, connectorOptions...)
	if err != nil {
		_ = broker.closeBlobStore()
		return nil, err
	}

	broker.metrics.SetStatsSources(broker.pool, broker.connector)

	return broker, nil
}

func (b *Broker) ID() string {
	return b.id
}

func (b *Broker) Pool() *kernel.Pool {
	return b.pool
}

func (b *Broker) Connector() *session.Connector {
	return b.connector
}

func (b *Broker) Governor() *session.RestartGovernor {
	return b.governor
}

func (b *Broker) Metrics() *metrics.PrometheusManager {
	return b.metrics
}

// BlobStore returns the connected blob store, or nil if blobs are not saved.
func (b *Broker) BlobStore() storage.Provider {
	return b.blobs
}

// Start serves metrics, pre-warms the configured kernel pools and registers the broker with Consul.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	if b.started {
		return nil
	}

	if err := b.metrics.Start(); err != nil {
		return err
	}
	b.started = true

	if names := b.opts.PrewarmKernelNames(); len(names) > 0 {
		b.log.Info("Pre-warming %d kernel pool(s): %v", len(names), names)
		b.pool.Prewarm(names...)
	}

	if b.consul != nil {
		var registration []consul.RegistrationOption
		if b.opts.PrometheusPort > 0 {
			registration = append(registration, consul.WithHTTPCheck("/metrics", consul.DefaultCheckInterval))
		}

		if err := b.consul.Register(b.opts.ServiceName, b.id, "", b.opts.PrometheusPort, registration...); err != nil {
			b.log.Error("%s Failed to register in consul: %v", utils.Cross(), err)
			return err
		}
		b.registered = true
		b.log.Info("%s Registered \"%s\" in consul as %s.", utils.Check(), b.opts.ServiceName, b.id)
	}

	return nil
}

// Close releases everything the Broker owns. Kernels already handed out by the pool are unaffected. Close is
// idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started, registered := b.started, b.registered
	b.mu.Unlock()

	b.log.Info("Shutting down broker %s.", b.id)

	var errs []error
	if registered {
		if err := b.consul.Deregister(b.id); err != nil {
			b.log.Warn("Failed to deregister %s from consul: %v", b.id, err)
			errs = append(errs, err)
		}
	}

	b.pool.Shutdown()
	b.connector.CloseAll()

	if started {
		if err := b.metrics.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := b.closeBlobStore(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (b *Broker) closeBlobStore() error {
	if b.blobs == nil {
		return nil
	}

	if err := b.blobs.Close(); err != nil {
		b.log.Warn("Failed to close the blob store: %v", err)
		return err
	}

	return nil
}
