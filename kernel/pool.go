package kernel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/kernel-broker/common/configuration"
	"github.com/scusemua/kernel-broker/common/queue"
	"github.com/scusemua/kernel-broker/common/types"
	"github.com/scusemua/kernel-broker/common/utils"
)

const (
	DefaultPoolSize = configuration.DefaultPoolSize

	// MinPoolSize is the number of kernels that idle eviction always leaves in a pool.
	MinPoolSize = 1

	DefaultPoolTimeout = time.Duration(configuration.DefaultIdleTimeoutSeconds) * time.Second
	DefaultInitStagger = time.Duration(configuration.DefaultInitStaggerMillis) * time.Millisecond
)

var ErrPoolShutdown = errors.New("kernel pool has been shut down")

// Stats describes the pool of a single kernel name.
type Stats struct {
	Name       string    `json:"name"`
	Size       int       `json:"size"`
	Hits       int       `json:"hits"`
	Misses     int       `json:"misses"`
	Evictions  int       `json:"evictions"`
	LastActive time.Time `json:"last_active"`
}

type request struct {
	size        int
	idleTimeout time.Duration
}

// RequestOption overrides a pool parameter for a single request.
type RequestOption func(*request)

// WithSize sets the target number of warm kernels kept for the requested name.
func WithSize(size int) RequestOption {
	return func(r *request) {
		if size > 0 {
			r.size = size
		}
	}
}

// WithIdleTimeout sets the time without requests after which the pool of the requested name is shrunk.
// A timeout of zero disables idle eviction.
func WithIdleTimeout(timeout time.Duration) RequestOption {
	return func(r *request) {
		if timeout >= 0 {
			r.idleTimeout = timeout
		}
	}
}

// Pool maintains, for each kernel name, a FIFO of pre-warmed kernels.
//
// Every request refills the pool of the requested name in the background, staggering the starts of the new
// kernels. After a period without requests, all but MinPoolSize kernels of that name are closed, oldest first.
type Pool struct {
	log logger.Logger

	factory RuntimeFactory
	opts    *configuration.KernelPoolOptions
	metrics MetricsProvider

	mu         sync.Mutex
	pools      map[string]*queue.Fifo[*Instance]
	lastActive map[string]time.Time
	idleTimers map[string]*time.Timer
	stats      map[string]*Stats
	shutdown   bool
}

// NewPool creates a new Pool.
//
// If opts is nil, the default options are used. If metrics is nil, observations are discarded.
func NewPool(factory RuntimeFactory, opts *configuration.KernelPoolOptions, metrics MetricsProvider) *Pool {
	if opts == nil {
		opts = configuration.DefaultKernelPoolOptions()
	}
	_ = opts.Validate()

	if metrics == nil {
		metrics = noopMetrics{}
	}

	pool := &Pool{
		factory:    factory,
		opts:       opts,
		metrics:    metrics,
		pools:      make(map[string]*queue.Fifo[*Instance]),
		lastActive: make(map[string]time.Time),
		idleTimers: make(map[string]*time.Timer),
		stats:      make(map[string]*Stats),
	}
	config.InitLogger(&pool.log, pool)

	return pool
}

func (p *Pool) newRequest(opts []RequestOption) *request {
	req := &request{
		size:        p.opts.PoolSize,
		idleTimeout: p.opts.IdleTimeout(),
	}

	for _, opt := range opts {
		opt(req)
	}

	return req
}

// GetFromPool removes the oldest kernel with the given name from the pool and returns it once it is ready.
//
// The pool is refilled in the background. If the kernel fails to start, it is closed and the error is returned.
func (p *Pool) GetFromPool(ctx context.Context, name string, opts ...RequestOption) (*Instance, error) {
	req := p.newRequest(opts)

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}

	p.fillPoolLocked(name, req.size, req.idleTimeout)

	fifo := p.pools[name]
	instance, _ := fifo.Dequeue()
	p.recordCheckoutLocked(name, instance.State() == InstanceReady)
	p.metrics.SetPoolSize(name, fifo.Len())
	p.mu.Unlock()

	if err := instance.Init(ctx); err != nil {
		p.log.Error("Kernel %s taken from the pool failed to start: %v", name, err)
		_ = instance.Close()
		return nil, err
	}

	return instance, nil
}

// GetJupyterKernelFromPool returns the Runtime of the oldest kernel with the given name without waiting for it
// to start.
//
// If the pool is empty, GetJupyterKernelFromPool returns nil and the caller should create a kernel on demand.
// Either way the pool is refilled in the background. The returned Runtime is configured with path and actions,
// while starting it, changing into the directory of path and removing the scratch directory happen in the
// background.
func (p *Pool) GetJupyterKernelFromPool(name string, path string, actions interface{}, opts ...RequestOption) Runtime {
	req := p.newRequest(opts)

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}

	fifo := p.poolLocked(name)

	var instance *Instance
	if fifo.Len() > 0 {
		instance, _ = fifo.Dequeue()
	}

	p.fillPoolLocked(name, req.size, req.idleTimeout)
	p.metrics.SetPoolSize(name, fifo.Len())

	if instance == nil {
		p.recordCheckoutLocked(name, false)
		p.mu.Unlock()
		p.log.Debug("No warm %s kernel available.", name)
		return nil
	}

	p.recordCheckoutLocked(name, instance.State() == InstanceReady)
	p.mu.Unlock()

	runtime, err := instance.checkout()
	if err != nil {
		p.log.Error("Failed to prepare warm %s kernel: %v", name, err)
		_ = instance.Close()
		return nil
	}

	runtime.SetPath(path)
	runtime.SetActions(actions)

	go p.finishCheckout(instance, path)

	return runtime
}

// finishCheckout starts a kernel handed out by GetJupyterKernelFromPool, moves it into the directory of path
// and removes its scratch directory. Failures are logged, and the runtime stays with the caller either way.
func (p *Pool) finishCheckout(instance *Instance, path string) {
	ctx := context.Background()
	defer instance.removeTempDir()

	if err := instance.Init(ctx); err != nil {
		p.log.Warn("Warm %s kernel failed to start after checkout: %v", instance.Name(), err)
		return
	}

	head, _ := utils.PathSplit(path)
	if head != "" {
		if err := instance.Chdir(ctx, head); err != nil {
			p.log.Warn("Failed to change directory of %s kernel to \"%s\": %v", instance.Name(), head, err)
		}
	}
}

// fillPoolLocked resets the idle timer of the named pool, then adds kernels until the pool holds more than size.
//
// Each new kernel starts in the background after a delay that grows linearly with its position in this batch,
// beginning one stagger step after the request. A kernel checked out before then is started by the checkout.
func (p *Pool) fillPoolLocked(name string, size int, idleTimeout time.Duration) {
	p.setIdleTimeoutLocked(name, idleTimeout)

	fifo := p.poolLocked(name)
	stagger := p.opts.InitStagger()

	for created := 0; fifo.Len() <= size; created++ {
		instance := newInstance(p, name)
		fifo.Enqueue(instance)

		delay := time.Duration(created+1) * stagger
		time.AfterFunc(delay, func() {
			p.warmUp(instance)
		})
	}
}

func (p *Pool) warmUp(instance *Instance) {
	err := instance.Init(context.Background())
	if err != nil && !errors.Is(err, types.ErrKernelClosed) {
		p.log.Debug("Background start of %s kernel %s failed: %v", instance.Name(), instance.ID(), err)
	}
}

// setIdleTimeoutLocked records a request for the named pool and schedules its eviction.
func (p *Pool) setIdleTimeoutLocked(name string, timeout time.Duration) {
	now := time.Now()
	p.lastActive[name] = now

	if timer, loaded := p.idleTimers[name]; loaded {
		timer.Stop()
		delete(p.idleTimers, name)
	}

	if timeout <= 0 {
		return
	}

	p.idleTimers[name] = time.AfterFunc(timeout, func() {
		p.evictIdle(name, now)
	})
}

// evictIdle closes the oldest kernels of the named pool, keeping MinPoolSize of them, unless the pool was
// requested again after scheduledAt.
func (p *Pool) evictIdle(name string, scheduledAt time.Time) {
	p.mu.Lock()
	if p.shutdown || p.lastActive[name].After(scheduledAt) {
		p.mu.Unlock()
		return
	}

	fifo := p.poolLocked(name)

	var evicted []*Instance
	if n := fifo.Len() - MinPoolSize; n > 0 {
		evicted = fifo.DequeueN(n)
		p.statsLocked(name).Evictions += len(evicted)
	}
	p.metrics.SetPoolSize(name, fifo.Len())
	p.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	p.log.Debug("Evicting %d idle %s kernel(s).", len(evicted), name)
	p.metrics.RecordEviction(name, len(evicted))

	for _, instance := range evicted {
		_ = instance.Close()
	}
}

func (p *Pool) returnInstance(instance *Instance) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		_ = instance.Close()
		return ErrPoolShutdown
	}

	fifo := p.poolLocked(instance.Name())
	fifo.Enqueue(instance)
	p.metrics.SetPoolSize(instance.Name(), fifo.Len())
	p.mu.Unlock()

	return nil
}

func (p *Pool) poolLocked(name string) *queue.Fifo[*Instance] {
	fifo, loaded := p.pools[name]
	if !loaded {
		fifo = queue.NewFifo[*Instance](p.opts.PoolSize + 1)
		p.pools[name] = fifo
	}

	return fifo
}

func (p *Pool) statsLocked(name string) *Stats {
	stats, loaded := p.stats[name]
	if !loaded {
		stats = &Stats{Name: name}
		p.stats[name] = stats
	}

	return stats
}

func (p *Pool) recordCheckoutLocked(name string, hit bool) {
	stats := p.statsLocked(name)
	if hit {
		stats.Hits++
		p.metrics.RecordPoolHit(name)
	} else {
		stats.Misses++
		p.metrics.RecordPoolMiss(name)
	}
}

// Size returns the number of kernels currently pooled under the given name.
func (p *Pool) Size(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fifo, loaded := p.pools[name]; loaded {
		return fifo.Len()
	}

	return 0
}

// Stats returns a snapshot of every named pool, sorted by name.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]Stats, 0, len(p.pools))
	for name, fifo := range p.pools {
		stats := *p.statsLocked(name)
		stats.Size = fifo.Len()
		stats.LastActive = p.lastActive[name]
		result = append(result, stats)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// Prewarm fills the pools of the given kernel names without handing out a kernel.
func (p *Pool) Prewarm(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}

	for _, name := range names {
		p.fillPoolLocked(name, p.opts.PoolSize, p.opts.IdleTimeout())
		p.metrics.SetPoolSize(name, p.pools[name].Len())
	}
}

// Shutdown stops every idle timer and closes every pooled kernel. Kernels already handed out are unaffected.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true

	for name, timer := range p.idleTimers {
		timer.Stop()
		delete(p.idleTimers, name)
	}

	instances := make([]*Instance, 0)
	for name, fifo := range p.pools {
		instances = append(instances, fifo.Drain()...)
		p.metrics.SetPoolSize(name, 0)
	}
	p.mu.Unlock()

	p.log.Debug("Shutting down kernel pool. Closing %d kernel(s).", len(instances))

	for _, instance := range instances {
		_ = instance.Close()
	}
}
