package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/kernel-broker/common/types"
	"github.com/scusemua/kernel-broker/common/utils"
	"golang.org/x/sync/singleflight"
)

const (
	// ScratchDocumentName is the name of the document created within the temp directory of every kernel.
	ScratchDocumentName = "execute.ipynb"

	initKey = "init"
)

type InstanceState int32

const (
	InstanceUninitialized InstanceState = iota
	InstanceInitializing
	InstanceReady
	InstanceClosed
)

func (s InstanceState) String() string {
	switch s {
	case InstanceUninitialized:
		return "uninitialized"
	case InstanceInitializing:
		return "initializing"
	case InstanceReady:
		return "ready"
	case InstanceClosed:
		return "closed"
	default:
		return fmt.Sprintf("InstanceState(%d)", int32(s))
	}
}

// Instance is a single pooled kernel.
//
// An Instance owns at most one Runtime. The Runtime is created lazily, either when the Instance is initialized or
// when it is checked out by Pool.GetJupyterKernelFromPool. Initialization is idempotent: concurrent calls to Init
// share a single start of the underlying interpreter process.
type Instance struct {
	log logger.Logger

	id   string
	name string

	pool    *Pool
	factory RuntimeFactory
	metrics MetricsProvider

	tempPrefix  string
	initTimeout time.Duration

	mu         sync.Mutex
	state      InstanceState
	runtime    Runtime
	handedOut  bool
	tempDir    string
	workingDir string
	createdAt  time.Time
	lastActive time.Time

	initGroup singleflight.Group
}

func newInstance(pool *Pool, name string) *Instance {
	instance := &Instance{
		id:          uuid.NewString(),
		name:        name,
		pool:        pool,
		factory:     pool.factory,
		metrics:     pool.metrics,
		tempPrefix:  pool.opts.TempDirectoryPrefix,
		initTimeout: pool.opts.InitTimeout(),
		state:       InstanceUninitialized,
		createdAt:   time.Now(),
	}
	config.InitLogger(&instance.log, instance)

	return instance
}

func (k *Instance) ID() string {
	return k.id
}

// Name returns the kernel name, such as "python3", of the Instance.
func (k *Instance) Name() string {
	return k.name
}

func (k *Instance) State() InstanceState {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.state
}

// WorkingDir returns the directory most recently passed to Chdir.
func (k *Instance) WorkingDir() string {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.workingDir
}

func (k *Instance) LastActive() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.lastActive
}

// TempDir returns the scratch directory of the Instance, or the empty string if there is none.
func (k *Instance) TempDir() string {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.tempDir
}

func (k *Instance) String() string {
	return fmt.Sprintf("KernelInstance[Name=%s,ID=%s,State=%s]", k.name, k.id, k.State())
}

// Init starts the interpreter process of the Instance and waits for it to become ready.
//
// Init is a no-op if the Instance is already ready. If an initialization is already in progress, Init waits for
// that initialization rather than starting another one. The initialization itself is detached from ctx: a caller
// that gives up returns ctx.Err() while the interpreter continues starting in the background.
func (k *Instance) Init(ctx context.Context) error {
	k.mu.Lock()
	switch k.state {
	case InstanceReady:
		k.mu.Unlock()
		return nil
	case InstanceClosed:
		k.mu.Unlock()
		return types.ErrKernelClosed
	}
	k.mu.Unlock()

	resultChan := k.initGroup.DoChan(initKey, func() (interface{}, error) {
		return nil, k.init()
	})

	select {
	case result := <-resultChan:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Instance) init() error {
	k.mu.Lock()
	switch k.state {
	case InstanceReady:
		k.mu.Unlock()
		return nil
	case InstanceClosed:
		k.mu.Unlock()
		return types.ErrKernelClosed
	}
	k.state = InstanceInitializing
	k.mu.Unlock()

	startedAt := time.Now()

	runtime, err := k.prepareRuntime()
	if err != nil {
		k.failInit(nil)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.initTimeout)
	defer cancel()

	k.log.Debug("Starting kernel %s (%s).", k.name, k.id)
	err = runtime.EnsureRunning(ctx)
	if err == nil {
		// Executing an empty cell blocks until the interpreter is able to process requests.
		err = runtime.ExecuteCode(ctx, "", nil)
	}

	if err != nil {
		k.log.Error("Failed to start kernel %s (%s): %v", k.name, k.id, err)
		k.metrics.RecordKernelStartFailure(k.name)

		if closed := k.failInit(runtime); closed {
			return types.ErrKernelClosed
		}

		return fmt.Errorf("failed to start kernel %s: %w", k.name, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// Close was called while the interpreter was starting. Close already released the runtime.
	if k.state == InstanceClosed {
		return types.ErrKernelClosed
	}

	k.state = InstanceReady
	k.lastActive = time.Now()
	k.metrics.RecordKernelStarted(k.name, time.Since(startedAt))
	k.log.Debug("Kernel %s (%s) is ready after %v.", k.name, k.id, time.Since(startedAt))

	return nil
}

// failInit reverts the Instance to the uninitialized state so that a later call to Init may try again.
//
// The runtime is closed, unless it has been handed out by checkout, in which case it belongs to the caller.
// failInit returns true if the Instance was closed in the meantime.
func (k *Instance) failInit(runtime Runtime) bool {
	k.mu.Lock()
	if k.state == InstanceClosed {
		k.mu.Unlock()
		return true
	}

	k.state = InstanceUninitialized
	if k.handedOut {
		k.mu.Unlock()
		return false
	}

	if runtime != nil && k.runtime == runtime {
		k.runtime = nil
	}
	k.mu.Unlock()

	if runtime != nil {
		if err := runtime.Close(); err != nil {
			k.log.Debug("Error while closing runtime of kernel %s (%s) after failed start: %v", k.name, k.id, err)
		}
	}

	return false
}

// prepareRuntime creates the scratch directory and Runtime of the Instance if they do not already exist.
// The Runtime is not started.
func (k *Instance) prepareRuntime() (Runtime, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.prepareRuntimeLocked()
}

// checkout prepares the Runtime of the Instance for a caller that takes ownership of it. From then on, a failed
// initialization leaves the Runtime open.
func (k *Instance) checkout() (Runtime, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	runtime, err := k.prepareRuntimeLocked()
	if err != nil {
		return nil, err
	}

	k.handedOut = true
	return runtime, nil
}

func (k *Instance) prepareRuntimeLocked() (Runtime, error) {
	if k.state == InstanceClosed {
		return nil, types.ErrKernelClosed
	}

	if k.runtime != nil {
		return k.runtime, nil
	}

	if k.tempDir == "" {
		tempDir, err := os.MkdirTemp("", k.tempPrefix+"-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory for kernel %s: %w", k.name, err)
		}

		k.tempDir = tempDir
	}

	runtime, err := k.factory.NewRuntime(k.name, filepath.Join(k.tempDir, ScratchDocumentName))
	if err != nil {
		return nil, err
	}

	k.runtime = runtime
	return runtime, nil
}

// Execute runs code within the kernel under the given Limits, initializing the kernel first if necessary.
//
// Timeouts, output overruns and errors raised by the code are embedded in the returned outputs. Execute only
// returns an error if the Instance is closed, cannot be started, or ctx is cancelled.
func (k *Instance) Execute(ctx context.Context, code string, limits *Limits) ([]*Output, error) {
	if k.State() == InstanceClosed {
		return nil, types.ErrKernelClosed
	}

	if err := k.Init(ctx); err != nil {
		return nil, err
	}

	k.mu.Lock()
	runtime := k.runtime
	k.lastActive = time.Now()
	k.mu.Unlock()

	if runtime == nil {
		return nil, types.ErrKernelClosed
	}

	if limits == nil {
		limits = DefaultLimits()
	}

	k.log.Debug("Executing code on kernel %s (%s): %q", k.name, k.id, utils.Truncate(code, 80))
	return runCell(ctx, runtime, limits, code)
}

// Chdir changes the working directory of the kernel.
//
// If the Runtime has not been created yet, the directory is only recorded.
func (k *Instance) Chdir(ctx context.Context, dir string) error {
	k.mu.Lock()
	if k.state == InstanceClosed {
		k.mu.Unlock()
		return types.ErrKernelClosed
	}
	runtime := k.runtime
	k.mu.Unlock()

	if runtime != nil {
		if err := runtime.Chdir(ctx, dir); err != nil {
			return err
		}
	}

	k.mu.Lock()
	k.workingDir = dir
	k.mu.Unlock()

	return nil
}

// ReturnToPool puts the Instance back into the pool from which it was taken so that another caller may reuse it.
func (k *Instance) ReturnToPool() error {
	if k.State() == InstanceClosed {
		return types.ErrKernelClosed
	}

	return k.pool.returnInstance(k)
}

// Close terminates the interpreter process of the Instance and removes its scratch directory.
//
// Close is idempotent. Failures are logged rather than returned.
func (k *Instance) Close() error {
	k.mu.Lock()
	if k.state == InstanceClosed {
		k.mu.Unlock()
		return nil
	}

	k.state = InstanceClosed
	runtime := k.runtime
	k.runtime = nil
	k.mu.Unlock()

	if runtime != nil {
		if err := runtime.Close(); err != nil {
			k.log.Warn("Error while closing kernel %s (%s): %v", k.name, k.id, err)
		}
	}

	k.removeTempDir()
	k.log.Debug("Closed kernel %s (%s).", k.name, k.id)

	return nil
}

// removeTempDir removes the scratch directory of the Instance. Failures are logged and counted.
func (k *Instance) removeTempDir() {
	k.mu.Lock()
	tempDir := k.tempDir
	k.tempDir = ""
	k.mu.Unlock()

	if tempDir == "" {
		return
	}

	if err := os.RemoveAll(tempDir); err != nil {
		k.log.Warn("Failed to remove scratch directory \"%s\" of kernel %s (%s): %v", tempDir, k.name, k.id, err)
		k.metrics.RecordTempDirCleanupFailure(k.name)
	}
}
