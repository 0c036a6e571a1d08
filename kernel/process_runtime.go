package kernel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
)

const (
	// PathPlaceholder is replaced with the path of the scratch document in kernel argv.
	PathPlaceholder = "{path}"

	// DocumentPathEnv is the environment variable through which kernels learn the path of their document.
	DocumentPathEnv = "KERNEL_BROKER_DOCUMENT"

	processExitTimeout = 5 * time.Second
)

// DefaultKernelSpecs returns the kernel specs used when none are configured.
func DefaultKernelSpecs() map[string][]string {
	return map[string][]string{
		"python3": {"python3", "-u", "-c", driverSource},
	}
}

// ProcessRuntimeFactory creates ProcessRuntime instances from a table of kernel argv.
type ProcessRuntimeFactory struct {
	log logger.Logger

	specs map[string][]string
}

// NewProcessRuntimeFactory creates a ProcessRuntimeFactory. If specs is empty, DefaultKernelSpecs is used.
func NewProcessRuntimeFactory(specs map[string][]string) *ProcessRuntimeFactory {
	if len(specs) == 0 {
		specs = DefaultKernelSpecs()
	}

	factory := &ProcessRuntimeFactory{
		specs: specs,
	}
	config.InitLogger(&factory.log, factory)

	return factory
}

func (f *ProcessRuntimeFactory) NewRuntime(name string, path string) (Runtime, error) {
	argv, loaded := f.specs[name]
	if !loaded || len(argv) == 0 {
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownKernel, name)
	}

	resolved := make([]string, len(argv))
	for i, arg := range argv {
		resolved[i] = strings.ReplaceAll(arg, PathPlaceholder, path)
	}

	return NewProcessRuntime(name, path, resolved), nil
}

// ProcessRuntime runs a kernel as a child process that speaks newline-delimited JSON on its stdin and stdout.
type ProcessRuntime struct {
	log logger.Logger

	name string
	argv []string

	mu      sync.Mutex
	path    string
	actions interface{}
	cmd     *exec.Cmd
	conn    *driverConn
	exited  chan struct{}
	closed  bool
}

func NewProcessRuntime(name string, path string, argv []string) *ProcessRuntime {
	runtime := &ProcessRuntime{
		name: name,
		path: path,
		argv: argv,
	}
	config.InitLogger(&runtime.log, runtime)

	return runtime
}

// Argv returns the command line of the kernel process.
func (r *ProcessRuntime) Argv() []string {
	return r.argv
}

func (r *ProcessRuntime) SetPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.path = path
}

func (r *ProcessRuntime) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.path
}

func (r *ProcessRuntime) SetActions(actions interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = actions
}

func (r *ProcessRuntime) Actions() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.actions
}

// EnsureRunning starts the kernel process unless it is already running.
func (r *ProcessRuntime) EnsureRunning(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRuntimeNotActive
	}

	if r.cmd != nil {
		select {
		case <-r.exited:
			// The previous process died. Start a new one.
		default:
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	r.log.Debug("Launching %s kernel \"%s\"", r.name, r.argv[0])

	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Dir = filepath.Dir(r.path)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", DocumentPathEnv, r.path))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open kernel stdin")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open kernel stdout")
	}

	if err = cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s kernel", r.name)
	}

	conn := newDriverConn(stdout, stdin)
	exited := make(chan struct{})

	go func() {
		if err := cmd.Wait(); err != nil {
			r.log.Debug("%s kernel (pid %d) exited with error: %v", r.name, cmd.Process.Pid, err)
		}
		conn.close(errors.New("process exited"))
		close(exited)
	}()

	r.cmd = cmd
	r.conn = conn
	r.exited = exited

	return nil
}

func (r *ProcessRuntime) activeConn() (*driverConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.conn == nil {
		return nil, ErrRuntimeNotActive
	}

	return r.conn, nil
}

func (r *ProcessRuntime) ExecuteCode(ctx context.Context, code string, onOutput func(*Output)) error {
	conn, err := r.activeConn()
	if err != nil {
		return err
	}

	return conn.do(ctx, &driverRequest{Op: driverOpExecute, Code: code}, onOutput)
}

func (r *ProcessRuntime) Chdir(ctx context.Context, dir string) error {
	conn, err := r.activeConn()
	if err != nil {
		return err
	}

	var failure *Output
	err = conn.do(ctx, &driverRequest{Op: driverOpChdir, Path: dir}, func(output *Output) {
		if output.OutputType == OutputTypeError {
			failure = output
		}
	})
	if err != nil {
		return err
	}

	if failure != nil {
		return fmt.Errorf("chdir \"%s\" failed: %s: %s", dir, failure.Ename, failure.Evalue)
	}

	return nil
}

// Interrupt sends SIGINT to the kernel process.
func (r *ProcessRuntime) Interrupt() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil {
		return ErrRuntimeNotActive
	}

	return r.cmd.Process.Signal(syscall.SIGINT)
}

// Close kills the kernel process and waits briefly for it to exit. Close is idempotent.
func (r *ProcessRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cmd, exited := r.cmd, r.exited
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	r.log.Debug("Killing %s kernel (pid %d).", r.name, cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.log.Error("Error while attempting to kill process: %v", err)
		return err
	}

	select {
	case <-exited:
	case <-time.After(processExitTimeout):
		r.log.Warn("%s kernel (pid %d) did not exit within %v of being killed.", r.name, cmd.Process.Pid, processExitTimeout)
	}

	return nil
}

// Pid returns the process id of the kernel, or 0 if it has not been started.
func (r *ProcessRuntime) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}

	return r.cmd.Process.Pid
}
