package kernel

import (
	"context"
	"errors"
	"fmt"
)

const (
	OutputTypeStream        = "stream"
	OutputTypeExecuteResult = "execute_result"
	OutputTypeDisplayData   = "display_data"
	OutputTypeError         = "error"

	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var (
	ErrUnknownKernel    = errors.New("no kernel spec is registered under the specified name")
	ErrKernelNotReady   = errors.New("kernel has not been initialized")
	ErrRuntimeNotActive = errors.New("kernel runtime is not running")
)

// Output is a single output message produced by executing code within a kernel.
type Output struct {
	OutputType string                 `json:"output_type"`
	Name       string                 `json:"name,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Ename      string                 `json:"ename,omitempty"`
	Evalue     string                 `json:"evalue,omitempty"`
	Traceback  []string               `json:"traceback,omitempty"`
}

// Size returns the number of bytes that the Output counts against output limits.
func (o *Output) Size() int {
	size := len(o.Text) + len(o.Ename) + len(o.Evalue)
	for _, line := range o.Traceback {
		size += len(line)
	}

	for mime, value := range o.Data {
		size += len(mime)
		switch v := value.(type) {
		case string:
			size += len(v)
		default:
			size += len(fmt.Sprintf("%v", v))
		}
	}

	return size
}

func (o *Output) String() string {
	switch o.OutputType {
	case OutputTypeStream:
		return fmt.Sprintf("Output[%s/%s, %d bytes]", o.OutputType, o.Name, len(o.Text))
	case OutputTypeError:
		return fmt.Sprintf("Output[%s, %s: %s]", o.OutputType, o.Ename, o.Evalue)
	default:
		return fmt.Sprintf("Output[%s, %d bytes]", o.OutputType, o.Size())
	}
}

// NewErrorOutput creates an error Output with the given exception name and value.
func NewErrorOutput(ename string, evalue string) *Output {
	return &Output{
		OutputType: OutputTypeError,
		Ename:      ename,
		Evalue:     evalue,
		Traceback:  []string{},
	}
}

// Runtime is the control handle of a single interpreter process.
//
// All methods that block accept a context.Context. ExecuteCode must invoke onOutput sequentially and must not
// invoke it after ExecuteCode has returned.
type Runtime interface {
	// EnsureRunning starts the interpreter process if it is not already running.
	EnsureRunning(ctx context.Context) error

	// ExecuteCode runs the given code, passing every output produced to onOutput (which may be nil).
	ExecuteCode(ctx context.Context, code string, onOutput func(*Output)) error

	// SetPath records the path of the document on whose behalf the runtime is executing code.
	SetPath(path string)

	// SetActions attaches the caller's collaborator reference to the runtime.
	SetActions(actions interface{})

	// Chdir changes the working directory of the interpreter process.
	Chdir(ctx context.Context, dir string) error

	// Interrupt interrupts the code that is currently executing, if any.
	Interrupt() error

	// Close terminates the interpreter process.
	Close() error
}

// RuntimeFactory creates Runtime instances.
type RuntimeFactory interface {
	// NewRuntime creates, but does not start, a Runtime for the named kernel whose scratch document is at path.
	NewRuntime(name string, path string) (Runtime, error)
}

// RuntimeFactoryFunc adapts an ordinary function to the RuntimeFactory interface.
type RuntimeFactoryFunc func(name string, path string) (Runtime, error)

func (f RuntimeFactoryFunc) NewRuntime(name string, path string) (Runtime, error) {
	return f(name, path)
}
