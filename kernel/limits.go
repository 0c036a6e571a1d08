package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultTimeoutPerCell   = 30 * time.Second
	DefaultMaxOutput        = 5000000
	DefaultMaxOutputPerCell = 1000000

	TimeoutErrorName = "TimeoutError"
	OutputErrorName  = "OutputLimitError"
	ExecuteErrorName = "ExecutionError"
)

// Limits bounds the resources that a single call to Instance.Execute may consume.
//
// A zero duration or size disables the corresponding limit. StartTime and TotalOutput carry state across
// several executions that share the same overall budget; a zero StartTime is set on first use.
type Limits struct {
	Timeout          time.Duration `json:"timeout"`
	TimeoutPerCell   time.Duration `json:"timeout_per_cell"`
	MaxOutput        int           `json:"max_output"`
	MaxOutputPerCell int           `json:"max_output_per_cell"`
	StartTime        time.Time     `json:"start_time"`
	TotalOutput      int           `json:"total_output"`
}

// DefaultLimits returns the Limits applied when the caller does not supply any.
func DefaultLimits() *Limits {
	return &Limits{
		Timeout:          DefaultTimeout,
		TimeoutPerCell:   DefaultTimeoutPerCell,
		MaxOutput:        DefaultMaxOutput,
		MaxOutputPerCell: DefaultMaxOutputPerCell,
		StartTime:        time.Now(),
	}
}

// cellTimeout returns the time that the next cell may run for, and false if the overall budget is exhausted.
func (l *Limits) cellTimeout() (time.Duration, bool) {
	timeout := l.TimeoutPerCell

	if l.Timeout > 0 {
		remaining := l.Timeout - time.Since(l.StartTime)
		if remaining <= 0 {
			return 0, false
		}

		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	return timeout, true
}

// outputCollector accumulates the outputs of one cell while enforcing the output limits.
type outputCollector struct {
	mu         sync.Mutex
	limits     *Limits
	outputs    []*Output
	cellOutput int
	truncated  bool
}

func (c *outputCollector) add(output *Output) {
	if output == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.truncated {
		return
	}

	size := output.Size()
	if c.limits.MaxOutputPerCell > 0 && c.cellOutput+size > c.limits.MaxOutputPerCell {
		c.truncate(fmt.Sprintf("Output of this cell exceeded %d bytes and was truncated.", c.limits.MaxOutputPerCell))
		return
	}

	if c.limits.MaxOutput > 0 && c.limits.TotalOutput+size > c.limits.MaxOutput {
		c.truncate(fmt.Sprintf("Total output exceeded %d bytes and was truncated.", c.limits.MaxOutput))
		return
	}

	c.cellOutput += size
	c.limits.TotalOutput += size
	c.outputs = append(c.outputs, output)
}

func (c *outputCollector) truncate(reason string) {
	c.truncated = true
	c.outputs = append(c.outputs, NewErrorOutput(OutputErrorName, reason))
}

func (c *outputCollector) appendError(ename string, evalue string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outputs = append(c.outputs, NewErrorOutput(ename, evalue))
}

func (c *outputCollector) result() []*Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*Output, len(c.outputs))
	copy(result, c.outputs)
	return result
}

// runCell executes code within the given Runtime under the given Limits.
//
// Limit violations and errors reported by the Runtime are embedded in the returned outputs. A non-nil error is
// only returned when the caller's context is cancelled.
func runCell(ctx context.Context, runtime Runtime, limits *Limits, code string) ([]*Output, error) {
	if limits.StartTime.IsZero() {
		limits.StartTime = time.Now()
	}

	collector := &outputCollector{
		limits:  limits,
		outputs: make([]*Output, 0, 4),
	}

	timeout, ok := limits.cellTimeout()
	if !ok {
		collector.appendError(TimeoutErrorName, fmt.Sprintf("Execution exceeded the overall time limit of %v.", limits.Timeout))
		return collector.result(), nil
	}

	cellCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cellCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := runtime.ExecuteCode(cellCtx, code, collector.add)
	if err == nil {
		return collector.result(), nil
	}

	// The caller gave up; report that rather than a limit violation.
	if ctx.Err() != nil {
		_ = runtime.Interrupt()
		return collector.result(), ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cellCtx.Err(), context.DeadlineExceeded) {
		_ = runtime.Interrupt()
		collector.appendError(TimeoutErrorName, fmt.Sprintf("Execution exceeded the time limit of %v.", timeout))
		return collector.result(), nil
	}

	collector.appendError(ExecuteErrorName, err.Error())
	return collector.result(), nil
}
