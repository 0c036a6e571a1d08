package kernel

import "time"

// MetricsProvider receives observations about the kernel pool.
//
// The prometheus-backed implementation lives in common/metrics.
type MetricsProvider interface {
	// RecordPoolHit is called when a request is served by a kernel that had already finished starting.
	RecordPoolHit(name string)

	// RecordPoolMiss is called when a request finds no warm kernel.
	RecordPoolMiss(name string)

	// RecordEviction is called when n idle kernels are closed.
	RecordEviction(name string, n int)

	// RecordKernelStarted records the time that a kernel took to become ready.
	RecordKernelStarted(name string, latency time.Duration)

	// RecordKernelStartFailure is called when a kernel fails to start.
	RecordKernelStartFailure(name string)

	// RecordTempDirCleanupFailure is called when the scratch directory of a kernel could not be removed.
	RecordTempDirCleanupFailure(name string)

	// SetPoolSize records the current number of pooled kernels with the given name.
	SetPoolSize(name string, size int)
}

type noopMetrics struct{}

func (noopMetrics) RecordPoolHit(string)                      {}
func (noopMetrics) RecordPoolMiss(string)                     {}
func (noopMetrics) RecordEviction(string, int)                {}
func (noopMetrics) RecordKernelStarted(string, time.Duration) {}
func (noopMetrics) RecordKernelStartFailure(string)           {}
func (noopMetrics) RecordTempDirCleanupFailure(string)        {}
func (noopMetrics) SetPoolSize(string, int)                   {}
