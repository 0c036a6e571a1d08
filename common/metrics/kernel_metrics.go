package metrics

import (
	"time"

	"github.com/scusemua/kernel-broker/kernel"
)

var _ kernel.MetricsProvider = (*PrometheusManager)(nil)

func (m *PrometheusManager) RecordPoolHit(name string) {
	m.PoolHitsCounterVec.WithLabelValues(name).Inc()
}

func (m *PrometheusManager) RecordPoolMiss(name string) {
	m.PoolMissesCounterVec.WithLabelValues(name).Inc()
}

func (m *PrometheusManager) RecordEviction(name string, n int) {
	m.EvictionsCounterVec.WithLabelValues(name).Add(float64(n))
}

func (m *PrometheusManager) RecordKernelStarted(name string, latency time.Duration) {
	m.KernelsStartedCounterVec.WithLabelValues(name).Inc()
	m.KernelStartLatencySecondsVec.WithLabelValues(name).Observe(latency.Seconds())
}

func (m *PrometheusManager) RecordKernelStartFailure(name string) {
	m.KernelStartFailuresCounterVec.WithLabelValues(name).Inc()
}

// RecordTempDirCleanupFailure counts scratch directories that were left behind. These failures are not reported
// to callers.
func (m *PrometheusManager) RecordTempDirCleanupFailure(name string) {
	m.TempDirCleanupFailuresCounter.WithLabelValues(name).Inc()
}

func (m *PrometheusManager) SetPoolSize(name string, size int) {
	m.PoolSizeGaugeVec.WithLabelValues(name).Set(float64(size))
}
