package metrics

import "github.com/scusemua/kernel-broker/session"

var _ session.MetricsProvider = (*PrometheusManager)(nil)

func (m *PrometheusManager) RecordSocketOpened() {
	m.SocketsOpenedCounter.Inc()
}

func (m *PrometheusManager) RecordSocketEnded() {
	m.SocketsEndedCounter.Inc()
}

func (m *PrometheusManager) RecordConnectFailure() {
	m.ConnectFailuresCounter.Inc()
}

func (m *PrometheusManager) RecordServerRestart(err error) {
	m.ServerRestartsCounterVec.WithLabelValues(resultLabel(err)).Inc()
}

func (m *PrometheusManager) RecordBlobSaved(err error) {
	m.BlobsSavedCounterVec.WithLabelValues(resultLabel(err)).Inc()
}

func (m *PrometheusManager) SetActiveSessions(n int) {
	m.ActiveSessionsGauge.Set(float64(n))
}
