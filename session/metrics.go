package session

// MetricsProvider receives observations about sessions and their sockets.
type MetricsProvider interface {
	RecordSocketOpened()
	RecordSocketEnded()
	RecordConnectFailure()
	RecordServerRestart(err error)
	RecordBlobSaved(err error)
	SetActiveSessions(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordSocketOpened()       {}
func (noopMetrics) RecordSocketEnded()        {}
func (noopMetrics) RecordConnectFailure()     {}
func (noopMetrics) RecordServerRestart(error) {}
func (noopMetrics) RecordBlobSaved(error)     {}
func (noopMetrics) SetActiveSessions(int)     {}
