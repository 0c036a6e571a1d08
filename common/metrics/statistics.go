package metrics

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scusemua/kernel-broker/kernel"
)

// PoolStatsProvider reports the state of the kernel pool.
type PoolStatsProvider interface {
	Stats() []kernel.Stats
}

// SessionRegistry reports the paths of the live sessions.
type SessionRegistry interface {
	Paths() []string
}

// BrokerStatistics is a point-in-time snapshot of the kernel pool and the sessions.
type BrokerStatistics struct {
	Timestamp           time.Time      `json:"timestamp"`
	TimestampUnixMillis int64          `json:"timestamp_unix_millis"`
	Pools               []kernel.Stats `json:"pools"`
	PooledKernels       int            `json:"pooled_kernels"`
	Hits                int            `json:"hits"`
	Misses              int            `json:"misses"`
	Evictions           int            `json:"evictions"`
	SessionPaths        []string       `json:"session_paths"`
}

// Snapshot captures the current BrokerStatistics.
func (m *PrometheusManager) Snapshot() *BrokerStatistics {
	m.mu.Lock()
	pool, sessions := m.pool, m.sessions
	m.mu.Unlock()

	now := time.Now()
	statistics := &BrokerStatistics{
		Timestamp:           now,
		TimestampUnixMillis: now.UnixMilli(),
		Pools:               []kernel.Stats{},
		SessionPaths:        []string{},
	}

	if pool != nil {
		statistics.Pools = pool.Stats()
		for _, stats := range statistics.Pools {
			statistics.PooledKernels += stats.Size
			statistics.Hits += stats.Hits
			statistics.Misses += stats.Misses
			statistics.Evictions += stats.Evictions
		}
	}

	if sessions != nil {
		statistics.SessionPaths = sessions.Paths()
		sort.Strings(statistics.SessionPaths)
	}

	return statistics
}

// HandleStatsRequest serves the current BrokerStatistics as JSON.
func (m *PrometheusManager) HandleStatsRequest(c *gin.Context) {
	c.JSON(http.StatusOK, m.Snapshot())
}

// HandleVariablesRequest handles query requests from Grafana for variables that are required to create Dashboards.
func (m *PrometheusManager) HandleVariablesRequest(c *gin.Context) {
	variable := c.Param("variable_name")
	m.log.Debug("Received query for variable: \"%s\"", variable)

	snapshot := m.Snapshot()

	response := make(map[string]interface{})
	switch variable {
	case "kernel_names":
		names := make([]string, 0, len(snapshot.Pools))
		for _, stats := range snapshot.Pools {
			names = append(names, stats.Name)
		}
		response["kernel_names"] = names
	case "num_sessions":
		response["num_sessions"] = len(snapshot.SessionPaths)
	case "session_paths":
		response["session_paths"] = snapshot.SessionPaths
	default:
		m.log.Warn("Received query for unknown variable \"%s\".", variable)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown variable", "variable": variable})
		return
	}

	c.JSON(http.StatusOK, response)
}
