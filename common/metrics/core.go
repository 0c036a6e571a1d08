package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scusemua/kernel-broker/common/utils"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("PrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("PrometheusManager is not running")
)

// PrometheusManager records the metrics of the kernel pool and the session connector, and serves them to
// Prometheus over HTTP along with a JSON snapshot of the broker's state.
//
// PrometheusManager implements both kernel.MetricsProvider and session.MetricsProvider.
type PrometheusManager struct {
	log logger.Logger

	registry          *prometheus.Registry
	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	/////////////////////
	// Kernel metrics  //
	/////////////////////

	PoolHitsCounterVec            *prometheus.CounterVec
	PoolMissesCounterVec          *prometheus.CounterVec
	EvictionsCounterVec           *prometheus.CounterVec
	KernelsStartedCounterVec      *prometheus.CounterVec
	KernelStartFailuresCounterVec *prometheus.CounterVec
	TempDirCleanupFailuresCounter *prometheus.CounterVec
	KernelStartLatencySecondsVec  *prometheus.HistogramVec
	PoolSizeGaugeVec              *prometheus.GaugeVec

	/////////////////////
	// Session metrics //
	/////////////////////

	SocketsOpenedCounter     prometheus.Counter
	SocketsEndedCounter      prometheus.Counter
	ConnectFailuresCounter   prometheus.Counter
	ServerRestartsCounterVec *prometheus.CounterVec
	BlobsSavedCounterVec     *prometheus.CounterVec
	ActiveSessionsGauge      prometheus.Gauge

	pool     PoolStatsProvider
	sessions SessionRegistry

	port int
	mu   sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving bool
}

// NewPrometheusManager creates a PrometheusManager whose metrics are registered with a registry of its own.
//
// If port is not positive, Start does not serve HTTP, but the metrics are still recorded.
func NewPrometheusManager(port int) *PrometheusManager {
	registry := prometheus.NewRegistry()

	manager := &PrometheusManager{
		port:              port,
		registry:          registry,
		prometheusHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
	config.InitLogger(&manager.log, manager)

	manager.initializeMetrics()
	manager.initializeEngine()

	return manager
}

// SetStatsSources sets where the snapshots served at /stats and /variables come from. Either may be nil.
func (m *PrometheusManager) SetStatsSources(pool PoolStatsProvider, sessions SessionRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pool = pool
	m.sessions = sessions
}

// Registry returns the registry with which every metric of the PrometheusManager is registered.
func (m *PrometheusManager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving /metrics, /stats and /variables.
func (m *PrometheusManager) Handler() http.Handler {
	return m.engine
}

// isRunningUnsafe returns true if the PrometheusManager has been started and is serving metrics.
// This does not acquire the mutex and is intended for file-internal use only.
func (m *PrometheusManager) isRunningUnsafe() bool {
	return m.serving
}

// IsRunning returns true if the PrometheusManager has been started and is serving metrics.
func (m *PrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isRunningUnsafe()
}

// Start begins serving the metrics via an HTTP endpoint.
func (m *PrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("PrometheusManager is already running.")
		return ErrPrometheusManagerAlreadyRunning
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// Stop instructs the PrometheusManager to shut down its HTTP server.
func (m *PrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunningUnsafe() /* we already have the lock */ {
		m.log.Warn("PrometheusManager is not running.")
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	m.httpServer = nil
	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *PrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *PrometheusManager) initializeEngine() {
	gin.SetMode(gin.ReleaseMode)
	m.engine = gin.New()

	// Commented-out for now as I don't want the log messages for Prometheus requests.
	// m.engine.Use(gin.Logger())
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/variables/:variable_name", m.HandleVariablesRequest)
	m.engine.GET("/stats", m.HandleStatsRequest)
	m.engine.GET("/metrics", m.HandleRequest)
}

func (m *PrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	server := &http.Server{
		Addr:    address,
		Handler: m.engine,
	}
	m.httpServer = server

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}

func (m *PrometheusManager) initializeMetrics() {
	m.PoolHitsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "pool_hits_total",
		Help:      "Requests served by a pooled kernel that had already finished starting",
	}, []string{"kernel_name"})
	m.PoolMissesCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "pool_misses_total",
		Help:      "Requests that found no warm kernel in the pool",
	}, []string{"kernel_name"})
	m.EvictionsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "evictions_total",
		Help:      "Idle kernels closed by the pool",
	}, []string{"kernel_name"})
	m.KernelsStartedCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "started_total",
		Help:      "Kernels that finished starting",
	}, []string{"kernel_name"})
	m.KernelStartFailuresCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "start_failures_total",
		Help:      "Kernels that failed to start",
	}, []string{"kernel_name"})
	m.TempDirCleanupFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "tempdir_cleanup_failures_total",
		Help:      "Scratch directories of kernels that could not be removed",
	}, []string{"kernel_name"})
	m.KernelStartLatencySecondsVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kernel",
		Name:      "start_latency_seconds",
		Help:      "Time taken by a kernel to become ready",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kernel_name"})
	m.PoolSizeGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kernel",
		Name:      "pool_size",
		Help:      "Number of pooled kernels",
	}, []string{"kernel_name"})

	m.SocketsOpenedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "sockets_opened_total",
		Help:      "Sockets to the session server that became ready",
	})
	m.SocketsEndedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "sockets_ended_total",
		Help:      "Sockets to the session server that ended",
	})
	m.ConnectFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "connect_failures_total",
		Help:      "Failed attempts to obtain a socket to the session server",
	})
	m.ServerRestartsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "server_restarts_total",
		Help:      "Restarts of the session server",
	}, []string{"result"})
	m.BlobsSavedCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "blobs_saved_total",
		Help:      "Blobs received from the session server",
	}, []string{"result"})
	m.ActiveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "active",
		Help:      "Number of live sessions",
	})

	m.registry.MustRegister(
		m.PoolHitsCounterVec,
		m.PoolMissesCounterVec,
		m.EvictionsCounterVec,
		m.KernelsStartedCounterVec,
		m.KernelStartFailuresCounterVec,
		m.TempDirCleanupFailuresCounter,
		m.KernelStartLatencySecondsVec,
		m.PoolSizeGaugeVec,
		m.SocketsOpenedCounter,
		m.SocketsEndedCounter,
		m.ConnectFailuresCounter,
		m.ServerRestartsCounterVec,
		m.BlobsSavedCounterVec,
		m.ActiveSessionsGauge,
	)
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}

	return "success"
}
