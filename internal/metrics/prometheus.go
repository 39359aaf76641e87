package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all reconmap metrics
	namespace = "reconmap"

	// Subsystems
	subsystemCommand  = "command"
	subsystemRegistry = "registry"
	subsystemImport   = "import"
	subsystemStore    = "store"
	subsystemAPI      = "api"
	subsystemSystem   = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration prometheus.Histogram
	outputLines     prometheus.Counter

	// Registry metrics
	hostsMerged      *prometheus.CounterVec
	registryHosts    prometheus.Gauge
	registryNetworks prometheus.Gauge

	// Import metrics
	importErrors prometheus.Counter

	// Store metrics
	storeOps      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initCommandMetrics()
	pm.initRegistryMetrics()
	pm.initStoreMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initCommandMetrics() {
	pm.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCommand,
			Name:      "total",
			Help:      "Total number of completed commands by status",
		},
		[]string{"status"},
	)

	pm.commandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemCommand,
			Name:      "duration_seconds",
			Help:      "Wall time of completed commands in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
	)

	pm.outputLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCommand,
			Name:      "output_lines_total",
			Help:      "Total number of output lines appended to the transcript",
		},
	)
}

func (pm *PrometheusMetrics) initRegistryMetrics() {
	pm.hostsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRegistry,
			Name:      "hosts_merged_total",
			Help:      "Total number of host observations merged by source and result",
		},
		[]string{"source", "result"},
	)

	pm.registryHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRegistry,
			Name:      "hosts",
			Help:      "Number of hosts in the inventory",
		},
	)

	pm.registryNetworks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRegistry,
			Name:      "networks",
			Help:      "Number of networks in the inventory",
		},
	)

	pm.importErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemImport,
			Name:      "errors_total",
			Help:      "Total number of XML imports that stopped on a decode error",
		},
	)
}

func (pm *PrometheusMetrics) initStoreMetrics() {
	pm.storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "operations_total",
			Help:      "Total number of snapshot store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "operation_duration_seconds",
			Help:      "Duration of snapshot store operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.commandsTotal,
		pm.commandDuration,
		pm.outputLines,
		pm.hostsMerged,
		pm.registryHosts,
		pm.registryNetworks,
		pm.importErrors,
		pm.storeOps,
		pm.storeDuration,
		pm.httpRequests,
		pm.httpDuration,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the private registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// CommandFinished implements Recorder.
func (pm *PrometheusMetrics) CommandFinished(status string, duration time.Duration) {
	pm.commandsTotal.WithLabelValues(status).Inc()
	pm.commandDuration.Observe(duration.Seconds())
}

// OutputLines implements Recorder.
func (pm *PrometheusMetrics) OutputLines(n int) {
	pm.outputLines.Add(float64(n))
}

// HostMerged implements Recorder.
func (pm *PrometheusMetrics) HostMerged(source, result string) {
	pm.hostsMerged.WithLabelValues(source, result).Inc()
}

// RegistrySize implements Recorder.
func (pm *PrometheusMetrics) RegistrySize(hosts, networks int) {
	pm.registryHosts.Set(float64(hosts))
	pm.registryNetworks.Set(float64(networks))
}

// ImportFailed implements Recorder.
func (pm *PrometheusMetrics) ImportFailed() {
	pm.importErrors.Inc()
}

// StoreOperation implements Recorder.
func (pm *PrometheusMetrics) StoreOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	pm.storeOps.WithLabelValues(operation, status).Inc()
	pm.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// HTTPRequest implements Recorder.
func (pm *PrometheusMetrics) HTTPRequest(method, path string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the goroutine and uptime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns when system metrics were last refreshed.
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates refreshes system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.UpdateSystemMetrics()
			}
		}
	}()
}
