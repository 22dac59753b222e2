// Package metrics provides Prometheus-based metrics collection for edgeprobe.
// Every collector lives on a private registry owned by a PrometheusMetrics
// instance, which is constructed once by the application and injected into
// the scanner, the monitor loop, the store and the API. All recording
// methods are safe to call on a nil *PrometheusMetrics.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "edgeprobe"

	subsystemDiscovery = "discovery"
	subsystemProbe     = "probe"
	subsystemMonitor   = "monitor"
	subsystemDatabase  = "database"
	subsystemSystem    = "system"
	subsystemAPI       = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors.
type PrometheusMetrics struct {
	// Discovery scan metrics
	scansTotal     *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	activeScans    prometheus.Gauge
	scanQualifying prometheus.Counter

	// Tool invocation metrics
	endpointsTested *prometheus.CounterVec
	toolRuns        *prometheus.CounterVec
	parseErrors     prometheus.Counter

	// Monitor loop metrics
	cyclesTotal        *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	endpointsResponded prometheus.Counter
	endpointsFailed    prometheus.Counter
	activeEndpoints    prometheus.Gauge
	maintenanceRuns    *prometheus.CounterVec
	deactivations      *prometheus.CounterVec

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec

	// API metrics
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	websocketClients prometheus.Gauge

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	mu        sync.Mutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initDiscoveryMetrics()
	pm.initProbeMetrics()
	pm.initMonitorMetrics()
	pm.initDatabaseMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initDiscoveryMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "scans_total",
			Help:      "Total number of discovery scan attempts by terminal status",
		},
		[]string{"status"},
	)

	pm.scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "scan_duration_seconds",
			Help:      "Duration of discovery scans in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "active_scans",
			Help:      "Whether a discovery scan is currently running",
		},
	)

	pm.scanQualifying = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "qualifying_endpoints_total",
			Help:      "Endpoints that passed discovery thresholds",
		},
	)
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.endpointsTested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "results_total",
			Help:      "Measurement records produced by the tool, by test type",
		},
		[]string{"test_type"},
	)

	pm.toolRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "tool_runs_total",
			Help:      "Measurement tool invocations by outcome",
		},
		[]string{"outcome"},
	)

	pm.parseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "parse_errors_total",
			Help:      "Malformed lines found in tool output",
		},
	)
}

func (pm *PrometheusMetrics) initMonitorMetrics() {
	pm.cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "cycles_total",
			Help:      "Monitor test cycles by result",
		},
		[]string{"result"},
	)

	pm.cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of monitor test cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	pm.endpointsResponded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "endpoints_responded_total",
			Help:      "Endpoints that produced a measurement during a cycle",
		},
	)

	pm.endpointsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "endpoints_failed_total",
			Help:      "Endpoints that produced no measurement during a cycle",
		},
	)

	pm.activeEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "active_endpoints",
			Help:      "Active endpoints at the start of the last cycle",
		},
	)

	pm.maintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance passes by result",
		},
		[]string{"result"},
	)

	pm.deactivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "deactivations_total",
			Help:      "Endpoints deactivated, by reason",
		},
		[]string{"reason"},
	)
}

func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
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
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	pm.websocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients",
		},
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

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.activeScans,
		pm.scanQualifying,

		pm.endpointsTested,
		pm.toolRuns,
		pm.parseErrors,

		pm.cyclesTotal,
		pm.cycleDuration,
		pm.endpointsResponded,
		pm.endpointsFailed,
		pm.activeEndpoints,
		pm.maintenanceRuns,
		pm.deactivations,

		pm.dbQueries,
		pm.dbQueryDuration,

		pm.httpRequests,
		pm.httpDuration,
		pm.websocketClients,

		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for the HTTP handler.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Discovery

// RecordScan records one discovery scan attempt.
func (pm *PrometheusMetrics) RecordScan(status string, duration time.Duration, qualifying int) {
	if pm == nil {
		return
	}
	pm.scansTotal.WithLabelValues(status).Inc()
	if status != "skipped" {
		pm.scanDuration.Observe(duration.Seconds())
	}
	pm.scanQualifying.Add(float64(qualifying))
}

// SetScanActive flags whether a discovery scan is running.
func (pm *PrometheusMetrics) SetScanActive(active bool) {
	if pm == nil {
		return
	}
	if active {
		pm.activeScans.Set(1)
		return
	}
	pm.activeScans.Set(0)
}

// Probe

// RecordToolRun records how one tool invocation ended.
func (pm *PrometheusMetrics) RecordToolRun(outcome string) {
	if pm == nil {
		return
	}
	pm.toolRuns.WithLabelValues(outcome).Inc()
}

// AddResults counts measurement records of the given test type.
func (pm *PrometheusMetrics) AddResults(testType string, count int) {
	if pm == nil {
		return
	}
	pm.endpointsTested.WithLabelValues(testType).Add(float64(count))
}

// AddParseErrors counts malformed output lines.
func (pm *PrometheusMetrics) AddParseErrors(count int) {
	if pm == nil || count <= 0 {
		return
	}
	pm.parseErrors.Add(float64(count))
}

// Monitor

// RecordCycle records a finished monitor cycle.
func (pm *PrometheusMetrics) RecordCycle(result string, duration time.Duration, responded, failed int) {
	if pm == nil {
		return
	}
	pm.cyclesTotal.WithLabelValues(result).Inc()
	pm.cycleDuration.Observe(duration.Seconds())
	pm.endpointsResponded.Add(float64(responded))
	pm.endpointsFailed.Add(float64(failed))
}

// SetActiveEndpoints records the size of the active set.
func (pm *PrometheusMetrics) SetActiveEndpoints(count int) {
	if pm == nil {
		return
	}
	pm.activeEndpoints.Set(float64(count))
}

// RecordMaintenance records a maintenance pass.
func (pm *PrometheusMetrics) RecordMaintenance(result string) {
	if pm == nil {
		return
	}
	pm.maintenanceRuns.WithLabelValues(result).Inc()
}

// AddDeactivations counts endpoints deactivated for reason.
func (pm *PrometheusMetrics) AddDeactivations(reason string, count int64) {
	if pm == nil || count <= 0 {
		return
	}
	pm.deactivations.WithLabelValues(reason).Add(float64(count))
}

// Database

// RecordDatabaseQuery records a query's status and duration.
func (pm *PrometheusMetrics) RecordDatabaseQuery(operation string, duration time.Duration, err error) {
	if pm == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	pm.dbQueries.WithLabelValues(operation, status).Inc()
	pm.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// API

// RecordHTTPRequest records one served request.
func (pm *PrometheusMetrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.httpRequests.WithLabelValues(method, route, status).Inc()
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetWebSocketClients records the number of connected WebSocket clients.
func (pm *PrometheusMetrics) SetWebSocketClients(count int) {
	if pm == nil {
		return
	}
	pm.websocketClients.Set(float64(count))
}

// System

// UpdateSystemMetrics refreshes goroutine and uptime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the time since the metrics were created.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	if pm == nil {
		return 0
	}
	return time.Since(pm.startTime)
}

// StartPeriodicUpdates refreshes system metrics until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}
