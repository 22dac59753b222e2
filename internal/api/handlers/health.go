package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/monitor"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// StatisticsReader supplies the fleet summary shown by Status.
type StatisticsReader interface {
	Statistics(ctx context.Context) (*db.Statistics, error)
}

// ScanStateReader reports the discovery engine's state.
type ScanStateReader interface {
	Status() discovery.State
}

// MonitorStateReader reports the monitor's state.
type MonitorStateReader interface {
	Status() monitor.Status
}

const (
	healthCheckTimeout = 5 * time.Second
	statusTimeout      = 10 * time.Second
)

// Health status values.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// HealthHandler serves health, liveness, version and status endpoints.
type HealthHandler struct {
	database  DatabasePinger
	stats     StatisticsReader
	scans     ScanStateReader
	monitor   MonitorStateReader
	build     BuildInfo
	logger    *slog.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. Any dependency may be nil.
func NewHealthHandler(database DatabasePinger, stats StatisticsReader, scans ScanStateReader,
	mon MonitorStateReader, build BuildInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		stats:     stats,
		scans:     scans,
		monitor:   mon,
		build:     build,
		logger:    logger.With("handler", "health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	BuildInfo
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	StartTime  time.Time `json:"start_time"`
	Uptime     string    `json:"uptime"`
	PID        int       `json:"pid"`
	Goroutines int       `json:"goroutines"`
}

// StatusResponse is the combined service status.
type StatusResponse struct {
	Service    ServiceInfo      `json:"service"`
	Scan       *discovery.State `json:"scan,omitempty"`
	Monitor    *monitor.Status  `json:"monitor,omitempty"`
	Statistics *db.Statistics   `json:"statistics,omitempty"`
	Health     HealthResponse   `json:"health"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Health checks the database and reports 503 when it is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	h.logger.Debug("Health check requested", "remote_addr", r.RemoteAddr)

	response := h.checkHealth(ctx)
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Version reports build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		BuildInfo: h.build,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// Status combines service, scan, monitor and database state.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	response := StatusResponse{
		Service: ServiceInfo{
			Name:       "edgeprobe",
			Version:    h.build.Version,
			StartTime:  h.startTime,
			Uptime:     time.Since(h.startTime).String(),
			PID:        os.Getpid(),
			Goroutines: runtime.NumGoroutine(),
		},
		Health:    h.checkHealth(ctx),
		Timestamp: time.Now().UTC(),
	}
	if h.scans != nil {
		st := h.scans.Status()
		response.Scan = &st
	}
	if h.monitor != nil {
		st := h.monitor.Status()
		response.Monitor = &st
	}
	if h.stats != nil {
		stats, err := h.stats.Statistics(ctx)
		if err != nil {
			h.logger.Warn("Failed to load statistics for status", "error", err)
		} else {
			response.Statistics = stats
		}
	}

	writeJSON(w, r, http.StatusOK, response)
}

func (h *HealthHandler) checkHealth(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	if h.database == nil {
		response.Checks["database"] = StatusNotConfigured
	} else if err := h.database.Ping(ctx); err != nil {
		response.Status = StatusUnhealthy
		response.Checks["database"] = "failed: " + err.Error()
		h.logger.Warn("Database health check failed", "error", err)
	} else {
		response.Checks["database"] = "ok"
	}

	if h.monitor != nil {
		response.Checks["monitor"] = h.monitor.Status().State
	}
	if h.scans != nil {
		if h.scans.Status().IsScanning {
			response.Checks["discovery"] = "scanning"
		} else {
			response.Checks["discovery"] = "idle"
		}
	}
	return response
}
