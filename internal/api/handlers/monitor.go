package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anstrom/edgeprobe/internal/monitor"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

const (
	monitorStopTimeout  = 10 * time.Second
	defaultHistoryLimit = 20
)

// MonitorController is the monitor surface the API drives.
// *monitor.Monitor implements it.
type MonitorController interface {
	Start(ctx context.Context, runImmediately bool)
	Stop(timeout time.Duration)
	Pause() bool
	Resume() bool
	SetInterval(seconds int) int
	TriggerImmediateTest(ctx context.Context) []scanning.Record
	Status() monitor.Status
	CycleProgress() monitor.Progress
	LastCycleSummary() *monitor.CycleSummary
	CycleHistory(limit int) []monitor.CycleSummary
	RunMaintenance(ctx context.Context) monitor.MaintenanceReport
}

// TriggerResponse summarizes a manually triggered cycle.
type TriggerResponse struct {
	Status       string                `json:"status"`
	ResultsCount int                   `json:"results_count"`
	Summary      *monitor.CycleSummary `json:"summary,omitempty"`
}

// MonitorHandler serves the monitor control endpoints.
type MonitorHandler struct {
	monitor MonitorController
	// lifetime outlives individual requests; the loop and triggered
	// cycles run under it.
	lifetime context.Context
	logger   *slog.Logger
}

// NewMonitorHandler creates a monitor handler.
func NewMonitorHandler(lifetime context.Context, mon MonitorController, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor:  mon,
		lifetime: lifetime,
		logger:   logger.With("handler", "monitor"),
	}
}

// GetStatus returns the monitor status.
func (h *MonitorHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.monitor.Status())
}

// Start starts the loop. The first cycle runs after one interval unless
// ?run_now=true, in which case it starts in the background immediately.
func (h *MonitorHandler) Start(w http.ResponseWriter, r *http.Request) {
	runNow, err := getQueryParamBool(r, "run_now", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if h.monitor.Status().IsRunning {
		writeError(w, r, http.StatusConflict, fmt.Errorf("monitor is already running"))
		return
	}

	if runNow {
		go h.monitor.Start(h.lifetime, true)
	} else {
		h.monitor.Start(h.lifetime, false)
	}
	h.logger.Info("Monitor started via API", "request_id", getRequestIDFromContext(r.Context()), "run_now", runNow)
	writeJSON(w, r, http.StatusOK, MessageResponse{Status: "started"})
}

// Stop stops the loop, letting a running batch finish.
func (h *MonitorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.Status().IsRunning {
		writeError(w, r, http.StatusConflict, fmt.Errorf("monitor is not running"))
		return
	}
	h.monitor.Stop(monitorStopTimeout)
	writeJSON(w, r, http.StatusOK, MessageResponse{Status: "stopped"})
}

// Pause holds the loop.
func (h *MonitorHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.Pause() {
		writeError(w, r, http.StatusConflict, fmt.Errorf("monitor is not running"))
		return
	}
	writeJSON(w, r, http.StatusOK, MessageResponse{Status: "paused"})
}

// Resume continues a paused loop.
func (h *MonitorHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.Resume() {
		writeError(w, r, http.StatusConflict, fmt.Errorf("monitor is not paused"))
		return
	}
	writeJSON(w, r, http.StatusOK, MessageResponse{Status: "resumed"})
}

// SetInterval changes the time between cycles.
func (h *MonitorHandler) SetInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	effective := h.monitor.SetInterval(req.IntervalSeconds)
	writeJSON(w, r, http.StatusOK, map[string]int{"interval_seconds": effective})
}

// Trigger runs one cycle. By default it waits for the cycle; with
// ?async=true it returns 202 at once.
func (h *MonitorHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	async, err := getQueryParamBool(r, "async", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	h.logger.Info("Test cycle triggered via API", "request_id", getRequestIDFromContext(r.Context()), "async", async)
	if async {
		go h.monitor.TriggerImmediateTest(h.lifetime)
		writeJSON(w, r, http.StatusAccepted, TriggerResponse{Status: "triggered"})
		return
	}

	records := h.monitor.TriggerImmediateTest(h.lifetime)
	writeJSON(w, r, http.StatusOK, TriggerResponse{
		Status:       "completed",
		ResultsCount: len(records),
		Summary:      h.monitor.LastCycleSummary(),
	})
}

// GetProgress returns the live progress of the current cycle.
func (h *MonitorHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.monitor.CycleProgress())
}

// GetHistory returns recent cycle summaries, newest first.
func (h *MonitorHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryParamInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.monitor.CycleHistory(limit))
}

// GetSummary returns the most recent cycle summary.
func (h *MonitorHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary := h.monitor.LastCycleSummary()
	if summary == nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("no test cycle has completed yet"))
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// RunMaintenance runs a maintenance pass now.
func (h *MonitorHandler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.RunMaintenance(r.Context())
	status := http.StatusOK
	if report.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, r, status, report)
}
