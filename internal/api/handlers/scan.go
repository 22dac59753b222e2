package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/scheduler"
)

// ScanController is the discovery surface the scan endpoints drive.
// *discovery.Engine implements it.
type ScanController interface {
	StartDiscoveryScan(ctx context.Context, req discovery.ScanRequest) (string, bool)
	CancelScan() bool
	Status() discovery.State
	LastResult() *discovery.ScanOutcome
	StartSchedule(ctx context.Context, interval time.Duration)
	StartCronSchedule(ctx context.Context, expr string) error
	StopSchedule()
	SetScheduleInterval(seconds int) int
	ScheduleStatus() scheduler.Status
}

// ScanStartRequest is the body of POST /scan.
type ScanStartRequest struct {
	discovery.ScanRequest
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"omitempty,gte=1,lte=86400"`
}

// ScheduleStartRequest is the body of POST /scan/schedule/start. Cron takes
// precedence over the interval.
type ScheduleStartRequest struct {
	IntervalSeconds int    `json:"interval_seconds,omitempty" validate:"omitempty,gte=1"`
	Cron            string `json:"cron,omitempty" validate:"omitempty,cron"`
}

// IntervalRequest is the body of the interval endpoints.
type IntervalRequest struct {
	IntervalSeconds int `json:"interval_seconds" validate:"required,gte=1"`
}

// ScanStartResponse acknowledges an accepted scan.
type ScanStartResponse struct {
	Status string `json:"status"`
	ScanID string `json:"scan_id"`
}

// ScanHandler serves the discovery scan and schedule endpoints.
type ScanHandler struct {
	engine ScanController
	// lifetime outlives individual requests; background scans and the
	// schedule run under it.
	lifetime context.Context
	logger   *slog.Logger
}

// NewScanHandler creates a scan handler. lifetime bounds every scan and
// schedule started through the API.
func NewScanHandler(lifetime context.Context, engine ScanController, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		engine:   engine,
		lifetime: lifetime,
		logger:   logger.With("handler", "scan"),
	}
}

// StartScan launches a discovery scan in the background.
func (h *ScanHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req ScanStartRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	scanID, ok := h.engine.StartDiscoveryScan(h.lifetime, req.ScanRequest)
	if !ok {
		writeError(w, r, http.StatusConflict, fmt.Errorf("a discovery scan is already running"))
		return
	}

	h.logger.Info("Discovery scan started via API",
		"request_id", getRequestIDFromContext(r.Context()),
		"scan_id", scanID)
	writeJSON(w, r, http.StatusAccepted, ScanStartResponse{Status: "started", ScanID: scanID})
}

// CancelScan cancels the running discovery scan.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	if !h.engine.CancelScan() {
		writeError(w, r, http.StatusConflict, fmt.Errorf("no discovery scan is running"))
		return
	}
	writeJSON(w, r, http.StatusOK, MessageResponse{Status: "cancelling", Message: "cancellation requested"})
}

// GetStatus returns the engine state.
func (h *ScanHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.Status())
}

// GetLastResult returns the most recent finished scan.
func (h *ScanHandler) GetLastResult(w http.ResponseWriter, r *http.Request) {
	last := h.engine.LastResult()
	if last == nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("no discovery scan has finished yet"))
		return
	}
	writeJSON(w, r, http.StatusOK, last)
}

// GetSchedule returns the schedule state.
func (h *ScanHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.ScheduleStatus())
}

// StartSchedule starts the discovery schedule.
func (h *ScanHandler) StartSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleStartRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if req.Cron != "" {
		if err := h.engine.StartCronSchedule(h.lifetime, req.Cron); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
	} else {
		h.engine.StartSchedule(h.lifetime, time.Duration(req.IntervalSeconds)*time.Second)
	}

	h.logger.Info("Discovery schedule started via API", "request_id", getRequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, h.engine.ScheduleStatus())
}

// StopSchedule stops the discovery schedule.
func (h *ScanHandler) StopSchedule(w http.ResponseWriter, r *http.Request) {
	h.engine.StopSchedule()
	writeJSON(w, r, http.StatusOK, h.engine.ScheduleStatus())
}

// SetScheduleInterval changes the schedule period.
func (h *ScanHandler) SetScheduleInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	effective := h.engine.SetScheduleInterval(req.IntervalSeconds)
	writeJSON(w, r, http.StatusOK, map[string]int{"interval_seconds": effective})
}
