package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anstrom/edgeprobe/internal/db"
)

const (
	defaultHourlyWindow = 24
	maxHourlyWindow     = 24 * 30
	defaultSessionLimit = 20
	maxSessionLimit     = 500
)

// StatsStore supplies aggregate statistics and scan history.
// *db.EndpointRepository implements it.
type StatsStore interface {
	Statistics(ctx context.Context) (*db.Statistics, error)
	HourlyStats(ctx context.Context, hours int) ([]*db.HourlyStat, error)
	ListScanSessions(ctx context.Context, limit int) ([]*db.ScanSession, error)
}

// StatsHandler serves statistics endpoints.
type StatsHandler struct {
	store  StatsStore
	logger *slog.Logger
}

// NewStatsHandler creates a statistics handler.
func NewStatsHandler(store StatsStore, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{store: store, logger: logger.With("handler", "stats")}
}

// GetStatistics returns the fleet summary.
func (h *StatsHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "get", "statistics", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// GetHourly returns hourly buckets for the last ?hours=.
func (h *StatsHandler) GetHourly(w http.ResponseWriter, r *http.Request) {
	hours, err := getQueryParamInt(r, "hours", defaultHourlyWindow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if hours < 1 || hours > maxHourlyWindow {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("hours must be between 1 and %d", maxHourlyWindow))
		return
	}

	buckets, err := h.store.HourlyStats(r.Context(), hours)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "hourly statistics", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, buckets)
}

// ListSessions returns recent discovery scan sessions, newest first.
func (h *StatsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryParamInt(r, "limit", defaultSessionLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if limit < 1 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}

	sessions, err := h.store.ListScanSessions(r.Context(), limit)
	if err != nil {
		handleDatabaseError(w, r, err, "list", "scan sessions", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, sessions)
}
