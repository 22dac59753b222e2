package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/export"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 90
	detailHistoryLimit  = 20
)

// EndpointStore is the endpoint persistence the API reads and mutates.
// *db.EndpointRepository implements it.
type EndpointStore interface {
	ListEndpoints(ctx context.Context, filters db.EndpointFilters) ([]*db.Endpoint, int64, error)
	GetActiveEndpoints(ctx context.Context, limit int) ([]*db.Endpoint, error)
	GetEndpoint(ctx context.Context, address string) (*db.Endpoint, error)
	GetHistory(ctx context.Context, address string, since time.Time, limit int) ([]*db.TestResult, error)
	Deactivate(ctx context.Context, address string) (bool, error)
	Activate(ctx context.Context, address string) (bool, error)
	DeactivateAll(ctx context.Context) (int64, error)
	PreviewDeadCount(ctx context.Context, w liveness.Window) (int, error)
	DeactivateDead(ctx context.Context, w liveness.Window) (int64, error)
}

// EndpointDetail is an endpoint with its most recent measurements.
type EndpointDetail struct {
	*db.Endpoint
	RecentResults []*db.TestResult `json:"recent_results"`
}

// DeadPreviewResponse reports how many endpoints a window would retire.
type DeadPreviewResponse struct {
	Window liveness.Window `json:"window"`
	Count  int             `json:"count"`
}

// DeactivateResponse reports how many endpoints changed.
type DeactivateResponse struct {
	Status      string           `json:"status"`
	Deactivated int64            `json:"deactivated"`
	Window      *liveness.Window `json:"window,omitempty"`
}

// EndpointHandler serves endpoint listing, detail, history, deactivation
// and export.
type EndpointHandler struct {
	store      EndpointStore
	deadWindow liveness.Window
	logger     *slog.Logger
}

// NewEndpointHandler creates an endpoint handler. deadWindow is used when a
// request does not name one.
func NewEndpointHandler(store EndpointStore, deadWindow liveness.Window, logger *slog.Logger) *EndpointHandler {
	return &EndpointHandler{
		store:      store,
		deadWindow: deadWindow,
		logger:     logger.With("handler", "endpoints"),
	}
}

// ListEndpoints returns a page of endpoints.
// Query: page, page_size, active, colo, search, sort, order=asc|desc.
func (h *EndpointHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	activeOnly, err := getQueryParamBool(r, "active", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	filters := db.EndpointFilters{
		ActiveOnly: activeOnly,
		Colo:       q.Get("colo"),
		Search:     q.Get("search"),
		SortBy:     q.Get("sort"),
		SortDesc:   !strings.EqualFold(q.Get("order"), "asc"),
		Limit:      params.PageSize,
		Offset:     params.Offset,
	}

	endpoints, total, err := h.store.ListEndpoints(r.Context(), filters)
	if err != nil {
		handleDatabaseError(w, r, err, "list", "endpoints", h.logger)
		return
	}
	writePaginatedResponse(w, r, endpoints, params, total)
}

// GetEndpoint returns one endpoint with its recent results.
func (h *EndpointHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	address, err := addressFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	endpoint, err := h.store.GetEndpoint(r.Context(), address)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "endpoint", h.logger)
		return
	}
	recent, err := h.store.GetHistory(r.Context(), address, time.Time{}, detailHistoryLimit)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "endpoint history", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, EndpointDetail{Endpoint: endpoint, RecentResults: recent})
}

// GetHistory returns an endpoint's measurements from the last ?hours=.
func (h *EndpointHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	address, err := addressFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	hours, err := getQueryParamInt(r, "hours", defaultHistoryHours)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if hours < 1 || hours > maxHistoryHours {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("hours must be between 1 and %d", maxHistoryHours))
		return
	}
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	results, err := h.store.GetHistory(r.Context(), address, since, limit)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "endpoint history", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// Deactivate retires one endpoint.
func (h *EndpointHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// Activate returns an endpoint to rotation.
func (h *EndpointHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *EndpointHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	address, err := addressFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	op, verb := h.store.Deactivate, "deactivated"
	if active {
		op, verb = h.store.Activate, "activated"
	}
	changed, err := op(r.Context(), address)
	if err != nil {
		handleDatabaseError(w, r, err, "update", "endpoint", h.logger)
		return
	}
	if !changed {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("endpoint %s not found or already %s", address, verb))
		return
	}

	h.logger.Info("Endpoint "+verb, "request_id", getRequestIDFromContext(r.Context()), "address", address)
	writeJSON(w, r, http.StatusOK, MessageResponse{Status: verb, Data: map[string]string{"address": address}})
}

// DeactivateAll retires every active endpoint. It requires ?confirm=true.
func (h *EndpointHandler) DeactivateAll(w http.ResponseWriter, r *http.Request) {
	confirm, err := getQueryParamBool(r, "confirm", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !confirm {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("deactivating every endpoint requires confirm=true"))
		return
	}

	n, err := h.store.DeactivateAll(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "deactivate", "endpoints", h.logger)
		return
	}
	h.logger.Warn("All endpoints deactivated", "request_id", getRequestIDFromContext(r.Context()), "count", n)
	writeJSON(w, r, http.StatusOK, DeactivateResponse{Status: "deactivated", Deactivated: n})
}

// PreviewDead reports how many endpoints the dead rule would retire.
// Query: window=tests=K|hours=H, defaulting to the configured window.
func (h *EndpointHandler) PreviewDead(w http.ResponseWriter, r *http.Request) {
	window, err := h.windowFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	count, err := h.store.PreviewDeadCount(r.Context(), window)
	if err != nil {
		handleDatabaseError(w, r, err, "preview", "dead endpoints", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, DeadPreviewResponse{Window: window, Count: count})
}

// DeactivateDead retires every endpoint the dead rule matches.
func (h *EndpointHandler) DeactivateDead(w http.ResponseWriter, r *http.Request) {
	window, err := h.windowFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	n, err := h.store.DeactivateDead(r.Context(), window)
	if err != nil {
		handleDatabaseError(w, r, err, "deactivate", "dead endpoints", h.logger)
		return
	}
	h.logger.Info("Dead endpoints deactivated",
		"request_id", getRequestIDFromContext(r.Context()),
		"window", window.String(),
		"count", n)
	writeJSON(w, r, http.StatusOK, DeactivateResponse{Status: "deactivated", Deactivated: n, Window: &window})
}

// Export writes the active endpoints as a download. Query: format.
func (h *EndpointHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	endpoints, err := h.store.GetActiveEndpoints(r.Context(), 0)
	if err != nil {
		handleDatabaseError(w, r, err, "export", "endpoints", h.logger)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(time.Now())))
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, format, endpoints); err != nil {
		h.logger.Error("Failed to write export",
			"request_id", getRequestIDFromContext(r.Context()),
			"format", string(format),
			"error", err)
	}
}

func (h *EndpointHandler) windowFrom(r *http.Request) (liveness.Window, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return h.deadWindow, h.deadWindow.Validate()
	}
	return liveness.ParseWindow(raw)
}

// addressFromPath returns the {address} path variable in canonical form.
func addressFromPath(r *http.Request) (string, error) {
	return scanning.NormalizeAddress(mux.Vars(r)["address"])
}
