// Package handlers provides HTTP request handlers for the edgeprobe API.
// This file contains the response, parsing and error helpers shared by
// every handler.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/edgeprobe/internal/api/middleware"
	"github.com/anstrom/edgeprobe/internal/errors"
)

const maxRequestSize = 1 << 20

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// PaginatedResponse represents a paginated API response.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination struct {
		Page       int   `json:"page"`
		PageSize   int   `json:"page_size"`
		TotalItems int64 `json:"total_items"`
		TotalPages int   `json:"total_pages"`
	} `json:"pagination"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// MessageResponse acknowledges a control action.
type MessageResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func getRequestIDFromContext(ctx context.Context) string {
	return middleware.RequestIDFromContext(ctx)
}

// getQueryParamInt extracts an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s parameter: %q is not an integer", key, value)
		}
		return n, nil
	}
	return defaultValue, nil
}

// getQueryParamBool extracts a boolean query parameter with a default value.
func getQueryParamBool(r *http.Request, key string, defaultValue bool) (bool, error) {
	if value := r.URL.Query().Get(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid %s parameter: %q is not a boolean", key, value)
		}
		return b, nil
	}
	return defaultValue, nil
}

// getPaginationParams extracts pagination parameters from the request.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 1000
	)

	page, err := getQueryParamInt(r, "page", defaultPage)
	if err != nil {
		return PaginationParams{}, err
	}
	pageSize, err := getQueryParamInt(r, "page_size", defaultPageSize)
	if err != nil {
		return PaginationParams{}, err
	}

	if page < 1 {
		page = defaultPage
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", getRequestIDFromContext(r.Context()),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	writeJSON(w, r, statusCode, ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: getRequestIDFromContext(r.Context()),
	})
}

// writePaginatedResponse writes a paginated response.
func writePaginatedResponse(w http.ResponseWriter, r *http.Request, data interface{},
	params PaginationParams, totalItems int64) {
	response := PaginatedResponse{Data: data}
	response.Pagination.Page = params.Page
	response.Pagination.PageSize = params.PageSize
	response.Pagination.TotalItems = totalItems
	response.Pagination.TotalPages = int((totalItems + int64(params.PageSize) - 1) / int64(params.PageSize))

	writeJSON(w, r, http.StatusOK, response)
}

// parseJSON decodes a bounded JSON body into dest and validates it. An
// empty body leaves dest unchanged.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return validateStruct(dest)
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		if stderrors.Is(err, io.EOF) {
			return validateStruct(dest)
		}
		if strings.Contains(err.Error(), "request body too large") {
			return fmt.Errorf("request body too large (max %d bytes)", maxRequestSize)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return validateStruct(dest)
}

func validateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// handleDatabaseError maps store errors onto HTTP responses.
func handleDatabaseError(w http.ResponseWriter, r *http.Request, err error,
	operation, entityType string, logger *slog.Logger) {
	if errors.IsNotFound(err) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%s not found", entityType))
		return
	}
	if errors.IsConflict(err) {
		writeError(w, r, http.StatusConflict, err)
		return
	}

	logger.Error(fmt.Sprintf("Failed to %s %s", operation, entityType),
		"request_id", getRequestIDFromContext(r.Context()),
		"error", err)
	writeError(w, r, http.StatusInternalServerError, fmt.Errorf("failed to %s %s", operation, entityType))
}
