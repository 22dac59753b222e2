package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/edgeprobe/internal/config"
)

const clientTimeout = 30 * time.Second

// APIClient talks to a running edgeprobe daemon.
type APIClient struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	userAgent  string
}

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// errorBody mirrors the API's error envelope.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// NewAPIClient builds a client for the daemon described by cfg. A
// wildcard listen address is reached over loopback.
func NewAPIClient(cfg *config.Config, user, password, version string) *APIClient {
	host := cfg.API.ListenAddr
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &APIClient{
		baseURL:    "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.API.Port)) + "/api/v1",
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: clientTimeout},
		userAgent:  "edgeprobe-cli/" + version,
	}
}

// Get decodes the response of GET path into out.
func (c *APIClient) Get(ctx context.Context, path string, out interface{}) error {
	return c.request(ctx, http.MethodGet, path, nil, out)
}

// Post sends payload as JSON and decodes the response into out. Either
// may be nil.
func (c *APIClient) Post(ctx context.Context, path string, payload, out interface{}) error {
	return c.request(ctx, http.MethodPost, path, payload, out)
}

func (c *APIClient) request(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorBody
		if jsonErr := json.Unmarshal(data, &e); jsonErr != nil || (e.Message == "" && e.Error == "") {
			e.Message = strings.TrimSpace(string(data))
		}
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg, RequestID: e.RequestID}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// newAPIClient builds a client from the loaded config. Credentials come
// from EDGEPROBE_ADMIN_USER and EDGEPROBE_ADMIN_PASSWORD.
func (a *app) newAPIClient() (*APIClient, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return NewAPIClient(cfg, a.v.GetString("admin.user"), a.v.GetString("admin.password"), a.build.Version), nil
}

// describeAPIError turns common API failures into operator hints.
func describeAPIError(err error, operation string) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s failed: %w (is the daemon running?)", operation, err)
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: authentication failed; set EDGEPROBE_ADMIN_USER and EDGEPROBE_ADMIN_PASSWORD", operation)
	case http.StatusConflict:
		return fmt.Errorf("%s: %s", operation, apiErr.Message)
	default:
		return fmt.Errorf("%s failed: %w", operation, apiErr)
	}
}
