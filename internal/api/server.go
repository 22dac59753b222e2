// Package api provides the HTTP REST and WebSocket API of the edgeprobe
// daemon: discovery scans, the monitor loop, endpoints, statistics and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/api/middleware"
	"github.com/anstrom/edgeprobe/internal/config"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/metrics"
)

const serverShutdownTimeout = 30 * time.Second

// Store is the persistence the API reads and mutates.
// *db.EndpointRepository implements it.
type Store interface {
	apihandlers.EndpointStore
	apihandlers.StatsStore
}

// Deps are the services the API exposes. Engine, Monitor and Store are
// required.
type Deps struct {
	Engine     apihandlers.ScanController
	Monitor    apihandlers.MonitorController
	Store      Store
	DB         apihandlers.DatabasePinger
	Metrics    *metrics.PrometheusMetrics
	Hub        *apihandlers.Hub
	DeadWindow liveness.Window
	Build      apihandlers.BuildInfo
	Logger     *logging.Logger

	// RequestLogging logs every request with its ID.
	RequestLogging bool
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.APIConfig
	deps       Deps
	logger     *logging.Logger
	hub        *apihandlers.Hub
	ownsHub    bool

	mu      sync.Mutex
	running bool
}

// New builds the server. ctx bounds scans, schedules and monitor loops
// started through the API.
func New(ctx context.Context, cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Monitor == nil || deps.Store == nil {
		return nil, fmt.Errorf("api: engine, monitor and store are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		deps:   deps,
		logger: logger,
		hub:    deps.Hub,
	}
	if s.hub == nil {
		s.hub = apihandlers.NewHub(logger.Logger, deps.Metrics, cfg.CORS.AllowedOrigins)
		s.ownsHub = true
	}

	s.setupRoutes(ctx)
	s.setupMiddleware()

	var handler http.Handler = s.router
	if cfg.CORS.Enabled {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.CORS.AllowedOrigins),
			handlers.AllowedMethods(cfg.CORS.AllowedMethods),
			handlers.AllowedHeaders(cfg.CORS.AllowedHeaders),
		)(handler)
	}
	if cfg.MaxRequestSize > 0 {
		handler = http.MaxBytesHandler(handler, cfg.MaxRequestSize)
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
}

// Stop gracefully stops the API server and disconnects WebSocket clients.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if s.ownsHub {
		s.hub.Close()
	}
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupRoutes(ctx context.Context) {
	log := s.logger.Logger
	health := apihandlers.NewHealthHandler(s.deps.DB, s.deps.Store, s.deps.Engine, s.deps.Monitor, s.deps.Build, log)
	scans := apihandlers.NewScanHandler(ctx, s.deps.Engine, log)
	mon := apihandlers.NewMonitorHandler(ctx, s.deps.Monitor, log)
	endpoints := apihandlers.NewEndpointHandler(s.deps.Store, s.deps.DeadWindow, log)
	stats := apihandlers.NewStatsHandler(s.deps.Store, log)

	auth := middleware.BasicAuth(s.config.AdminUser, s.config.AdminPasswordHash, log)
	guard := func(h http.HandlerFunc) http.Handler { return auth(h) }

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", health.Status).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.Handle("/scan", guard(scans.StartScan)).Methods(http.MethodPost)
	api.Handle("/scan/cancel", guard(scans.CancelScan)).Methods(http.MethodPost)
	api.HandleFunc("/scan/status", scans.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/scan/last", scans.GetLastResult).Methods(http.MethodGet)
	api.HandleFunc("/scan/schedule", scans.GetSchedule).Methods(http.MethodGet)
	api.Handle("/scan/schedule/start", guard(scans.StartSchedule)).Methods(http.MethodPost)
	api.Handle("/scan/schedule/stop", guard(scans.StopSchedule)).Methods(http.MethodPost)
	api.Handle("/scan/schedule/interval", guard(scans.SetScheduleInterval)).Methods(http.MethodPut)

	api.HandleFunc("/monitor/status", mon.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/monitor/progress", mon.GetProgress).Methods(http.MethodGet)
	api.HandleFunc("/monitor/history", mon.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/monitor/summary", mon.GetSummary).Methods(http.MethodGet)
	api.Handle("/monitor/start", guard(mon.Start)).Methods(http.MethodPost)
	api.Handle("/monitor/stop", guard(mon.Stop)).Methods(http.MethodPost)
	api.Handle("/monitor/pause", guard(mon.Pause)).Methods(http.MethodPost)
	api.Handle("/monitor/resume", guard(mon.Resume)).Methods(http.MethodPost)
	api.Handle("/monitor/trigger", guard(mon.Trigger)).Methods(http.MethodPost)
	api.Handle("/monitor/maintenance", guard(mon.RunMaintenance)).Methods(http.MethodPost)
	api.Handle("/monitor/interval", guard(mon.SetInterval)).Methods(http.MethodPut)

	// Fixed paths before the {address} patterns.
	api.HandleFunc("/endpoints", endpoints.ListEndpoints).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/dead", endpoints.PreviewDead).Methods(http.MethodGet)
	api.Handle("/endpoints/dead/deactivate", guard(endpoints.DeactivateDead)).Methods(http.MethodPost)
	api.Handle("/endpoints/deactivate-all", guard(endpoints.DeactivateAll)).Methods(http.MethodPost)
	api.HandleFunc("/endpoints/{address}", endpoints.GetEndpoint).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{address}/history", endpoints.GetHistory).Methods(http.MethodGet)
	api.Handle("/endpoints/{address}/deactivate", guard(endpoints.Deactivate)).Methods(http.MethodPost)
	api.Handle("/endpoints/{address}/activate", guard(endpoints.Activate)).Methods(http.MethodPost)
	api.HandleFunc("/export", endpoints.Export).Methods(http.MethodGet)

	api.HandleFunc("/stats", stats.GetStatistics).Methods(http.MethodGet)
	api.HandleFunc("/stats/hourly", stats.GetHourly).Methods(http.MethodGet)
	api.HandleFunc("/sessions", stats.ListSessions).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.hub.Serve).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.GetRegistry(), promhttp.HandlerOpts{
			ErrorLog: promLogger{s.logger},
		})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/", s.rootHandler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
}

func (s *Server) setupMiddleware() {
	log := s.logger.Logger
	s.router.Use(middleware.Recovery(log))
	if s.deps.RequestLogging {
		s.router.Use(middleware.Logging(log))
	}
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.Metrics(s.deps.Metrics))
	s.router.Use(middleware.ContentType())
}

// rootHandler describes the API for requests to "/".
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"service": "edgeprobe",
		"version": s.deps.Build.Version,
		"api":     "/api/v1",
		"health":  "/api/v1/health",
		"ws":      "/ws",
		"metrics": "/metrics",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.writeJSON(w, r, status, apihandlers.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// promLogger routes promhttp errors to the structured logger.
type promLogger struct {
	logger *logging.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error("Metrics handler error", "error", fmt.Sprint(v...))
}
