package daemon

import (
	"context"
	"fmt"

	"github.com/anstrom/edgeprobe/internal/api"
	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/config"
	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/metrics"
	"github.com/anstrom/edgeprobe/internal/monitor"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

// Services is the wired object graph shared by the daemon and the one-shot
// CLI commands.
type Services struct {
	Repo    *db.EndpointRepository
	Limiter *scanning.FixedProcessLimiter
	Engine  *discovery.Engine
	Monitor *monitor.Monitor
	Hub     *apihandlers.Hub
}

// EngineConfig maps the configuration onto the discovery engine settings.
func EngineConfig(cfg *config.Config) discovery.Config {
	ranges := cfg.Discovery.Ranges
	if len(ranges) == 0 {
		ranges = scanning.DefaultRanges(cfg.Discovery.IncludeIPv6)
	}
	return discovery.Config{
		Binary:              cfg.Scanner.Binary,
		DataDir:             cfg.Scanner.DataDir,
		ScanParams:          cfg.Discovery.Params,
		TestParams:          cfg.Monitor.Params,
		Ranges:              ranges,
		ScanTimeout:         cfg.Discovery.Timeout,
		TestTimeout:         cfg.Discovery.TestTimeout,
		ScheduleInterval:    cfg.Discovery.ScheduleInterval,
		MinScheduleInterval: config.MinScheduleInterval,
	}
}

// MonitorConfig maps the configuration onto the monitor settings.
func MonitorConfig(cfg *config.Config) (monitor.Config, error) {
	window, err := cfg.DeadWindow()
	if err != nil {
		return monitor.Config{}, fmt.Errorf("invalid dead window: %w", err)
	}
	return monitor.Config{
		Interval:         cfg.Monitor.Interval,
		MinInterval:      config.MinMonitorInterval,
		BatchSize:        cfg.Monitor.BatchSize,
		BatchTimeout:     cfg.Monitor.BatchTimeout,
		HistorySize:      cfg.Monitor.HistorySize,
		MaintenanceEvery: cfg.Monitor.MaintenanceEvery,
		Retention:        cfg.Retention(),
		DeadEnabled:      cfg.Maintenance.DeadEnabled,
		DeadWindow:       window,
		SlowEnabled:      cfg.Maintenance.SlowEnabled,
		MinSpeed:         cfg.Maintenance.MinSpeed,
	}, nil
}

// EnsureBinary provisions the measurement tool named by the scanner
// section.
func EnsureBinary(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	s := cfg.Scanner
	return scanning.EnsureBinary(ctx, s.Binary, s.ReleaseURL, s.AutoDownload, logger)
}

// NewServices builds the engine, monitor and WebSocket hub on top of
// database. When withHub is false no hub is created and nothing is
// published.
func NewServices(cfg *config.Config, database *db.DB, pm *metrics.PrometheusMetrics,
	logger *logging.Logger, withHub bool) (*Services, error) {
	monCfg, err := MonitorConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Repo:    db.NewEndpointRepository(database, pm),
		Limiter: scanning.NewFixedProcessLimiter(cfg.Scanner.MaxConcurrentRuns),
	}

	engineOpts := []discovery.Option{
		discovery.WithLogger(logger),
		discovery.WithMetrics(pm),
		discovery.WithLimiter(s.Limiter),
	}
	monitorOpts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithMetrics(pm),
		monitor.WithMaintainer(s.Repo),
	}
	if withHub {
		s.Hub = apihandlers.NewHub(logger.Logger, pm, cfg.API.CORS.AllowedOrigins)
		engineOpts = append(engineOpts, discovery.WithScanObserver(s.Hub.PublishScan))
		monitorOpts = append(monitorOpts,
			monitor.WithCycleObserver(s.Hub.PublishCycle),
			monitor.WithProgressObserver(s.Hub.PublishProgress))
	}

	runner := scanning.NewRunner(cfg.Scanner.Runner, logger)
	s.Engine = discovery.NewEngine(EngineConfig(cfg), runner, s.Repo, engineOpts...)
	s.Monitor = monitor.New(monCfg, s.Repo, s.Engine, monitorOpts...)
	return s, nil
}

// NewAPI builds the HTTP server on top of the services.
func (s *Services) NewAPI(ctx context.Context, cfg *config.Config, database *db.DB,
	pm *metrics.PrometheusMetrics, build apihandlers.BuildInfo, logger *logging.Logger) (*api.Server, error) {
	window, err := cfg.DeadWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid dead window: %w", err)
	}
	return api.New(ctx, cfg.API, api.Deps{
		Engine:         s.Engine,
		Monitor:        s.Monitor,
		Store:          s.Repo,
		DB:             database,
		Metrics:        pm,
		Hub:            s.Hub,
		DeadWindow:     window,
		Build:          build,
		Logger:         logger,
		RequestLogging: cfg.Logging.RequestLogging,
	})
}

// Close releases the hub and the process limiter.
func (s *Services) Close() {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.Limiter != nil {
		_ = s.Limiter.Close()
	}
}
