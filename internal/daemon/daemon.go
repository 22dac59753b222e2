// Package daemon runs edgeprobe as a long-lived service: it owns the
// database connection, the discovery engine and schedule, the monitor loop
// and the API server, and shuts them down in order.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/edgeprobe/internal/api"
	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/config"
	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/metrics"
)

const systemMetricsInterval = 15 * time.Second

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// ActiveCounter reports whether any endpoint is active.
type ActiveCounter interface {
	GetActiveEndpoints(ctx context.Context, limit int) ([]*db.Endpoint, error)
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(d *Daemon) { d.metrics = pm }
}

// WithBuildInfo sets the version reported by the API.
func WithBuildInfo(b apihandlers.BuildInfo) Option {
	return func(d *Daemon) { d.build = b }
}

// Daemon represents the main daemon process.
type Daemon struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	build   apihandlers.BuildInfo
	pidFile string

	database  *db.DB
	services  *Services
	apiServer *api.Server

	// ctx is the lifetime of the components and is cancelled by cleanup
	// once they have stopped. shutdown is cancelled to ask for a stop.
	ctx             context.Context
	cancel          context.CancelFunc
	shutdown        context.Context
	requestShutdown context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
}

// New creates a daemon. The configuration is validated here so a bad file
// fails before any side effect.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	d := &Daemon{
		config:  cfg,
		pidFile: cfg.Daemon.PIDFile,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	d.logger = d.logger.WithComponent("daemon")
	if d.metrics == nil {
		d.metrics = metrics.NewPrometheusMetrics()
	}
	return d, nil
}

// Run starts every component and blocks until ctx is cancelled or SIGINT
// or SIGTERM arrives, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	d.initContexts(ctx)
	defer d.cancel()
	defer d.requestShutdown()

	d.logger.InfoDaemon("Starting edgeprobe daemon", "version", d.build.Version, "pid", os.Getpid())

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	stopSignals := d.setupSignalHandlers()
	defer stopSignals()

	if err := d.start(); err != nil {
		d.cleanup()
		return err
	}

	d.logger.InfoDaemon("Daemon started successfully")
	d.run()
	d.cleanup()
	return nil
}

func (d *Daemon) initContexts(parent context.Context) {
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(parent))
	d.shutdown, d.requestShutdown = context.WithCancel(parent)
}

func (d *Daemon) start() error {
	if err := d.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := EnsureBinary(d.shutdown, d.config, d.logger); err != nil {
		return err
	}

	services, err := NewServices(d.config, d.database, d.metrics, d.logger, d.config.API.Enabled)
	if err != nil {
		return fmt.Errorf("failed to build services: %w", err)
	}
	d.services = services

	if d.config.API.Enabled {
		server, err := services.NewAPI(d.ctx, d.config, d.database, d.metrics, d.build, d.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize API server: %w", err)
		}
		d.apiServer = server
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.metrics.StartPeriodicUpdates(d.ctx, systemMetricsInterval)
	}()

	if d.apiServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.logger.ErrorDaemon("API server error", err)
				d.requestShutdown()
			}
		}()
	}

	if err := d.startSchedule(); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.startMonitoring()
	}()
	return nil
}

func (d *Daemon) startSchedule() error {
	dc := d.config.Discovery
	if !dc.ScheduleEnabled {
		return nil
	}
	if dc.ScheduleCron != "" {
		if err := d.services.Engine.StartCronSchedule(d.ctx, dc.ScheduleCron); err != nil {
			return fmt.Errorf("failed to start discovery schedule: %w", err)
		}
		return nil
	}
	d.services.Engine.StartSchedule(d.ctx, dc.ScheduleInterval)
	return nil
}

// startMonitoring runs the initial discovery scan when nothing is active
// yet, then starts the monitor loop.
func (d *Daemon) startMonitoring() {
	if d.config.Daemon.InitialScanOnEmpty {
		empty, err := noActiveEndpoints(d.shutdown, d.services.Repo)
		switch {
		case err != nil:
			d.logger.ErrorDaemon("Failed to count active endpoints", err)
		case empty:
			d.logger.InfoDaemon("No active endpoints, running initial discovery scan")
			outcome, err := d.services.Engine.RunDiscoveryScan(d.shutdown, discovery.ScanRequest{})
			if err != nil {
				d.logger.ErrorDaemon("Initial discovery scan failed", err)
			} else {
				d.logger.InfoDaemon("Initial discovery scan finished",
					"status", outcome.Status, "passed", outcome.Passed)
			}
		}
	}

	if d.shutdown.Err() != nil || !d.config.Monitor.Enabled {
		return
	}
	d.services.Monitor.Start(d.ctx, d.config.Monitor.RunImmediately)
}

func noActiveEndpoints(ctx context.Context, store ActiveCounter) (bool, error) {
	active, err := store.GetActiveEndpoints(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(active) == 0, nil
}

// setupSignalHandlers requests shutdown on SIGINT or SIGTERM and logs a
// status dump on SIGHUP. The returned func unregisters the handlers.
func (d *Daemon) setupSignalHandlers() func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case sig := <-sigChan:
				d.logger.InfoDaemon("Received signal", "signal", sig.String())
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.logger.InfoDaemon("Initiating graceful shutdown")
					d.requestShutdown()
				case syscall.SIGHUP:
					d.dumpStatus()
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(stop)
	}
}

// initDatabase connects and applies pending migrations.
func (d *Daemon) initDatabase() error {
	d.logger.InfoDaemon("Connecting to database",
		"host", d.config.Database.Host, "database", d.config.Database.Database)

	database, err := db.ConnectAndMigrate(d.shutdown, &d.config.Database, d.logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	d.database = database
	d.logger.InfoDaemon("Database connection established")
	return nil
}

// run blocks until shutdown, checking the database periodically.
func (d *Daemon) run() {
	ticker := time.NewTicker(d.config.Daemon.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown.Done():
			d.logger.InfoDaemon("Shutdown signal received")
			close(d.done)
			return
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

// performHealthCheck pings the database. The connection pool re-dials on
// its own; a failure is logged and counted.
func (d *Daemon) performHealthCheck() {
	if d.database == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.config.Daemon.HealthCheckInterval)
	defer cancel()

	start := time.Now()
	err := d.database.Ping(ctx)
	d.metrics.RecordDatabaseQuery("ping", time.Since(start), err)
	if err != nil {
		d.logger.ErrorDaemon("Database health check failed", err)
	}
}

// cleanup stops components in dependency order: producers first, then
// the API, then shared resources. The lifetime context is cancelled only
// after the monitor has had its chance to finish the running batch.
func (d *Daemon) cleanup() {
	d.logger.InfoDaemon("Performing cleanup")
	d.requestShutdown()
	timeout := d.config.Daemon.ShutdownTimeout

	if d.services != nil {
		d.services.Engine.StopSchedule()
		if d.services.Engine.CancelScan() {
			d.logger.InfoDaemon("Cancelled running discovery scan")
		}
		d.services.Monitor.Stop(timeout)
	}

	if d.apiServer != nil && d.apiServer.IsRunning() {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.ErrorDaemon("Error stopping API server", err)
		}
	}

	d.cancel()
	if !waitTimeout(&d.wg, timeout) {
		d.logger.Warn("Background goroutines did not exit in time", "timeout", timeout)
	}

	if d.services != nil {
		d.services.Close()
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.ErrorDaemon("Error closing database", err)
		}
	}

	d.removePIDFile()
	d.logger.InfoDaemon("Cleanup completed")
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// dumpStatus logs the daemon and component state.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
		"uptime", d.metrics.GetUptime().Round(time.Second).String(),
	}

	switch {
	case d.database == nil:
		fields = append(fields, "database", "not configured")
	case d.database.Ping(d.ctx) != nil:
		fields = append(fields, "database", "disconnected")
	default:
		fields = append(fields, "database", "connected")
	}

	if d.services != nil {
		scan := d.services.Engine.Status()
		mon := d.services.Monitor.Status()
		fields = append(fields,
			"scanning", scan.IsScanning,
			"schedule_running", scan.Schedule.IsRunning,
			"monitor_state", mon.State,
			"monitor_cycles", mon.TestCount)
	}

	if d.apiServer != nil && d.apiServer.IsRunning() {
		fields = append(fields, "api", d.apiServer.GetAddress())
	} else {
		fields = append(fields, "api", "disabled")
	}

	d.logger.InfoDaemon("Status dump", fields...)
}

// createPIDFile writes the current PID, refusing when another live
// process owns the file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.InfoDaemon("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails if the PID file names a running process and
// removes it if the process is gone or the file is unreadable.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	d.logger.Warn("Removing stale PID file", "path", d.pidFile, "pid", pid)
	_ = os.Remove(d.pidFile)
	return nil
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.ErrorDaemon("Error removing PID file", err)
		return
	}
	d.logger.InfoDaemon("Removed PID file", "path", d.pidFile)
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Done is closed when the main loop exits.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
