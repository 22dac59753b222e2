// Package discovery orchestrates the external measurement tool: full-space
// discovery scans that find qualifying endpoints, and targeted re-tests of
// a given endpoint set.
//
// At most one discovery scan runs at a time. A second request while one is
// in progress returns immediately with status "skipped" and is never
// queued. Targeted tests do not take the discovery lock; every invocation
// gets its own scratch files so they can overlap freely.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/metrics"
	"github.com/anstrom/edgeprobe/internal/scanning"
	"github.com/anstrom/edgeprobe/internal/scheduler"
)

const (
	defaultScanTimeout         = time.Hour
	defaultTestTimeout         = 5 * time.Minute
	defaultMinScheduleInterval = 60 * time.Second
)

// ScanStatus is the terminal status of one discovery attempt.
type ScanStatus string

const (
	StatusCompleted ScanStatus = "completed"
	StatusCancelled ScanStatus = "cancelled"
	StatusTimeout   ScanStatus = "timeout"
	StatusError     ScanStatus = "error"
	StatusSkipped   ScanStatus = "skipped"
)

// Store is the persistence the engine needs.
type Store interface {
	InsertTestResult(ctx context.Context, in db.TestResultInput) (int64, error)
	InsertScanSession(ctx context.Context, s *db.ScanSession) (int64, error)
}

// ToolRunner launches the measurement tool. *scanning.Runner implements it.
type ToolRunner interface {
	Run(ctx context.Context, cmd scanning.Command, timeout time.Duration) (*scanning.RunResult, error)
}

// Config holds the engine's static settings.
type Config struct {
	Binary  string
	DataDir string

	// ScanParams drive discovery scans; TestParams drive targeted tests.
	ScanParams scanning.Params
	TestParams scanning.Params
	Ranges     []string

	ScanTimeout time.Duration
	TestTimeout time.Duration

	ScheduleInterval    time.Duration
	MinScheduleInterval time.Duration
}

// ScanRequest customizes one discovery scan. Zero values use the
// configured defaults.
type ScanRequest struct {
	Ranges    []string           `json:"ranges,omitempty" validate:"omitempty,dive,cidr"`
	Overrides scanning.Overrides `json:"overrides"`
	Timeout   time.Duration      `json:"-"`
}

// ScanOutcome summarizes one discovery attempt.
type ScanOutcome struct {
	ScanID      string               `json:"scan_id,omitempty"`
	Status      ScanStatus           `json:"status"`
	SessionID   int64                `json:"session_id,omitempty"`
	TotalTested int                  `json:"total_tested"`
	Passed      int                  `json:"passed"`
	Duration    time.Duration        `json:"-"`
	DurationSec float64              `json:"duration_seconds"`
	Params      scanning.Params      `json:"config"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Error       string               `json:"error,omitempty"`
	Best        *scanning.Record     `json:"best,omitempty"`
	Decode      scanning.DecodeStats `json:"decode"`
	Qualifying  []scanning.Record    `json:"-"`
}

// State is the engine's status snapshot.
type State struct {
	IsScanning     bool             `json:"is_scanning"`
	ScanID         string           `json:"scan_id,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	ElapsedSeconds *int             `json:"elapsed_seconds"`
	LastResult     *ScanOutcome     `json:"last_result"`
	Schedule       scheduler.Status `json:"schedule"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLimiter bounds concurrent tool processes.
func WithLimiter(l scanning.ProcessLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithScanObserver registers a callback invoked after every discovery
// attempt that ran.
func WithScanObserver(fn func(ScanOutcome)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// Engine runs discovery scans and targeted tests.
type Engine struct {
	cfg       Config
	runner    ToolRunner
	store     Store
	limiter   scanning.ProcessLimiter
	metrics   *metrics.PrometheusMetrics
	logger    *logging.Logger
	observers []func(ScanOutcome)

	// scanLock is held for the whole of one discovery scan.
	scanLock sync.Mutex

	mu        sync.RWMutex
	active    bool
	scanID    string
	startedAt time.Time
	cancel    context.CancelFunc
	last      *ScanOutcome

	schedule *scheduler.Scheduler
}

// NewEngine creates an engine.
func NewEngine(cfg Config, runner ToolRunner, store Store, opts ...Option) *Engine {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = defaultTestTimeout
	}
	if cfg.MinScheduleInterval <= 0 {
		cfg.MinScheduleInterval = defaultMinScheduleInterval
	}
	if len(cfg.Ranges) == 0 {
		cfg.Ranges = scanning.DefaultRanges(false)
	}

	e := &Engine{cfg: cfg, runner: runner, store: store}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	e.logger = e.logger.WithComponent("discovery")

	e.schedule = scheduler.New(e.scheduledScan, cfg.ScheduleInterval, cfg.MinScheduleInterval, e.logger)
	return e
}

// IsScanning reports whether a discovery scan is in progress.
func (e *Engine) IsScanning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// CancelScan requests cancellation of the running discovery scan and
// reports whether one was running. It is idempotent.
func (e *Engine) CancelScan() bool {
	e.mu.RLock()
	active, cancel, scanID := e.active, e.cancel, e.scanID
	e.mu.RUnlock()

	if !active || cancel == nil {
		e.logger.Debug("Cancel requested but no scan is running")
		return false
	}
	e.logger.InfoScan("Scan cancellation requested", scanID)
	cancel()
	return true
}

// Status returns a snapshot of the scan state and the schedule.
func (e *Engine) Status() State {
	e.mu.RLock()
	st := State{IsScanning: e.active, ScanID: e.scanID}
	if e.active {
		started := e.startedAt
		elapsed := int(time.Since(started) / time.Second)
		st.StartedAt = &started
		st.ElapsedSeconds = &elapsed
	}
	if e.last != nil {
		last := *e.last
		st.LastResult = &last
	}
	e.mu.RUnlock()

	st.Schedule = e.schedule.Status()
	return st
}

// LastResult returns the most recent attempt that ran, if any.
func (e *Engine) LastResult() *ScanOutcome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	last := *e.last
	return &last
}

func (e *Engine) acquire(ctx context.Context, runID string) (func(), error) {
	if e.limiter == nil {
		return func() {}, nil
	}
	if err := e.limiter.Acquire(ctx, runID); err != nil {
		return nil, err
	}
	return func() { e.limiter.Release(runID) }, nil
}
