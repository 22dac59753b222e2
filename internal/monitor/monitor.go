// Package monitor re-tests the active endpoint set on a recurring cycle.
//
// Each cycle fetches the active endpoints, splits them into fixed-size
// batches and tests the batches strictly one after another. An endpoint
// that produces no measurement gets a synthetic failed result so that it
// never silently drops out of its history. Every N cycles the loop runs a
// maintenance pass: retention cleanup plus optional dead and slow endpoint
// deactivation.
//
// The loop is an explicit state machine (Stopped, Running, Paused,
// Stopping). Every transition closes and replaces a broadcast channel, and
// the loop consults the state between batches and while waiting for the
// next cycle.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/metrics"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

const (
	defaultInterval         = 120 * time.Second
	defaultMinInterval      = 30 * time.Second
	defaultBatchSize        = 20
	defaultHistorySize      = 50
	defaultMaintenanceEvery = 24
	defaultStopTimeout      = 10 * time.Second
)

//go:generate mockgen -source=monitor.go -destination=mocks/mocks.go -package=mocks

// Store is the persistence the monitor needs.
type Store interface {
	GetActiveEndpoints(ctx context.Context, limit int) ([]*db.Endpoint, error)
	InsertTestResult(ctx context.Context, in db.TestResultInput) (int64, error)
}

// Maintainer runs the periodic cleanup queries.
type Maintainer interface {
	CleanupOldResults(ctx context.Context, retention time.Duration) (int64, error)
	DeactivateDead(ctx context.Context, w liveness.Window) (int64, error)
	DeactivateSlow(ctx context.Context, floor float64) (int64, error)
}

// Tester measures an explicit set of endpoints and persists the results.
// *discovery.Engine implements it.
type Tester interface {
	TestEndpoints(ctx context.Context, addrs []string, opts discovery.TestOptions) ([]scanning.Record, error)
}

// State is the loop's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateStopping
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the monitor's settings.
type Config struct {
	Interval     time.Duration
	MinInterval  time.Duration
	BatchSize    int
	BatchTimeout time.Duration
	HistorySize  int

	// MaintenanceEvery is the number of loop cycles between maintenance
	// passes. Zero disables maintenance.
	MaintenanceEvery int
	Retention        time.Duration
	DeadEnabled      bool
	DeadWindow       liveness.Window
	SlowEnabled      bool
	MinSpeed         float64
}

// Status is the monitor's status snapshot.
type Status struct {
	State             string     `json:"state"`
	IsRunning         bool       `json:"is_running"`
	IsPaused          bool       `json:"is_paused"`
	IntervalSeconds   int        `json:"interval_seconds"`
	LastTestTime      *time.Time `json:"last_test_time"`
	TestCount         int        `json:"test_count"`
	NextTestInSeconds *int       `json:"next_test_in"`
	BatchSize         int        `json:"batch_size"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(m *Monitor) { m.metrics = pm }
}

// WithMaintainer enables the periodic maintenance pass.
func WithMaintainer(mt Maintainer) Option {
	return func(m *Monitor) { m.maintainer = mt }
}

// WithCycleObserver registers a callback invoked with the summary and raw
// records of every finished cycle.
func WithCycleObserver(fn func(CycleSummary, []scanning.Record)) Option {
	return func(m *Monitor) { m.cycleObservers = append(m.cycleObservers, fn) }
}

// WithProgressObserver registers a callback invoked after every batch.
func WithProgressObserver(fn func(Progress)) Option {
	return func(m *Monitor) { m.progressObservers = append(m.progressObservers, fn) }
}

// Monitor owns the recurring test loop.
type Monitor struct {
	cfg        Config
	store      Store
	tester     Tester
	maintainer Maintainer
	metrics    *metrics.PrometheusMetrics
	logger     *logging.Logger

	cycleObservers    []func(CycleSummary, []scanning.Record)
	progressObservers []func(Progress)

	// cycleMu serializes cycles so batches never run concurrently, even
	// when a cycle is triggered out of band.
	cycleMu sync.Mutex

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	interval time.Duration
	nextRun  time.Time
	// remaining is the frozen countdown while paused.
	remaining time.Duration

	progress  Progress
	history   []CycleSummary
	lastCycle *CycleSummary
	lastTest  time.Time
	testCount int
}

// New creates a stopped monitor.
func New(cfg Config, store Store, tester Tester, opts ...Option) *Monitor {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.MaintenanceEvery < 0 {
		cfg.MaintenanceEvery = defaultMaintenanceEvery
	}

	m := &Monitor{
		cfg:     cfg,
		store:   store,
		tester:  tester,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	m.logger = m.logger.WithComponent("monitor")
	m.interval = m.clamp(cfg.Interval)
	return m
}

func (m *Monitor) clamp(d time.Duration) time.Duration {
	if d < m.cfg.MinInterval {
		return m.cfg.MinInterval
	}
	return d
}

// setState transitions and wakes every waiter. Callers hold mu.
func (m *Monitor) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.broadcast()
}

// broadcast wakes every waiter. Callers hold mu.
func (m *Monitor) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Monitor) snapshot() (State, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.changed
}

// Start begins the loop. With runImmediately one cycle runs synchronously
// before Start returns; otherwise the first cycle runs after one interval.
// Starting a monitor that is not stopped is a no-op.
func (m *Monitor) Start(ctx context.Context, runImmediately bool) {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		m.logger.Warn("Monitor is already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.setState(StateRunning)
	interval := m.interval
	m.mu.Unlock()

	m.logger.Info("Monitor started", "interval", interval, "batch_size", m.cfg.BatchSize)

	cycles := 0
	if runImmediately {
		m.runCycle(loopCtx)
		cycles++
	}

	m.mu.Lock()
	if m.state == StateStopping {
		m.mu.Unlock()
		close(done)
		return
	}
	m.mu.Unlock()

	go m.loop(loopCtx, done, cycles)
}

// Stop ends the loop and waits up to timeout for it to exit. A batch in
// progress is allowed to finish; when the wait times out the loop's context
// is cancelled, which terminates the running tool and ends the cycle as
// aborted without recording failures for the interrupted batch. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	m.mu.Lock()
	if m.state == StateStopped || m.state == StateStopping {
		m.mu.Unlock()
		return
	}
	m.setState(StateStopping)
	done, cancel := m.done, m.cancel
	m.mu.Unlock()

	m.logger.Info("Stopping monitor")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.logger.Warn("Monitor loop did not stop in time", "timeout", timeout)
	}
	cancel()

	m.mu.Lock()
	m.setState(StateStopped)
	m.nextRun = time.Time{}
	m.remaining = 0
	m.mu.Unlock()
	m.logger.Info("Monitor stopped")
}

// Pause holds the loop. A cycle in progress finishes its current batch and
// then waits; the countdown to the next cycle is frozen.
func (m *Monitor) Pause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return false
	}
	m.setState(StatePaused)
	m.logger.Info("Monitor paused")
	return true
}

// Resume continues a paused loop.
func (m *Monitor) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return false
	}
	m.setState(StateRunning)
	m.logger.Info("Monitor resumed")
	return true
}

// SetInterval changes the time between cycles, applying the floor, and
// returns the effective value in seconds. A wait in progress is adjusted.
func (m *Monitor) SetInterval(seconds int) int {
	m.mu.Lock()
	m.interval = m.clamp(time.Duration(seconds) * time.Second)
	effective := m.interval
	m.broadcast()
	m.mu.Unlock()

	m.logger.Info("Monitor interval changed", "interval", effective)
	return int(effective / time.Second)
}

// IsRunning reports whether the loop is active, paused included.
func (m *Monitor) IsRunning() bool {
	state, _ := m.snapshot()
	return state == StateRunning || state == StatePaused
}

// Status returns a snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:           m.state.String(),
		IsRunning:       m.state == StateRunning || m.state == StatePaused,
		IsPaused:        m.state == StatePaused,
		IntervalSeconds: int(m.interval / time.Second),
		TestCount:       m.testCount,
		BatchSize:       m.cfg.BatchSize,
	}
	if !m.lastTest.IsZero() {
		t := m.lastTest
		st.LastTestTime = &t
	}
	switch {
	case m.state == StatePaused && m.remaining > 0:
		next := int(m.remaining / time.Second)
		st.NextTestInSeconds = &next
	case m.state == StateRunning && !m.nextRun.IsZero():
		next := int(time.Until(m.nextRun) / time.Second)
		if next < 0 {
			next = 0
		}
		st.NextTestInSeconds = &next
	}
	return st
}

// loop runs scheduled cycles until stopped. cycles is the number already
// run since the last maintenance pass.
func (m *Monitor) loop(ctx context.Context, done chan struct{}, cycles int) {
	defer close(done)

	for {
		if !m.wait(ctx) {
			m.logger.Debug("Monitor loop exited")
			return
		}
		m.runCycle(ctx)

		cycles++
		if m.cfg.MaintenanceEvery > 0 && cycles >= m.cfg.MaintenanceEvery {
			cycles = 0
			m.RunMaintenance(ctx)
		}
	}
}

// wait sleeps until the next cycle is due. Time spent paused does not count
// toward the interval, and an interval change takes effect immediately. It
// returns false when the loop should exit.
func (m *Monitor) wait(ctx context.Context) bool {
	var elapsed time.Duration
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		remaining := m.interval - elapsed
		switch state {
		case StateStopping, StateStopped:
			m.mu.Unlock()
			return false
		case StatePaused:
			m.remaining = remaining
			m.nextRun = time.Time{}
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return false
			case <-changed:
			}
			continue
		}
		if remaining <= 0 {
			m.nextRun = time.Time{}
			m.mu.Unlock()
			return ctx.Err() == nil
		}
		m.remaining = 0
		m.nextRun = time.Now().Add(remaining)
		m.mu.Unlock()

		start := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
			return ctx.Err() == nil
		case <-changed:
			timer.Stop()
			elapsed += time.Since(start)
		}
	}
}

// awaitBatch blocks while paused and reports whether the next batch may
// start.
func (m *Monitor) awaitBatch(ctx context.Context) bool {
	for {
		state, changed := m.snapshot()
		switch state {
		case StateStopping:
			return false
		case StatePaused:
			select {
			case <-ctx.Done():
				return false
			case <-changed:
			}
		default:
			return ctx.Err() == nil
		}
	}
}
