// Package scheduler repeats a job on a fixed interval or a cron schedule.
// It drives recurring discovery scans: a run that finds another scan in
// progress is reported as skipped and the schedule simply waits for the
// next slot.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/edgeprobe/internal/logging"
)

const stopTimeout = 5 * time.Second

// Job is the unit of work the scheduler repeats. It returns the terminal
// status of the run, for example "completed" or "skipped".
type Job func(ctx context.Context) (string, error)

// Mode identifies how runs are triggered.
type Mode string

const (
	ModeInterval Mode = "interval"
	ModeCron     Mode = "cron"
)

// CompletedStatus is the job status counted as a successful run.
const CompletedStatus = "completed"

// Status is a snapshot of the schedule.
type Status struct {
	IsRunning       bool       `json:"is_running"`
	Mode            Mode       `json:"mode,omitempty"`
	IntervalSeconds int        `json:"interval_seconds"`
	Cron            string     `json:"cron,omitempty"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
	ScanCount       int        `json:"scan_count"`
}

// Scheduler runs a Job repeatedly on its own goroutine.
type Scheduler struct {
	job         Job
	minInterval time.Duration
	logger      *logging.Logger

	mu         sync.Mutex
	running    bool
	mode       Mode
	interval   time.Duration
	cronExpr   string
	cancel     context.CancelFunc
	done       chan struct{}
	busy       bool
	cron       *cron.Cron
	changed    chan struct{}
	lastRun    time.Time
	nextRun    time.Time
	lastStatus string
	completed  int
}

// New creates a stopped scheduler. Intervals below minInterval are raised
// to it.
func New(job Job, interval, minInterval time.Duration, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		job:         job,
		minInterval: minInterval,
		logger:      logger.WithComponent("scheduler"),
		changed:     make(chan struct{}, 1),
	}
	s.interval = s.clamp(interval)
	return s
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d < s.minInterval {
		return s.minInterval
	}
	return d
}

// Start begins interval mode. The first run starts immediately, and each
// following run starts one interval after the previous run finished.
// interval <= 0 keeps the current interval. Runs receive ctx itself, so
// Stop never cancels a run in flight. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if interval > 0 {
		s.interval = s.clamp(interval)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.mode = ModeInterval
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, ctx, s.done)

	s.logger.Info("Schedule started", "mode", ModeInterval, "interval", s.interval)
}

// StartCron begins cron mode using a standard five-field expression. A run
// that is still going when the next tick arrives causes that tick to be
// skipped.
func (s *Scheduler) StartCron(ctx context.Context, expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	adapter := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	entryID, err := c.AddFunc(expr, func() { s.runOnce(loopCtx, ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	c.Start()

	s.running = true
	s.mode = ModeCron
	s.cronExpr = expr
	s.cron = c
	s.cancel = cancel
	s.nextRun = c.Entry(entryID).Next

	s.logger.Info("Schedule started", "mode", ModeCron, "cron", expr)
	return nil
}

// Stop ends the schedule so no further run starts. A run in flight is left
// to finish on its own context. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done, c, busy := s.cancel, s.done, s.cron, s.busy
	s.running = false
	s.cron = nil
	s.done = nil
	s.nextRun = time.Time{}
	cancel()
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}

	if done != nil && !busy {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			s.logger.Warn("Schedule did not stop in time", "timeout", stopTimeout)
		}
	}
	s.logger.Info("Schedule stopped", "run_in_flight", busy)
}

// SetInterval changes the interval mode period and returns the effective
// value after clamping. A wait already in progress is shortened or
// extended accordingly.
func (s *Scheduler) SetInterval(d time.Duration) time.Duration {
	s.mu.Lock()
	s.interval = s.clamp(d)
	effective := s.interval
	s.mu.Unlock()

	select {
	case s.changed <- struct{}{}:
	default:
	}
	s.logger.Info("Schedule interval changed", "interval", effective)
	return effective
}

// Status returns a snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsRunning:       s.running,
		Mode:            s.mode,
		IntervalSeconds: int(s.interval / time.Second),
		Cron:            s.cronExpr,
		LastStatus:      s.lastStatus,
		ScanCount:       s.completed,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if s.running && !s.nextRun.IsZero() {
		t := s.nextRun
		st.NextRun = &t
	}
	return st
}

func (s *Scheduler) loop(ctx, jobCtx context.Context, done chan struct{}) {
	defer close(done)
	s.logger.Debug("Schedule loop started")

	for {
		s.runOnce(ctx, jobCtx)
		if !s.wait(ctx) {
			s.logger.Debug("Schedule loop exited")
			return
		}
	}
}

// wait sleeps one interval measured from now, re-arming when the interval
// changes. It returns false when ctx is done.
func (s *Scheduler) wait(ctx context.Context) bool {
	start := time.Now()
	for {
		s.mu.Lock()
		remaining := s.interval - time.Since(start)
		s.nextRun = time.Now().Add(remaining)
		s.mu.Unlock()

		if remaining <= 0 {
			return ctx.Err() == nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-s.changed:
			timer.Stop()
		case <-timer.C:
			return ctx.Err() == nil
		}
	}
}

// runOnce runs the job on jobCtx unless the schedule, whose lifetime is
// ctx, has already been stopped.
func (s *Scheduler) runOnce(ctx, jobCtx context.Context) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()

	status, err := s.safeRun(jobCtx)

	s.mu.Lock()
	s.busy = false
	s.lastStatus = status
	if status == CompletedStatus {
		s.completed++
		s.lastRun = time.Now()
	}
	count := s.completed
	if s.cron != nil {
		if entries := s.cron.Entries(); len(entries) > 0 {
			s.nextRun = entries[0].Next
		}
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		s.logger.Error("Scheduled run failed", "status", status, "error", err)
	case status == CompletedStatus:
		s.logger.Info("Scheduled run completed", "total_completed", count)
	case status == "skipped":
		s.logger.Debug("Scheduled run skipped: another scan in progress")
	default:
		s.logger.Warn("Scheduled run ended", "status", status)
	}
}

func (s *Scheduler) safeRun(ctx context.Context) (status string, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = "error"
			err = fmt.Errorf("scheduled run panicked: %v", r)
		}
	}()
	return s.job(ctx)
}

// cronLogger adapts the logging package to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
