package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

// finalizeTimeout bounds the writes made after a scan ends, which run even
// when the scan's own context has been cancelled.
const finalizeTimeout = 30 * time.Second

// RunDiscoveryScan runs one discovery scan and blocks until it ends. When
// another scan holds the lock it returns immediately with StatusSkipped.
// A non-nil error accompanies StatusError only.
func (e *Engine) RunDiscoveryScan(ctx context.Context, req ScanRequest) (*ScanOutcome, error) {
	if !e.scanLock.TryLock() {
		return e.skipped(), nil
	}
	defer e.scanLock.Unlock()

	return e.runLocked(ctx, uuid.NewString(), req)
}

// StartDiscoveryScan launches a scan on its own goroutine and returns its
// ID. ok is false when another scan is already running. ctx must outlive
// the call; cancelling it cancels the scan.
func (e *Engine) StartDiscoveryScan(ctx context.Context, req ScanRequest) (scanID string, ok bool) {
	if !e.scanLock.TryLock() {
		e.skipped()
		return "", false
	}

	scanID = uuid.NewString()
	scanCtx, cancel := context.WithCancel(ctx)
	e.begin(scanID, time.Now(), cancel)

	go func() {
		defer e.scanLock.Unlock()
		defer cancel()
		if _, err := e.runPrepared(scanCtx, scanID, req); err != nil {
			e.logger.ErrorScan("Background discovery scan failed", scanID, err)
		}
	}()
	return scanID, true
}

func (e *Engine) skipped() *ScanOutcome {
	e.logger.Info("Discovery scan skipped: another scan in progress")
	e.metrics.RecordScan(string(StatusSkipped), 0, 0)
	return &ScanOutcome{Status: StatusSkipped, Error: errors.ErrScanSkipped().Message}
}

func (e *Engine) begin(scanID string, started time.Time, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active = true
	e.scanID = scanID
	e.startedAt = started
	e.cancel = cancel
	e.mu.Unlock()
	e.metrics.SetScanActive(true)
}

func (e *Engine) runLocked(ctx context.Context, scanID string, req ScanRequest) (*ScanOutcome, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.begin(scanID, time.Now(), cancel)
	return e.runPrepared(scanCtx, scanID, req)
}

// runPrepared executes a scan already registered by begin. The caller
// holds scanLock.
func (e *Engine) runPrepared(ctx context.Context, scanID string, req ScanRequest) (*ScanOutcome, error) {
	e.mu.RLock()
	started := e.startedAt
	e.mu.RUnlock()

	params := e.cfg.ScanParams.WithOverrides(req.Overrides)
	ranges := req.Ranges
	if len(ranges) == 0 {
		ranges = e.cfg.Ranges
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ScanTimeout
	}

	logger := e.logger.WithScanID(scanID)
	outcome := &ScanOutcome{ScanID: scanID, Params: params, StartedAt: started}

	logger.Info("Discovery scan started",
		"ranges", len(ranges),
		"threads", params.Threads,
		"test_count", params.TestCount,
		"min_speed", params.Thresholds.MinSpeed,
		"max_loss", params.Thresholds.MaxLoss,
		"max_latency", params.Thresholds.MaxLatency,
		"timeout", timeout)

	err := e.execute(ctx, logger, outcome, params, ranges, timeout)
	if err != nil {
		outcome.Status = StatusError
		outcome.Error = err.Error()
	}
	e.finish(ctx, logger, outcome)

	if outcome.Status == StatusError {
		return outcome, err
	}
	return outcome, nil
}

// execute drives the tool and persists qualifying records. It sets
// outcome.Status for every non-error ending.
func (e *Engine) execute(ctx context.Context, logger *logging.Logger, outcome *ScanOutcome,
	params scanning.Params, ranges []string, timeout time.Duration) error {
	ws, err := scanning.NewWorkspace(e.cfg.DataDir, scanning.PrefixScan)
	if err != nil {
		return err
	}
	defer func() {
		if failed := ws.Cleanup(); failed > 0 {
			logger.Warn("Failed to remove scratch files", "failed", failed, "work_dir", ws.WorkDir)
		}
	}()

	if err := ws.WriteInput(ranges); err != nil {
		return err
	}

	release, err := e.acquire(ctx, outcome.ScanID)
	if err != nil {
		if ctx.Err() != nil {
			outcome.Status = StatusCancelled
			return nil
		}
		return err
	}
	defer release()

	cmd := scanning.Command{
		Binary:  e.cfg.Binary,
		Args:    scanning.BuildArgs(ws.InputFile, ws.OutputFile, params, scanning.WithThresholds()),
		WorkDir: ws.WorkDir,
	}
	res, err := e.runner.Run(ctx, cmd, timeout)
	if err != nil {
		e.metrics.RecordToolRun("start_failed")
		return err
	}
	e.metrics.RecordToolRun(res.Status.String())

	switch res.Status {
	case scanning.StatusCancelled:
		logger.Info("Discovery scan cancelled")
		outcome.Status = StatusCancelled
		return nil
	case scanning.StatusTimedOut:
		logger.Warn("Discovery scan timed out", "timeout", timeout)
		outcome.Status = StatusTimeout
		return nil
	}

	records, stats, err := scanning.DecodeFile(ws.OutputFile, logger)
	if err != nil {
		return errors.WrapScanError(errors.CodeParse, "failed to read scan results", err)
	}
	outcome.Decode = stats
	e.metrics.AddParseErrors(stats.Errors)

	if res.ExitCode != 0 && len(records) == 0 {
		return errors.NewScanError(errors.CodeProcessFailed,
			fmt.Sprintf("measurement tool exited with code %d and produced no results", res.ExitCode))
	}

	qualifying := params.Thresholds.Filter(records)
	outcome.TotalTested = len(records)
	outcome.Qualifying = qualifying
	outcome.Best = best(qualifying)

	stored, err := e.persist(context.WithoutCancel(ctx), logger, qualifying, scanning.TestTypeInitialScan)
	outcome.Passed = stored
	if err != nil {
		return errors.WrapScanError(errors.CodeDatabaseQuery,
			fmt.Sprintf("failed to persist %d of %d qualifying results", len(qualifying)-stored, len(qualifying)), err)
	}
	outcome.Status = StatusCompleted
	return nil
}

// persist stores each record, logging failures without aborting. It
// returns the number stored and the joined insert errors.
func (e *Engine) persist(ctx context.Context, logger *logging.Logger, records []scanning.Record, testType string) (int, error) {
	var errs []error
	now := time.Now()
	for _, r := range records {
		if _, err := e.store.InsertTestResult(ctx, toInput(r, testType, now)); err != nil {
			logger.Error("Failed to persist test result", "address", r.Address, "error", err)
			errs = append(errs, err)
		}
	}
	stored := len(records) - len(errs)
	e.metrics.AddResults(testType, stored)
	return stored, stderrors.Join(errs...)
}

// finish records the session, publishes the outcome and clears the active
// scan state.
func (e *Engine) finish(ctx context.Context, logger *logging.Logger, outcome *ScanOutcome) {
	outcome.FinishedAt = time.Now()
	outcome.Duration = outcome.FinishedAt.Sub(outcome.StartedAt)
	outcome.DurationSec = outcome.Duration.Seconds()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	sessionID, err := e.store.InsertScanSession(writeCtx, sessionFor(outcome))
	if err != nil {
		logger.Error("Failed to record scan session", "error", err)
	} else {
		outcome.SessionID = sessionID
	}

	e.mu.Lock()
	e.active = false
	e.scanID = ""
	e.startedAt = time.Time{}
	e.cancel = nil
	last := *outcome
	e.last = &last
	e.mu.Unlock()

	e.metrics.SetScanActive(false)
	e.metrics.RecordScan(string(outcome.Status), outcome.Duration, outcome.Passed)

	logger.Info("Discovery scan finished",
		"status", outcome.Status,
		"tested", outcome.TotalTested,
		"passed", outcome.Passed,
		"duration", outcome.Duration.Round(time.Millisecond))

	for _, fn := range e.observers {
		e.notify(logger, fn, last)
	}
}

func (e *Engine) notify(logger *logging.Logger, fn func(ScanOutcome), outcome ScanOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scan observer panicked", "panic", r)
		}
	}()
	fn(outcome)
}

func sessionFor(o *ScanOutcome) *db.ScanSession {
	minSpeed := o.Params.Thresholds.MinSpeed
	maxLatency := o.Params.Thresholds.MaxLatency
	maxLoss := o.Params.Thresholds.MaxLoss
	duration := o.DurationSec

	s := &db.ScanSession{
		ScanID:          o.ScanID,
		ScannedAt:       o.StartedAt,
		TotalTested:     o.TotalTested,
		Passed:          o.Passed,
		MinSpeed:        &minSpeed,
		MaxLatency:      &maxLatency,
		MaxLoss:         &maxLoss,
		DurationSeconds: &duration,
		Status:          string(o.Status),
	}
	if o.Error != "" {
		msg := o.Error
		s.ErrorMessage = &msg
	}
	return s
}

func toInput(r scanning.Record, testType string, testedAt time.Time) db.TestResultInput {
	return db.TestResultInput{
		Address:         r.Address,
		TestedAt:        testedAt,
		LatencyMs:       r.LatencyMs,
		DownloadSpeed:   r.DownloadSpeed,
		LossRate:        r.LossRate,
		PacketsSent:     r.PacketsSent,
		PacketsReceived: r.PacketsReceived,
		Colo:            r.Colo,
		TestType:        testType,
	}
}

func best(records []scanning.Record) *scanning.Record {
	if len(records) == 0 {
		return nil
	}
	top := records[0]
	for _, r := range records[1:] {
		if r.DownloadSpeed > top.DownloadSpeed {
			top = r
		}
	}
	return &top
}
