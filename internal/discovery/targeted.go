package discovery

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/edgeprobe/internal/scanning"
)

// TestOptions tune one targeted test. Zero values use the configured
// defaults.
type TestOptions struct {
	Timeout         time.Duration
	Threads         int
	DownloadTimeout int
	// TestType is stored with each result; defaults to periodic.
	TestType string
	// SkipPersist returns records without storing them.
	SkipPersist bool
}

// TestEndpoints measures exactly the given addresses. Every address is
// pinned to a one-host range and the tool is told to test all of them.
// Each returned record is persisted; persistence failures are joined into
// the returned error alongside the records. A cancelled or timed-out run
// returns no records and no error.
func (e *Engine) TestEndpoints(ctx context.Context, addrs []string, opts TestOptions) ([]scanning.Record, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	params := e.cfg.TestParams
	params.TestCount = len(addrs)
	if opts.Threads > 0 {
		params.Threads = opts.Threads
	}
	if params.Threads > len(addrs) {
		params.Threads = len(addrs)
	}
	if opts.DownloadTimeout > 0 {
		params.DownloadTimeout = opts.DownloadTimeout
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TestTimeout
	}
	testType := opts.TestType
	if testType == "" {
		testType = scanning.TestTypePeriodic
	}

	runID := "test-" + uuid.NewString()[:8]
	logger := e.logger.WithFields("run_id", runID)

	ws, err := scanning.NewWorkspace(e.cfg.DataDir, scanning.PrefixMonitor)
	if err != nil {
		return nil, err
	}
	defer func() {
		if failed := ws.Cleanup(); failed > 0 {
			logger.Warn("Failed to remove scratch files", "failed", failed, "work_dir", ws.WorkDir)
		}
	}()

	ranges := make([]string, len(addrs))
	for i, a := range addrs {
		ranges[i] = scanning.HostRange(a)
	}
	if err := ws.WriteInput(ranges); err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	defer release()

	logger.Debug("Testing endpoints", "count", len(addrs), "threads", params.Threads, "timeout", timeout)

	cmd := scanning.Command{
		Binary:  e.cfg.Binary,
		Args:    scanning.BuildArgs(ws.InputFile, ws.OutputFile, params, scanning.WithAllIPs()),
		WorkDir: ws.WorkDir,
	}
	res, err := e.runner.Run(ctx, cmd, timeout)
	if err != nil {
		e.metrics.RecordToolRun("start_failed")
		return nil, err
	}
	e.metrics.RecordToolRun(res.Status.String())

	switch res.Status {
	case scanning.StatusCancelled:
		logger.Info("Endpoint test cancelled")
		return nil, nil
	case scanning.StatusTimedOut:
		logger.Warn("Endpoint test timed out", "timeout", timeout, "count", len(addrs))
		return nil, nil
	}
	if res.ExitCode != 0 {
		logger.Warn("Measurement tool exited with non-zero code", "exit_code", res.ExitCode)
	}

	records, stats, err := scanning.DecodeFile(ws.OutputFile, logger)
	if err != nil {
		return nil, err
	}
	e.metrics.AddParseErrors(stats.Errors)

	if opts.SkipPersist {
		return records, nil
	}

	var errs []error
	now := time.Now()
	writeCtx := context.WithoutCancel(ctx)
	for _, r := range records {
		if _, err := e.store.InsertTestResult(writeCtx, toInput(r, testType, now)); err != nil {
			logger.Error("Failed to persist test result", "address", r.Address, "error", err)
			errs = append(errs, err)
		}
	}
	e.metrics.AddResults(testType, len(records)-len(errs))

	logger.Debug("Endpoint test finished", "requested", len(addrs), "responded", len(records))
	return records, stderrors.Join(errs...)
}
