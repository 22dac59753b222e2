package scanning

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/logging"
)

const (
	defaultGracePeriod      = 5 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultMaxCapturedLines = 50
)

// RunStatus describes how a tool process ended.
type RunStatus int

const (
	// StatusExited means the process exited on its own.
	StatusExited RunStatus = iota
	// StatusCancelled means the context was cancelled and the process was stopped.
	StatusCancelled
	// StatusTimedOut means the process exceeded its timeout and was killed.
	StatusTimedOut
)

// String implements fmt.Stringer.
func (s RunStatus) String() string {
	switch s {
	case StatusExited:
		return "exited"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// RunResult is the outcome of one tool invocation.
type RunResult struct {
	Status   RunStatus
	ExitCode int
	Duration time.Duration
	Stdout   []string
	Stderr   []string
}

// RunnerConfig tunes process supervision.
type RunnerConfig struct {
	GracePeriod      time.Duration `yaml:"grace_period" json:"grace_period"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	MaxCapturedLines int           `yaml:"max_captured_lines" json:"max_captured_lines"`
}

// DefaultRunnerConfig returns the default supervision settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		GracePeriod:      defaultGracePeriod,
		DrainTimeout:     defaultDrainTimeout,
		MaxCapturedLines: defaultMaxCapturedLines,
	}
}

// Runner launches and supervises measurement tool processes. A Runner is
// safe for concurrent use; each Run owns its own process.
type Runner struct {
	config RunnerConfig
	logger *logging.Logger
}

// NewRunner creates a runner. Zero config values fall back to defaults.
func NewRunner(cfg RunnerConfig, logger *logging.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.MaxCapturedLines <= 0 {
		cfg.MaxCapturedLines = def.MaxCapturedLines
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{config: cfg, logger: logger.WithComponent("runner")}
}

// Run starts cmd and supervises it until it exits, ctx is cancelled, or
// timeout elapses (timeout <= 0 disables the deadline). Only failures to
// start the process are returned as errors; everything else is reported
// through RunResult.Status.
func (r *Runner) Run(ctx context.Context, cmd Command, timeout time.Duration) (*RunResult, error) {
	c := exec.Command(cmd.Binary, cmd.Args...)
	c.Dir = cmd.WorkDir

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeProcessFailed, "failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, errors.WrapScanError(errors.CodeProcessFailed, "failed to create stderr pipe", err)
	}
	c.Stdout = stdoutW
	c.Stderr = stderrW

	start := time.Now()
	if err := c.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		if stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, os.ErrNotExist) || stderrors.Is(err, os.ErrPermission) {
			return nil, errors.ErrBinaryMissing(cmd.Binary, err)
		}
		return nil, errors.WrapScanError(errors.CodeProcessFailed, "failed to start measurement tool", err)
	}
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	r.logger.Debug("Started measurement tool", "pid", c.Process.Pid, "binary", cmd.Binary, "args", cmd.Args)

	stdout := newLineBuffer(r.config.MaxCapturedLines)
	stderr := newLineBuffer(r.config.MaxCapturedLines)
	var drains sync.WaitGroup
	drains.Add(2)
	go drain(&drains, stdoutR, stdout)
	go drain(&drains, stderrR, stderr)

	waitDone := make(chan error, 1)
	go func() { waitDone <- c.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	result := &RunResult{Status: StatusExited}
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		result.Status = StatusCancelled
		waitErr = r.terminate(c, waitDone)
	case <-deadline:
		result.Status = StatusTimedOut
		r.logger.Warn("Measurement tool timed out, killing", "pid", c.Process.Pid, "timeout", timeout)
		_ = c.Process.Kill()
		waitErr = <-waitDone
	}

	r.joinDrains(&drains, stdoutR, stderrR)

	result.Duration = time.Since(start)
	result.ExitCode = exitCode(c, waitErr)
	result.Stdout = stdout.Lines()
	result.Stderr = stderr.Lines()

	r.logOutput(result)
	return result, nil
}

// terminate asks the process to stop and escalates to SIGKILL after the
// grace period.
func (r *Runner) terminate(c *exec.Cmd, waitDone <-chan error) error {
	pid := c.Process.Pid
	r.logger.Info("Cancelling measurement tool", "pid", pid)

	if err := c.Process.Signal(syscall.SIGTERM); err != nil {
		_ = c.Process.Kill()
		return <-waitDone
	}

	grace := time.NewTimer(r.config.GracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitDone:
		return err
	case <-grace.C:
		r.logger.Warn("Measurement tool ignored SIGTERM, killing", "pid", pid, "grace_period", r.config.GracePeriod)
		_ = c.Process.Kill()
		return <-waitDone
	}
}

// joinDrains waits for both readers; grandchildren may keep the pipes open
// after the tool exits, so the wait is bounded and the read ends are closed
// afterwards to release the readers.
func (r *Runner) joinDrains(drains *sync.WaitGroup, pipes ...*os.File) {
	done := make(chan struct{})
	go func() {
		drains.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.config.DrainTimeout):
		r.logger.Warn("Output readers did not finish in time", "timeout", r.config.DrainTimeout)
	}
	for _, p := range pipes {
		_ = p.Close()
	}
}

func (r *Runner) logOutput(result *RunResult) {
	for _, line := range result.Stdout {
		r.logger.Debug("tool stdout", "line", line)
	}
	for _, line := range result.Stderr {
		r.logger.Warn("tool stderr", "line", line)
	}
	if result.Status == StatusExited && result.ExitCode != 0 {
		r.logger.Warn("Measurement tool exited with non-zero code", "exit_code", result.ExitCode)
	}
	r.logger.Debug("Measurement tool finished",
		"status", result.Status.String(),
		"exit_code", result.ExitCode,
		"duration", result.Duration)
}

func exitCode(c *exec.Cmd, waitErr error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if stderrors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func drain(wg *sync.WaitGroup, r io.Reader, buf *lineBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		buf.Add(scanner.Text())
	}
	// Keep consuming if a line overflowed the scanner so the child never
	// blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// lineBuffer keeps the last max lines written to it.
type lineBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
	total int
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

// Add appends a line, evicting the oldest once full.
func (b *lineBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	if len(b.lines) < b.max {
		b.lines = append(b.lines, line)
		return
	}
	copy(b.lines, b.lines[1:])
	b.lines[len(b.lines)-1] = line
}

// Lines returns a copy of the retained lines.
func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Total returns how many lines were written in total.
func (b *lineBuffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
