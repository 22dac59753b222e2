package discovery

import (
	"context"
	"time"

	"github.com/anstrom/edgeprobe/internal/scheduler"
)

// StartSchedule runs discovery scans repeatedly: the first immediately,
// then one interval after each run ends. interval <= 0 keeps the configured
// interval. Scheduled scans run on ctx, so only its cancellation or
// CancelScan aborts one. Starting an active schedule is a no-op.
func (e *Engine) StartSchedule(ctx context.Context, interval time.Duration) {
	e.schedule.Start(ctx, interval)
}

// StartCronSchedule runs discovery scans on a five-field cron expression.
func (e *Engine) StartCronSchedule(ctx context.Context, expr string) error {
	return e.schedule.StartCron(ctx, expr)
}

// StopSchedule stops the schedule. A scan already running is not cancelled;
// use CancelScan for that.
func (e *Engine) StopSchedule() {
	e.schedule.Stop()
}

// SetScheduleInterval changes the schedule period in seconds and returns
// the effective value after the floor is applied.
func (e *Engine) SetScheduleInterval(seconds int) int {
	d := e.schedule.SetInterval(time.Duration(seconds) * time.Second)
	return int(d / time.Second)
}

// ScheduleStatus returns the schedule snapshot.
func (e *Engine) ScheduleStatus() scheduler.Status {
	return e.schedule.Status()
}

func (e *Engine) scheduledScan(ctx context.Context) (string, error) {
	outcome, err := e.RunDiscoveryScan(ctx, ScanRequest{})
	if outcome == nil {
		return string(StatusError), err
	}
	return string(outcome.Status), err
}
