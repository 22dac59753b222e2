package monitor

import (
	"context"
	stderrors "errors"

	"github.com/anstrom/edgeprobe/internal/errors"
)

// MaintenanceReport counts what one maintenance pass removed.
type MaintenanceReport struct {
	ResultsDeleted  int64  `json:"results_deleted"`
	DeadDeactivated int64  `json:"dead_deactivated"`
	SlowDeactivated int64  `json:"slow_deactivated"`
	Error           string `json:"error,omitempty"`
}

// RunMaintenance deletes results older than the retention window and, when
// enabled, deactivates dead and slow endpoints. Each step runs even if an
// earlier one failed. Failures are logged and reported, never returned.
func (m *Monitor) RunMaintenance(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport
	if m.maintainer == nil {
		return report
	}

	m.logger.Info("Running maintenance")
	var errs []error

	if m.cfg.Retention > 0 {
		n, err := m.maintainer.CleanupOldResults(ctx, m.cfg.Retention)
		if err != nil {
			errs = append(errs, err)
		} else {
			report.ResultsDeleted = n
		}
	}

	if m.cfg.DeadEnabled {
		n, err := m.maintainer.DeactivateDead(ctx, m.cfg.DeadWindow)
		if err != nil {
			errs = append(errs, err)
		} else {
			report.DeadDeactivated = n
			m.metrics.AddDeactivations("dead", n)
		}
	}

	if m.cfg.SlowEnabled && m.cfg.MinSpeed > 0 {
		n, err := m.maintainer.DeactivateSlow(ctx, m.cfg.MinSpeed)
		if err != nil {
			errs = append(errs, err)
		} else {
			report.SlowDeactivated = n
			m.metrics.AddDeactivations("slow", n)
		}
	}

	if err := stderrors.Join(errs...); err != nil {
		wrapped := errors.WrapMonitorError(errors.CodeMaintenanceFailed, "maintenance failed", m.nextCycle(), err)
		report.Error = wrapped.Error()
		m.logger.Error("Maintenance failed", "error", err)
		m.metrics.RecordMaintenance("error")
		return report
	}

	m.logger.Info("Maintenance completed",
		"results_deleted", report.ResultsDeleted,
		"dead_deactivated", report.DeadDeactivated,
		"slow_deactivated", report.SlowDeactivated)
	m.metrics.RecordMaintenance("success")
	return report
}
