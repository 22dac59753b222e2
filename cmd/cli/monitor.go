package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/daemon"
	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/monitor"
)

func (a *app) newMonitorCommand() *cobra.Command {
	var (
		loop        bool
		maintenance bool
		remote      bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Re-test the active endpoints",
		Long: `Run one monitor cycle over every active endpoint and record the results.
With --loop the monitor keeps running on its configured interval until
interrupted. --maintenance runs the retention and retirement pass
instead of a cycle. --remote asks a running daemon to do either.`,
		Example: `  edgeprobe monitor
  edgeprobe monitor --loop
  edgeprobe monitor --maintenance
  edgeprobe monitor --remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loop && (remote || maintenance) {
				return fmt.Errorf("--loop cannot be combined with --remote or --maintenance")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if remote {
				return a.remoteMonitor(ctx, maintenance)
			}
			return a.localMonitor(ctx, loop, maintenance)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep testing on the configured interval")
	cmd.Flags().BoolVar(&maintenance, "maintenance", false, "run retention and retirement instead of a cycle")
	cmd.Flags().BoolVar(&remote, "remote", false, "run on the running daemon")
	return cmd
}

func (a *app) localMonitor(ctx context.Context, loop, maintenance bool) error {
	return a.withDatabase(ctx, true, func(database *db.DB) error {
		if !maintenance {
			if err := daemon.EnsureBinary(ctx, a.cfg, a.logger); err != nil {
				return err
			}
		}
		svc, err := daemon.NewServices(a.cfg, database, nil, a.logger, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		switch {
		case maintenance:
			report := svc.Monitor.RunMaintenance(ctx)
			printMaintenance(a.out, report)
			if report.Error != "" {
				return fmt.Errorf("maintenance incomplete: %s", report.Error)
			}
			return nil
		case loop:
			svc.Monitor.Start(ctx, true)
			fmt.Fprintf(a.out, "Monitoring every %s, press Ctrl+C to stop.\n", a.cfg.Monitor.Interval)
			<-ctx.Done()
			svc.Monitor.Stop(a.cfg.Daemon.ShutdownTimeout)
			printCycle(a.out, svc.Monitor.LastCycleSummary())
			return nil
		default:
			records := svc.Monitor.TriggerImmediateTest(ctx)
			a.logger.Debug("Monitor cycle finished", "results", len(records))
			printCycle(a.out, svc.Monitor.LastCycleSummary())
			return ctx.Err()
		}
	})
}

func (a *app) remoteMonitor(ctx context.Context, maintenance bool) error {
	client, err := a.newAPIClient()
	if err != nil {
		return err
	}
	if maintenance {
		var report monitor.MaintenanceReport
		if err := client.Post(ctx, "/monitor/maintenance", nil, &report); err != nil {
			return describeAPIError(err, "run maintenance")
		}
		printMaintenance(a.out, report)
		return nil
	}

	var resp apihandlers.TriggerResponse
	if err := client.Post(ctx, "/monitor/trigger", nil, &resp); err != nil {
		return describeAPIError(err, "trigger monitor cycle")
	}
	if resp.Status != "completed" {
		fmt.Fprintf(a.out, "Monitor cycle %s.\n", resp.Status)
		return nil
	}
	printCycle(a.out, resp.Summary)
	return nil
}

func printMaintenance(w io.Writer, r monitor.MaintenanceReport) {
	fmt.Fprintf(w, "Maintenance finished at %s\n", time.Now().Format(timeLayout))
	fmt.Fprintf(w, "  Results deleted:  %d\n", r.ResultsDeleted)
	fmt.Fprintf(w, "  Dead retired:     %d\n", r.DeadDeactivated)
	fmt.Fprintf(w, "  Slow retired:     %d\n", r.SlowDeactivated)
	if r.Error != "" {
		fmt.Fprintf(w, "  Error:            %s\n", r.Error)
	}
}
