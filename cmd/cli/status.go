package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
)

func (a *app) newStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's status",
		Long: `Query the daemon API for service health, the discovery scan and schedule
state, the monitor state and the endpoint statistics.`,
		Example: `  edgeprobe status
  edgeprobe status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.newAPIClient()
			if err != nil {
				return err
			}
			var st apihandlers.StatusResponse
			if err := client.Get(cmd.Context(), "/status", &st); err != nil {
				return describeAPIError(err, "get status")
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(a.out, &st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func printStatus(w io.Writer, st *apihandlers.StatusResponse) {
	fmt.Fprintf(w, "%s %s (pid %d), up %s\n", st.Service.Name, st.Service.Version, st.Service.PID, st.Service.Uptime)
	fmt.Fprintf(w, "Health: %s\n", st.Health.Status)
	checks := make([]string, 0, len(st.Health.Checks))
	for name := range st.Health.Checks {
		checks = append(checks, name)
	}
	sort.Strings(checks)
	for _, name := range checks {
		fmt.Fprintf(w, "  %-10s %s\n", name, st.Health.Checks[name])
	}

	if s := st.Scan; s != nil {
		fmt.Fprintln(w, "Discovery:")
		if s.IsScanning {
			fmt.Fprintf(w, "  scanning  %s\n", s.ScanID)
		} else {
			fmt.Fprintln(w, "  idle")
		}
		if s.LastResult != nil {
			fmt.Fprintf(w, "  last scan %s: %d/%d passed\n", s.LastResult.Status, s.LastResult.Passed, s.LastResult.TotalTested)
		}
		if s.Schedule.IsRunning {
			fmt.Fprintf(w, "  schedule  %s, next %s\n", s.Schedule.Mode, fmtTime(s.Schedule.NextRun))
		} else {
			fmt.Fprintln(w, "  schedule  stopped")
		}
	}

	if m := st.Monitor; m != nil {
		fmt.Fprintln(w, "Monitor:")
		fmt.Fprintf(w, "  state     %s, every %ds, batch %d\n", m.State, m.IntervalSeconds, m.BatchSize)
		fmt.Fprintf(w, "  cycles    %d, last %s\n", m.TestCount, fmtTime(m.LastTestTime))
		if m.NextTestInSeconds != nil {
			fmt.Fprintf(w, "  next in   %ds\n", *m.NextTestInSeconds)
		}
	}

	if s := st.Statistics; s != nil {
		fmt.Fprintln(w, "Endpoints:")
		fmt.Fprintf(w, "  active    %d of %d\n", s.ActiveEndpoints, s.TotalEndpoints)
		fmt.Fprintf(w, "  tests     %d\n", s.TotalTests)
		fmt.Fprintf(w, "  avg speed %s MB/s, best %s MB/s\n", fmtFloat(s.AvgDownloadSpeed, 2), fmtFloat(s.BestDownloadSpeed, 2))
	}
}
