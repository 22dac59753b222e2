package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/anstrom/edgeprobe/internal/db"
)

func (a *app) newStatsCommand() *cobra.Command {
	var (
		hourly   int
		sessions int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show fleet statistics",
		Long: `Print the endpoint totals and averages. --hourly adds the per-hour
performance series and --sessions the most recent discovery scans.`,
		Example: `  edgeprobe stats
  edgeprobe stats --hourly 24
  edgeprobe stats --sessions 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withDatabase(ctx, false, func(database *db.DB) error {
				repo := db.NewEndpointRepository(database, nil)
				st, err := repo.Statistics(ctx)
				if err != nil {
					return fmt.Errorf("failed to load statistics: %w", err)
				}
				rows := [][]string{
					{"Endpoints", strconv.FormatInt(st.TotalEndpoints, 10)},
					{"Active", strconv.FormatInt(st.ActiveEndpoints, 10)},
					{"Measurements", strconv.FormatInt(st.TotalTests, 10)},
					{"Avg latency ms", fmtFloat(st.AvgLatency, 1)},
					{"Avg speed MB/s", fmtFloat(st.AvgDownloadSpeed, 2)},
					{"Best speed MB/s", fmtFloat(st.BestDownloadSpeed, 2)},
					{"Last scan", fmtTime(st.LastScan)},
				}
				if err := renderTable(a.out, []any{"Metric", "Value"}, rows); err != nil {
					return err
				}

				if hourly > 0 {
					buckets, err := repo.HourlyStats(ctx, hourly)
					if err != nil {
						return fmt.Errorf("failed to load hourly statistics: %w", err)
					}
					fmt.Fprintln(a.out)
					if err := renderTable(a.out, []any{"Hour", "Tests", "Speed MB/s", "Latency ms"}, hourlyRows(buckets)); err != nil {
						return err
					}
				}

				if sessions > 0 {
					list, err := repo.ListScanSessions(ctx, sessions)
					if err != nil {
						return fmt.Errorf("failed to load scan sessions: %w", err)
					}
					fmt.Fprintln(a.out)
					return renderTable(a.out, []any{"Scan", "Started", "Status", "Tested", "Passed", "Duration s"}, sessionRows(list))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hourly, "hourly", 0, "include the last N hours of hourly averages")
	cmd.Flags().IntVar(&sessions, "sessions", 0, "include the last N discovery scans")
	return cmd
}

func hourlyRows(buckets []*db.HourlyStat) [][]string {
	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []string{
			b.Hour.Local().Format(timeLayout),
			strconv.FormatInt(b.TestCount, 10),
			fmtFloat(b.AvgDownloadSpeed, 2),
			fmtFloat(b.AvgLatency, 1),
		})
	}
	return rows
}

func sessionRows(sessions []*db.ScanSession) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		status := s.Status
		if s.ErrorMessage != nil && *s.ErrorMessage != "" {
			status += ": " + *s.ErrorMessage
		}
		rows = append(rows, []string{
			s.ScanID,
			s.ScannedAt.Local().Format(timeLayout),
			status,
			strconv.Itoa(s.TotalTested),
			strconv.Itoa(s.Passed),
			fmtFloat(s.DurationSeconds, 1),
		})
	}
	return rows
}
