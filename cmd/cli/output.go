package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/monitor"
)

const timeLayout = "2006-01-02 15:04"

func renderTable(w io.Writer, header []any, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
	}
	return table.Render()
}

func fmtFloat(v *float64, places int) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', places, 64)
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(timeLayout)
}

func fmtString(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func fmtActive(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func endpointRows(endpoints []*db.Endpoint) [][]string {
	rows := make([][]string, 0, len(endpoints))
	for _, e := range endpoints {
		rows = append(rows, []string{
			e.Address,
			fmtString(e.Colo),
			fmtFloat(e.AvgLatency, 1),
			fmtFloat(e.AvgDownloadSpeed, 2),
			fmtFloat(e.AvgLossRate, 2),
			strconv.Itoa(e.TotalTests),
			fmtTime(e.LastTested),
			fmtActive(e.IsActive),
		})
	}
	return rows
}

var endpointHeader = []any{"Address", "Colo", "Latency ms", "Speed MB/s", "Loss", "Tests", "Last Tested", "Status"}

func printOutcome(w io.Writer, o *discovery.ScanOutcome) {
	fmt.Fprintf(w, "Scan %s: %s\n", o.ScanID, o.Status)
	fmt.Fprintf(w, "  Tested:   %d\n", o.TotalTested)
	fmt.Fprintf(w, "  Passed:   %d\n", o.Passed)
	fmt.Fprintf(w, "  Duration: %.1fs\n", o.DurationSec)
	if o.Best != nil {
		fmt.Fprintf(w, "  Best:     %s (%.2f MB/s, %.1f ms, colo %s)\n",
			o.Best.Address, o.Best.DownloadSpeed, o.Best.LatencyMs, orDash(o.Best.Colo))
	}
	if o.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", o.Error)
	}
}

func printCycle(w io.Writer, s *monitor.CycleSummary) {
	if s == nil {
		fmt.Fprintln(w, "No endpoints were tested.")
		return
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Cycle %d failed after %.1fs: %s\n", s.CycleNumber, s.DurationSeconds, s.Error)
		return
	}
	fmt.Fprintf(w, "Cycle %d completed in %.1fs\n", s.CycleNumber, s.DurationSeconds)
	fmt.Fprintf(w, "  Responded: %d/%d\n", s.EndpointsResponded, s.EndpointsTotal)
	fmt.Fprintf(w, "  Failed:    %d\n", s.EndpointsFailed)
	fmt.Fprintf(w, "  Avg speed: %.2f MB/s\n", s.AvgSpeed)
	if s.Aborted {
		fmt.Fprintln(w, "  Aborted before all batches ran.")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
