package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

func (a *app) newEndpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "endpoints",
		Aliases: []string{"ep"},
		Short:   "Inspect and manage stored endpoints",
	}
	cmd.AddCommand(
		a.newEndpointsListCommand(),
		a.newEndpointsShowCommand(),
		a.newEndpointsHistoryCommand(),
		a.newEndpointsSetActiveCommand("deactivate", false),
		a.newEndpointsSetActiveCommand("activate", true),
		a.newEndpointsDeadCommand(),
		a.newEndpointsDeactivateAllCommand(),
	)
	return cmd
}

func (a *app) newEndpointsListCommand() *cobra.Command {
	var (
		all    bool
		colo   string
		search string
		sortBy string
		asc    bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints, fastest first",
		Example: `  edgeprobe endpoints list
  edgeprobe endpoints list --colo FRA --limit 10
  edgeprobe endpoints list --all --sort latency --asc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters := db.EndpointFilters{
				ActiveOnly: !all,
				Colo:       colo,
				Search:     search,
				SortBy:     sortBy,
				SortDesc:   !asc,
				Limit:      limit,
			}
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				repo := db.NewEndpointRepository(database, nil)
				endpoints, total, err := repo.ListEndpoints(cmd.Context(), filters)
				if err != nil {
					return fmt.Errorf("failed to list endpoints: %w", err)
				}
				if len(endpoints) == 0 {
					fmt.Fprintln(a.out, "No endpoints found.")
					return nil
				}
				if err := renderTable(a.out, endpointHeader, endpointRows(endpoints)); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Showing %d of %d endpoints\n", len(endpoints), total)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "include inactive endpoints")
	f.StringVar(&colo, "colo", "", "only endpoints served from this colo")
	f.StringVar(&search, "search", "", "address substring")
	f.StringVar(&sortBy, "sort", "speed", "sort column (speed, latency, loss, tests, last_test, first_seen, address)")
	f.BoolVar(&asc, "asc", false, "sort ascending")
	f.IntVar(&limit, "limit", 50, "maximum rows (0 for all)")
	return cmd
}

func (a *app) newEndpointsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show one endpoint's aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := scanning.NormalizeAddress(args[0])
			if err != nil {
				return err
			}
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				ep, err := db.NewEndpointRepository(database, nil).GetEndpoint(cmd.Context(), addr)
				if err != nil {
					return fmt.Errorf("failed to load endpoint %s: %w", addr, err)
				}
				rows := [][]string{
					{"Address", ep.Address},
					{"Status", fmtActive(ep.IsActive)},
					{"Colo", fmtString(ep.Colo)},
					{"First seen", fmtTime(&ep.FirstSeen)},
					{"Last tested", fmtTime(ep.LastTested)},
					{"Tests", strconv.Itoa(ep.TotalTests)},
					{"Avg latency ms", fmtFloat(ep.AvgLatency, 1)},
					{"Best latency ms", fmtFloat(ep.BestLatency, 1)},
					{"Avg speed MB/s", fmtFloat(ep.AvgDownloadSpeed, 2)},
					{"Best speed MB/s", fmtFloat(ep.BestDownloadSpeed, 2)},
					{"Avg loss", fmtFloat(ep.AvgLossRate, 2)},
				}
				return renderTable(a.out, []any{"Field", "Value"}, rows)
			})
		},
	}
}

func (a *app) newEndpointsHistoryCommand() *cobra.Command {
	var (
		hours int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history <address>",
		Short: "Show an endpoint's recent measurements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := scanning.NormalizeAddress(args[0])
			if err != nil {
				return err
			}
			since := time.Now().Add(-time.Duration(hours) * time.Hour)
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				results, err := db.NewEndpointRepository(database, nil).GetHistory(cmd.Context(), addr, since, limit)
				if err != nil {
					return fmt.Errorf("failed to load history for %s: %w", addr, err)
				}
				if len(results) == 0 {
					fmt.Fprintf(a.out, "No measurements for %s in the last %dh.\n", addr, hours)
					return nil
				}
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, []string{
						r.TestedAt.Local().Format(timeLayout),
						r.TestType,
						fmtFloat(r.LatencyMs, 1),
						fmtFloat(r.DownloadSpeed, 2),
						fmtFloat(r.LossRate, 2),
						fmtString(r.Colo),
					})
				}
				return renderTable(a.out, []any{"Tested", "Type", "Latency ms", "Speed MB/s", "Loss", "Colo"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "how far back to look")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows (0 for all)")
	return cmd
}

func (a *app) newEndpointsSetActiveCommand(verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <address>",
		Short: fmt.Sprintf("Mark an endpoint %s", fmtActive(active)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := scanning.NormalizeAddress(args[0])
			if err != nil {
				return err
			}
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				repo := db.NewEndpointRepository(database, nil)
				set := repo.Deactivate
				if active {
					set = repo.Activate
				}
				changed, err := set(cmd.Context(), addr)
				if err != nil {
					return fmt.Errorf("failed to %s %s: %w", verb, addr, err)
				}
				if !changed {
					return fmt.Errorf("endpoint %s not found", addr)
				}
				fmt.Fprintf(a.out, "Endpoint %s is now %s.\n", addr, fmtActive(active))
				return nil
			})
		},
	}
}

func (a *app) newEndpointsDeadCommand() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Preview or retire endpoints judged dead",
		Long: `Count the active endpoints the configured dead window judges dead.
With --apply they are deactivated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			window, err := cfg.DeadWindow()
			if err != nil {
				return fmt.Errorf("invalid dead window: %w", err)
			}
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				repo := db.NewEndpointRepository(database, nil)
				if !apply {
					n, err := repo.PreviewDeadCount(cmd.Context(), window)
					if err != nil {
						return fmt.Errorf("failed to preview dead endpoints: %w", err)
					}
					fmt.Fprintf(a.out, "%d endpoints would be deactivated (%s).\n", n, window)
					return nil
				}
				n, err := repo.DeactivateDead(cmd.Context(), window)
				if err != nil {
					return fmt.Errorf("failed to deactivate dead endpoints: %w", err)
				}
				fmt.Fprintf(a.out, "Deactivated %d dead endpoints.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "deactivate instead of previewing")
	return cmd
}

func (a *app) newEndpointsDeactivateAllCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "deactivate-all",
		Short: "Deactivate every endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("refusing to deactivate every endpoint without --confirm")
			}
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				n, err := db.NewEndpointRepository(database, nil).DeactivateAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to deactivate endpoints: %w", err)
				}
				fmt.Fprintf(a.out, "Deactivated %d endpoints.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the deactivation")
	return cmd
}
