package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/edgeprobe/internal/db"
)

func (a *app) newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				if err := db.NewMigrator(database.DB, a.logger).Up(cmd.Context()); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintln(a.out, "Database schema is up to date.")
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				list, err := db.NewMigrator(database.DB, a.logger).Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read migration status: %w", err)
				}
				return renderTable(a.out, []any{"Migration", "State", "Applied"}, migrationRows(list))
			})
		},
	}

	var confirm bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drop every table and re-apply the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("refusing to drop the database schema without --confirm")
			}
			return a.withDatabase(cmd.Context(), false, func(database *db.DB) error {
				if err := db.NewMigrator(database.DB, a.logger).Reset(cmd.Context()); err != nil {
					return fmt.Errorf("reset failed: %w", err)
				}
				fmt.Fprintln(a.out, "Database schema was reset.")
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&confirm, "confirm", false, "confirm dropping all data")

	cmd.AddCommand(up, status, reset)
	return cmd
}

func migrationRows(list []db.MigrationStatus) [][]string {
	rows := make([][]string, 0, len(list))
	for _, m := range list {
		state := "pending"
		switch {
		case m.Modified:
			state = "modified"
		case m.Applied:
			state = "applied"
		}
		rows = append(rows, []string{m.Name, state, fmtTime(m.AppliedAt)})
	}
	return rows
}
