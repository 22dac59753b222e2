package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/export"
)

func (a *app) newExportCommand() *cobra.Command {
	var (
		format string
		output string
		all    bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export endpoints as txt, csv, json or xml",
		Long: `Write the stored endpoints, fastest first. The txt format is one address
per line, ready to feed other tools. --output - writes to stdout; a
directory gets a timestamped file name.`,
		Example: `  edgeprobe export
  edgeprobe export --format csv --output endpoints.csv
  edgeprobe export --format json --output /var/lib/edgeprobe/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return a.withDatabase(ctx, false, func(database *db.DB) error {
				endpoints, _, err := db.NewEndpointRepository(database, nil).ListEndpoints(ctx, db.EndpointFilters{
					ActiveOnly: !all,
					SortBy:     "speed",
					SortDesc:   true,
					Limit:      limit,
				})
				if err != nil {
					return fmt.Errorf("failed to load endpoints: %w", err)
				}
				return a.writeExport(output, f, endpoints)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "txt", "output format (txt, csv, json, xml)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file or directory")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive endpoints")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum endpoints (0 for all)")
	return cmd
}

func (a *app) writeExport(output string, f export.Format, endpoints []*db.Endpoint) error {
	if output == "" || output == "-" {
		return export.Write(a.out, f, endpoints)
	}

	path := exportPath(output, f, time.Now())
	file, err := os.Create(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := export.Write(file, f, endpoints); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	fmt.Fprintf(a.errOut, "Exported %d endpoints to %s\n", len(endpoints), path)
	return nil
}

// exportPath places a timestamped file inside output when it names a
// directory.
func exportPath(output string, f export.Format, t time.Time) string {
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, f.Filename(t))
	}
	return output
}

