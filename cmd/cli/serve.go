package cli

import (
	"github.com/spf13/cobra"

	"github.com/anstrom/edgeprobe/internal/daemon"
	"github.com/anstrom/edgeprobe/internal/metrics"
)

func (a *app) newServeCommand() *cobra.Command {
	var (
		port      int
		pidFile   string
		noAPI     bool
		noMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edgeprobe daemon",
		Long: `Run the daemon in the foreground: connect to PostgreSQL and migrate,
provision CloudflareScanner, start the monitor loop and the discovery
schedule and serve the API. SIGINT or SIGTERM shuts down; SIGHUP logs a
status dump.`,
		Example: `  edgeprobe serve
  edgeprobe serve --config /etc/edgeprobe/config.yaml --port 9090
  edgeprobe serve --no-monitor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			if cmd.Flags().Changed("pid-file") {
				cfg.Daemon.PIDFile = pidFile
			}
			if noAPI {
				cfg.API.Enabled = false
			}
			if noMonitor {
				cfg.Monitor.Enabled = false
			}

			d, err := daemon.New(cfg,
				daemon.WithLogger(a.logger),
				daemon.WithMetrics(metrics.NewPrometheusMetrics()),
				daemon.WithBuildInfo(a.build))
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override api.port")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "override daemon.pid_file (empty disables)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the API server")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not start the monitor loop")
	return cmd
}
