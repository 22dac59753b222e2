package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/daemon"
	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

type scanOptions struct {
	ranges          []string
	threads         int
	pingTimes       int
	testCount       int
	downloadTimeout int
	port            int
	url             string
	minSpeed        float64
	maxLoss         float64
	maxLatency      float64
	timeout         time.Duration
	remote          bool
}

func (a *app) newScanCommand() *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery scan",
		Long: `Run CloudflareScanner over the candidate ranges and store every endpoint
that passes the thresholds. By default the scan runs in this process;
--remote asks a running daemon to start it instead.`,
		Example: `  edgeprobe scan
  edgeprobe scan --ranges 104.16.0.0/24,172.64.0.0/24 --min-speed 5
  edgeprobe scan --remote --test-count 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.remote {
				return a.remoteScan(ctx, req, opts.timeout)
			}
			return a.localScan(ctx, req)
		},
	}

	opts.register(cmd.Flags())
	return cmd
}

func (o *scanOptions) register(f *pflag.FlagSet) {
	f.StringSliceVar(&o.ranges, "ranges", nil, "CIDR ranges to scan (default: configured ranges)")
	f.IntVar(&o.threads, "threads", 0, "latency test concurrency")
	f.IntVar(&o.pingTimes, "ping-times", 0, "latency probes per address")
	f.IntVar(&o.testCount, "test-count", 0, "addresses to download-test")
	f.IntVar(&o.downloadTimeout, "download-timeout", 0, "per-address download timeout in seconds")
	f.IntVar(&o.port, "port", 0, "probe port")
	f.StringVar(&o.url, "url", "", "download test URL")
	f.Float64Var(&o.minSpeed, "min-speed", 0, "minimum download speed in MB/s")
	f.Float64Var(&o.maxLoss, "max-loss", 0, "maximum loss rate (0-1)")
	f.Float64Var(&o.maxLatency, "max-latency", 0, "maximum average latency in ms")
	f.DurationVar(&o.timeout, "timeout", 0, "scan timeout (default: discovery.timeout)")
	f.BoolVar(&o.remote, "remote", false, "start the scan on the running daemon")
}

// request builds the scan request from the flags that were set.
func (o *scanOptions) request(fs *pflag.FlagSet) (discovery.ScanRequest, error) {
	var ov scanning.Overrides
	setInt := func(name string, v int, dst **int) {
		if fs.Changed(name) {
			*dst = &v
		}
	}
	setFloat := func(name string, v float64, dst **float64) {
		if fs.Changed(name) {
			*dst = &v
		}
	}
	setInt("threads", o.threads, &ov.Threads)
	setInt("ping-times", o.pingTimes, &ov.PingTimes)
	setInt("test-count", o.testCount, &ov.TestCount)
	setInt("download-timeout", o.downloadTimeout, &ov.DownloadTimeout)
	setInt("port", o.port, &ov.Port)
	setFloat("min-speed", o.minSpeed, &ov.MinSpeed)
	setFloat("max-loss", o.maxLoss, &ov.MaxLoss)
	setFloat("max-latency", o.maxLatency, &ov.MaxLatency)
	if fs.Changed("url") {
		u := o.url
		ov.URL = &u
	}

	req := discovery.ScanRequest{Ranges: o.ranges, Overrides: ov, Timeout: o.timeout}
	if err := validator.New().Struct(req); err != nil {
		return discovery.ScanRequest{}, fmt.Errorf("invalid scan options: %w", err)
	}
	return req, nil
}

func (a *app) localScan(ctx context.Context, req discovery.ScanRequest) error {
	return a.withDatabase(ctx, true, func(database *db.DB) error {
		if err := daemon.EnsureBinary(ctx, a.cfg, a.logger); err != nil {
			return err
		}
		svc, err := daemon.NewServices(a.cfg, database, nil, a.logger, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		outcome, err := svc.Engine.RunDiscoveryScan(ctx, req)
		if outcome != nil {
			printOutcome(a.out, outcome)
		}
		return err
	})
}

func (a *app) remoteScan(ctx context.Context, req discovery.ScanRequest, timeout time.Duration) error {
	client, err := a.newAPIClient()
	if err != nil {
		return err
	}
	body := apihandlers.ScanStartRequest{ScanRequest: req}
	if timeout > 0 {
		body.TimeoutSeconds = int(timeout.Seconds())
	}

	var resp apihandlers.ScanStartResponse
	if err := client.Post(ctx, "/scan", body, &resp); err != nil {
		return describeAPIError(err, "start scan")
	}
	fmt.Fprintf(a.out, "Discovery scan %s started on the daemon.\n", resp.ScanID)
	return nil
}
