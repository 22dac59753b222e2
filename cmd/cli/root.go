// Package cli implements the edgeprobe command line: the daemon entry
// point, one-shot discovery scans and monitor cycles, and read and
// maintenance commands over the endpoint database.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/config"
	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/logging"
)

const envPrefix = "EDGEPROBE"

// Settings that may be overridden from the environment, e.g.
// EDGEPROBE_DATABASE_PASSWORD.
var envOverrides = []string{
	"database.host",
	"database.database",
	"database.username",
	"database.password",
	"logging.level",
	"api.listen_addr",
}

// app carries the state shared by every command. One instance is built
// per root command, so tests can run commands side by side.
type app struct {
	v      *viper.Viper
	build  apihandlers.BuildInfo
	out    io.Writer
	errOut io.Writer

	cfgFile  string
	verbose  bool
	logLevel string

	cfg    *config.Config
	logger *logging.Logger
}

// Execute runs the CLI and returns the process exit code.
func Execute(build apihandlers.BuildInfo) int {
	cmd := NewRootCommand(build, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree.
func NewRootCommand(build apihandlers.BuildInfo, out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), build: build, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "edgeprobe",
		Short: "CDN edge endpoint discovery and monitoring",
		Long: `edgeprobe discovers fast CDN edge addresses with CloudflareScanner,
keeps measuring the ones it found, retires dead and slow endpoints and
serves the results over a REST and WebSocket API.`,
		Version:       versionString(build),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.bindFlags(cmd.Flags())
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./config.yaml or /etc/edgeprobe/config.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		a.newServeCommand(),
		a.newScanCommand(),
		a.newMonitorCommand(),
		a.newStatusCommand(),
		a.newEndpointsCommand(),
		a.newStatsCommand(),
		a.newExportCommand(),
		a.newMigrateCommand(),
		a.newConfigCommand(),
		a.newVersionCommand(),
	)
	return root
}

// bindFlags wires flags and environment variables into viper.
func (a *app) bindFlags(fs *pflag.FlagSet) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if f := fs.Lookup("log-level"); f != nil {
		if err := a.v.BindPFlag("logging.level", f); err != nil {
			return fmt.Errorf("failed to bind log-level flag: %w", err)
		}
	}
	if f := fs.Lookup("config"); f != nil {
		if err := a.v.BindPFlag("config", f); err != nil {
			return fmt.Errorf("failed to bind config flag: %w", err)
		}
	}
	return nil
}

// configPath resolves the config file: the flag or EDGEPROBE_CONFIG, else
// the first file viper finds in the search path. Empty means defaults.
func (a *app) configPath() string {
	if p := a.v.GetString("config"); p != "" {
		return p
	}
	a.v.SetConfigName("config")
	a.v.SetConfigType("yaml")
	a.v.AddConfigPath(".")
	a.v.AddConfigPath("/etc/edgeprobe")
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(a.errOut, "Warning: %v\n", err)
		}
		return ""
	}
	return a.v.ConfigFileUsed()
}

// loadConfig loads the file, applies environment overrides and builds
// the logger. The result is cached for the command's lifetime.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}

	path := a.configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	a.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogConfig())
	if err != nil {
		fmt.Fprintf(a.errOut, "Warning: failed to initialize logging: %v\n", err)
		logger = logging.NewDefault()
	}
	logging.SetDefault(logger)

	if a.verbose {
		logger.Info("Configuration loaded", "path", displayPath(path), "level", cfg.Logging.Level)
	}

	a.cfg, a.logger = cfg, logger
	return cfg, nil
}

func (a *app) applyOverrides(cfg *config.Config) {
	for _, key := range envOverrides {
		val := a.v.GetString(key)
		if val == "" {
			continue
		}
		switch key {
		case "database.host":
			cfg.Database.Host = val
		case "database.database":
			cfg.Database.Database = val
		case "database.username":
			cfg.Database.Username = val
		case "database.password":
			cfg.Database.Password = val
		case "logging.level":
			cfg.Logging.Level = strings.ToLower(val)
		case "api.listen_addr":
			cfg.API.ListenAddr = val
		}
	}
}

// withDatabase connects, runs op and closes the connection. When migrate
// is set pending migrations are applied first.
func (a *app) withDatabase(ctx context.Context, migrate bool, op func(*db.DB) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	connect := db.Connect
	if migrate {
		connect = db.ConnectAndMigrate
	}
	database, err := connect(ctx, &cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(a.errOut, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return op(database)
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
