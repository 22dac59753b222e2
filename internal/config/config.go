// Package config loads, validates and saves the edgeprobe configuration
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

const (
	// MinScheduleInterval is the shortest discovery schedule period.
	MinScheduleInterval = 60 * time.Second
	// MinMonitorInterval is the shortest monitor cycle period.
	MinMonitorInterval = 30 * time.Second

	configDirPerm  = 0o750
	configFilePerm = 0o600
)

// Config represents the complete edgeprobe configuration.
type Config struct {
	Daemon      DaemonConfig      `yaml:"daemon" json:"daemon"`
	Database    db.Config         `yaml:"database" json:"database"`
	Scanner     ScannerConfig     `yaml:"scanner" json:"scanner"`
	Discovery   DiscoveryConfig   `yaml:"discovery" json:"discovery"`
	Monitor     MonitorConfig     `yaml:"monitor" json:"monitor"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	API         APIConfig         `yaml:"api" json:"api"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	PIDFile             string        `yaml:"pid_file" json:"pid_file"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gt=0"`

	// Run a discovery scan at startup when no endpoint is active.
	InitialScanOnEmpty bool `yaml:"initial_scan_on_empty" json:"initial_scan_on_empty"`
}

// ScannerConfig describes the external measurement tool.
type ScannerConfig struct {
	Binary            string                `yaml:"binary" json:"binary" validate:"required"`
	DataDir           string                `yaml:"data_dir" json:"data_dir" validate:"required"`
	AutoDownload      bool                  `yaml:"auto_download" json:"auto_download"`
	ReleaseURL        string                `yaml:"release_url" json:"release_url" validate:"required,url"`
	Runner            scanning.RunnerConfig `yaml:"runner" json:"runner"`
	MaxConcurrentRuns int                   `yaml:"max_concurrent_runs" json:"max_concurrent_runs" validate:"gte=1,lte=16"`
}

// DiscoveryConfig holds discovery scan and schedule settings.
type DiscoveryConfig struct {
	Params      scanning.Params `yaml:"params" json:"params"`
	Ranges      []string        `yaml:"ranges" json:"ranges" validate:"dive,cidr"`
	IncludeIPv6 bool            `yaml:"include_ipv6" json:"include_ipv6"`
	Timeout     time.Duration   `yaml:"timeout" json:"timeout" validate:"gt=0"`
	TestTimeout time.Duration   `yaml:"test_timeout" json:"test_timeout" validate:"gt=0"`

	ScheduleEnabled  bool          `yaml:"schedule_enabled" json:"schedule_enabled"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" json:"schedule_interval"`
	// ScheduleCron replaces the fixed interval when set.
	ScheduleCron string `yaml:"schedule_cron" json:"schedule_cron"`
}

// MonitorConfig holds monitor loop settings.
type MonitorConfig struct {
	Enabled          bool            `yaml:"enabled" json:"enabled"`
	Interval         time.Duration   `yaml:"interval" json:"interval"`
	BatchSize        int             `yaml:"batch_size" json:"batch_size" validate:"gte=1,lte=1000"`
	Params           scanning.Params `yaml:"params" json:"params"`
	BatchTimeout     time.Duration   `yaml:"batch_timeout" json:"batch_timeout" validate:"gt=0"`
	MaintenanceEvery int             `yaml:"maintenance_every" json:"maintenance_every" validate:"gte=0"`
	HistorySize      int             `yaml:"history_size" json:"history_size" validate:"gte=1"`
	RunImmediately   bool            `yaml:"run_immediately" json:"run_immediately"`
}

// MaintenanceConfig holds the periodic cleanup policy.
type MaintenanceConfig struct {
	RetentionDays int    `yaml:"retention_days" json:"retention_days" validate:"gte=1"`
	DeadEnabled   bool   `yaml:"dead_enabled" json:"dead_enabled"`
	DeadWindow    string `yaml:"dead_window" json:"dead_window"`
	SlowEnabled   bool   `yaml:"slow_enabled" json:"slow_enabled"`
	// Endpoints averaging below this many MB/s are retired.
	MinSpeed float64 `yaml:"min_speed" json:"min_speed" validate:"gte=0"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	Port           int           `yaml:"port" json:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size"`
	CORS           CORSConfig    `yaml:"cors" json:"cors"`

	// Mutating routes require basic auth when both are set.
	AdminUser         string `yaml:"admin_user" json:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash" json:"-"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format         string `yaml:"format" json:"format" validate:"oneof=text json"`
	Output         string `yaml:"output" json:"output"`
	AddSource      bool   `yaml:"add_source" json:"add_source"`
	RequestLogging bool   `yaml:"request_logging" json:"request_logging"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	monitorParams := scanning.DefaultMonitorParams()
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:             "/var/run/edgeprobe.pid",
			ShutdownTimeout:     30 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			InitialScanOnEmpty:  true,
		},
		Database: db.DefaultConfig(),
		Scanner: ScannerConfig{
			Binary:            "./bin/CloudflareScanner",
			DataDir:           "./data",
			AutoDownload:      true,
			ReleaseURL:        scanning.DefaultReleaseURL,
			Runner:            scanning.DefaultRunnerConfig(),
			MaxConcurrentRuns: 2,
		},
		Discovery: DiscoveryConfig{
			Params:           scanning.DefaultDiscoveryParams(),
			Ranges:           scanning.DefaultRanges(false),
			Timeout:          time.Hour,
			TestTimeout:      5 * time.Minute,
			ScheduleEnabled:  false,
			ScheduleInterval: 6 * time.Hour,
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			Interval:         120 * time.Second,
			BatchSize:        20,
			Params:           monitorParams,
			BatchTimeout:     5 * time.Minute,
			MaintenanceEvery: 24,
			HistorySize:      50,
			RunImmediately:   true,
		},
		Maintenance: MaintenanceConfig{
			RetentionDays: 30,
			DeadEnabled:   true,
			DeadWindow:    "tests=5",
			SlowEnabled:   false,
			MinSpeed:      1,
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1024 * 1024,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stdout",
			RequestLogging: true,
		},
	}
}

// Load reads a YAML (or JSON) configuration file over the defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// yaml.v3 also accepts JSON documents.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags first, then the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapConfigError(errors.CodeValidation, "configuration failed validation", err)
	}

	if c.Discovery.ScheduleCron != "" {
		if _, err := cron.ParseStandard(c.Discovery.ScheduleCron); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("invalid cron expression: %v", err), "discovery.schedule_cron", c.Discovery.ScheduleCron)
		}
	} else if c.Discovery.ScheduleEnabled && c.Discovery.ScheduleInterval < MinScheduleInterval {
		return errors.ErrConfigInvalid("discovery.schedule_interval", c.Discovery.ScheduleInterval)
	}

	if c.Monitor.Interval < MinMonitorInterval {
		return errors.ErrConfigInvalid("monitor.interval", c.Monitor.Interval)
	}

	if c.Maintenance.DeadEnabled {
		if _, err := liveness.ParseWindow(c.Maintenance.DeadWindow); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, err.Error(),
				"maintenance.dead_window", c.Maintenance.DeadWindow)
		}
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"API listen address is required when API is enabled", "api.listen_addr", "")
		}
		if (c.API.AdminUser == "") != (c.API.AdminPasswordHash == "") {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"admin_user and admin_password_hash must be set together", "api.admin_user", c.API.AdminUser)
		}
	}

	return nil
}

// DeadWindow returns the parsed dead-endpoint window.
func (c *Config) DeadWindow() (liveness.Window, error) {
	return liveness.ParseWindow(c.Maintenance.DeadWindow)
}

// Retention returns the measurement retention period.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Maintenance.RetentionDays) * 24 * time.Hour
}

// GetAPIAddress returns the full API address.
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// LogConfig converts the logging section for the logging package.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}
