package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihandlers "github.com/anstrom/edgeprobe/internal/api/handlers"
	"github.com/anstrom/edgeprobe/internal/config"
	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/monitor"
)

var testBuild = apihandlers.BuildInfo{Version: "1.2.3", Commit: "abc123", BuildTime: "2026-01-01"}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand(testBuild, &out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// writeConfig saves a valid config pointing the API at apiURL, if set.
func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Database = "edgeprobe_test"
	cfg.Database.Username = "edgeprobe"
	cfg.Database.Password = "hunter2"
	cfg.Logging.Output = "stderr"
	if apiURL != "" {
		host, port, err := net.SplitHostPort(strings.TrimPrefix(apiURL, "http://"))
		require.NoError(t, err)
		cfg.API.ListenAddr = host
		cfg.API.Port, err = strconv.Atoi(port)
		require.NoError(t, err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "1.2.3 (commit abc123, built 2026-01-01)", versionString(testBuild))
	assert.Equal(t, "dev (commit unknown, built unknown)", versionString(apihandlers.BuildInfo{}))

	out, _, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "edgeprobe 1.2.3 (commit abc123")
	assert.Contains(t, out, "go ")

	out, _, err = runCLI(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")
}

func TestCommandTree(t *testing.T) {
	cmd := NewRootCommand(testBuild, &bytes.Buffer{}, &bytes.Buffer{})
	for _, path := range [][]string{
		{"serve"}, {"scan"}, {"monitor"}, {"status"}, {"stats"}, {"export"},
		{"endpoints", "list"}, {"endpoints", "show"}, {"endpoints", "history"},
		{"endpoints", "deactivate"}, {"endpoints", "activate"}, {"endpoints", "dead"},
		{"endpoints", "deactivate-all"}, {"migrate", "up"}, {"migrate", "status"},
		{"migrate", "reset"}, {"config", "init"}, {"config", "show"},
		{"config", "validate"}, {"config", "hash-password"}, {"version"},
	} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestConfigCommands(t *testing.T) {
	t.Run("init writes defaults and refuses to overwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "edgeprobe.yaml")
		out, _, err := runCLI(t, "config", "init", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		loaded, err := os.ReadFile(path) //nolint:gosec // test file
		require.NoError(t, err)
		assert.Contains(t, string(loaded), "dead_window: tests=5")

		_, _, err = runCLI(t, "config", "init", path)
		assert.ErrorContains(t, err, "already exists")
		_, _, err = runCLI(t, "config", "init", "--force", path)
		assert.NoError(t, err)
	})

	t.Run("validate accepts a complete file", func(t *testing.T) {
		path := writeConfig(t, "")
		out, _, err := runCLI(t, "--config", path, "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "is valid")
	})

	t.Run("validate rejects an incomplete file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("monitor:\n  interval: 1s\n"), 0o600))
		_, _, err := runCLI(t, "--config", path, "config", "validate")
		assert.Error(t, err)
	})

	t.Run("show redacts secrets", func(t *testing.T) {
		path := writeConfig(t, "")
		out, _, err := runCLI(t, "--config", path, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "database: edgeprobe_test")
		assert.NotContains(t, out, "hunter2")
		assert.Contains(t, out, "********")
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfig(t, "")
		t.Setenv("EDGEPROBE_DATABASE_HOST", "db.internal")
		t.Setenv("EDGEPROBE_LOGGING_LEVEL", "DEBUG")
		out, _, err := runCLI(t, "--config", path, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "host: db.internal")
		assert.Contains(t, out, "level: debug")
	})

	t.Run("hash-password", func(t *testing.T) {
		out, _, err := runCLI(t, "config", "hash-password", "secret")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "$2"), out)
	})
}

func TestGuardsRejectBeforeTouchingDatabase(t *testing.T) {
	path := writeConfig(t, "")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"deactivate-all needs confirm", []string{"endpoints", "deactivate-all"}, "--confirm"},
		{"reset needs confirm", []string{"migrate", "reset"}, "--confirm"},
		{"bad export format", []string{"export", "--format", "pdf"}, "unsupported export format"},
		{"bad scan range", []string{"scan", "--ranges", "not-a-cidr"}, "invalid scan options"},
		{"bad address", []string{"endpoints", "show", "104.16.0.0/24"}, "invalid address"},
		{"loop with remote", []string{"monitor", "--loop", "--remote"}, "cannot be combined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, append([]string{"--config", path}, tt.args...)...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestScanOptionsRequest(t *testing.T) {
	parse := func(t *testing.T, args ...string) (discovery.ScanRequest, error) {
		t.Helper()
		var o scanOptions
		fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
		o.register(fs)
		require.NoError(t, fs.Parse(args))
		return o.request(fs)
	}

	req, err := parse(t)
	require.NoError(t, err)
	assert.Empty(t, req.Ranges)
	assert.Equal(t, discovery.ScanRequest{}.Overrides, req.Overrides)

	req, err = parse(t, "--ranges", "104.16.0.0/24,172.64.0.0/24", "--threads", "50",
		"--min-speed", "0", "--url", "https://speed.example.net/100mb", "--timeout", "90s")
	require.NoError(t, err)
	assert.Equal(t, []string{"104.16.0.0/24", "172.64.0.0/24"}, req.Ranges)
	require.NotNil(t, req.Overrides.Threads)
	assert.Equal(t, 50, *req.Overrides.Threads)
	require.NotNil(t, req.Overrides.MinSpeed, "explicit zero must override")
	assert.Zero(t, *req.Overrides.MinSpeed)
	require.NotNil(t, req.Overrides.URL)
	assert.Equal(t, "https://speed.example.net/100mb", *req.Overrides.URL)
	assert.Nil(t, req.Overrides.MaxLoss)
	assert.Equal(t, 90*time.Second, req.Timeout)

	_, err = parse(t, "--ranges", "300.0.0.0/8")
	assert.Error(t, err)
}

func TestRemoteScan(t *testing.T) {
	var got apihandlers.ScanStartRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/scan", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(apihandlers.ScanStartResponse{Status: "started", ScanID: "scan-42"})
	}))
	defer srv.Close()

	t.Setenv("EDGEPROBE_ADMIN_USER", "admin")
	t.Setenv("EDGEPROBE_ADMIN_PASSWORD", "pw")
	out, _, err := runCLI(t, "--config", writeConfig(t, srv.URL), "scan", "--remote",
		"--test-count", "20", "--timeout", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "scan-42 started")
	assert.Equal(t, 600, got.TimeoutSeconds)
	require.NotNil(t, got.Overrides.TestCount)
	assert.Equal(t, 20, *got.Overrides.TestCount)
}

func TestRemoteScan_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"Conflict","message":"a discovery scan is already running"}`))
	}))
	defer srv.Close()

	_, _, err := runCLI(t, "--config", writeConfig(t, srv.URL), "scan", "--remote")
	assert.EqualError(t, err, "start scan: a discovery scan is already running")
}

func TestRemoteMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/monitor/trigger":
			_ = json.NewEncoder(w).Encode(apihandlers.TriggerResponse{
				Status:       "completed",
				ResultsCount: 7,
				Summary: &monitor.CycleSummary{
					CycleNumber: 3, EndpointsTotal: 10, EndpointsResponded: 7,
					EndpointsFailed: 3, AvgSpeed: 12.5, DurationSeconds: 41,
				},
			})
		case "/api/v1/monitor/maintenance":
			_ = json.NewEncoder(w).Encode(monitor.MaintenanceReport{ResultsDeleted: 120, DeadDeactivated: 2})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	path := writeConfig(t, srv.URL)

	out, _, err := runCLI(t, "--config", path, "monitor", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "Cycle 3 completed")
	assert.Contains(t, out, "Responded: 7/10")
	assert.Contains(t, out, "12.50 MB/s")

	out, _, err = runCLI(t, "--config", path, "monitor", "--remote", "--maintenance")
	require.NoError(t, err)
	assert.Contains(t, out, "Results deleted:  120")
	assert.Contains(t, out, "Dead retired:     2")
}

func TestStatusCommand(t *testing.T) {
	next := 30
	speed := 14.2
	st := apihandlers.StatusResponse{
		Service: apihandlers.ServiceInfo{Name: "edgeprobe", Version: "1.2.3", PID: 4242, Uptime: "1h0m0s"},
		Health: apihandlers.HealthResponse{
			Status: apihandlers.StatusHealthy,
			Checks: map[string]string{"database": "healthy"},
		},
		Scan:    &discovery.State{IsScanning: true, ScanID: "scan-7"},
		Monitor: &monitor.Status{State: "running", IntervalSeconds: 120, BatchSize: 20, TestCount: 9, NextTestInSeconds: &next},
		Statistics: &db.Statistics{
			TotalEndpoints: 40, ActiveEndpoints: 31, TotalTests: 900, AvgDownloadSpeed: &speed,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer srv.Close()
	path := writeConfig(t, srv.URL)

	out, _, err := runCLI(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "edgeprobe 1.2.3 (pid 4242)")
	assert.Contains(t, out, "Health: healthy")
	assert.Contains(t, out, "scanning  scan-7")
	assert.Contains(t, out, "state     running, every 120s, batch 20")
	assert.Contains(t, out, "next in   30s")
	assert.Contains(t, out, "active    31 of 40")
	assert.Contains(t, out, "14.20 MB/s")

	out, _, err = runCLI(t, "--config", path, "status", "--json")
	require.NoError(t, err)
	var decoded apihandlers.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 4242, decoded.Service.PID)
}

func TestStatusCommand_DaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, _, err := runCLI(t, "--config", writeConfig(t, url), "status")
	assert.ErrorContains(t, err, "is the daemon running?")
}
