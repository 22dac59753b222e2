package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/monitor"
	"github.com/anstrom/edgeprobe/internal/scanning"
	"github.com/anstrom/edgeprobe/internal/scheduler"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// do routes one request through a router that registers pattern, so mux
// path variables are populated.
func do(method, pattern, target, body string, h http.HandlerFunc) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.HandleFunc(pattern, h).Methods(method)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type fakeEngine struct {
	mu          sync.Mutex
	busy        bool
	started     []discovery.ScanRequest
	startCtx    context.Context
	cancelled   bool
	last        *discovery.ScanOutcome
	schedule    scheduler.Status
	cronErr     error
	interval    time.Duration
	cronExpr    string
	intervalSet int
}

func (f *fakeEngine) StartDiscoveryScan(ctx context.Context, req discovery.ScanRequest) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", false
	}
	f.busy = true
	f.startCtx = ctx
	f.started = append(f.started, req)
	return "scan-1", true
}

func (f *fakeEngine) CancelScan() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.busy {
		return false
	}
	f.cancelled = true
	return true
}

func (f *fakeEngine) Status() discovery.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return discovery.State{IsScanning: f.busy, LastResult: f.last, Schedule: f.schedule}
}

func (f *fakeEngine) LastResult() *discovery.ScanOutcome { return f.last }

func (f *fakeEngine) StartSchedule(_ context.Context, interval time.Duration) {
	f.interval = interval
	f.schedule.IsRunning = true
	f.schedule.Mode = scheduler.ModeInterval
}

func (f *fakeEngine) StartCronSchedule(_ context.Context, expr string) error {
	if f.cronErr != nil {
		return f.cronErr
	}
	f.cronExpr = expr
	f.schedule.IsRunning = true
	f.schedule.Mode = scheduler.ModeCron
	f.schedule.Cron = expr
	return nil
}

func (f *fakeEngine) StopSchedule() { f.schedule.IsRunning = false }

func (f *fakeEngine) SetScheduleInterval(seconds int) int {
	f.intervalSet = max(seconds, 60)
	return f.intervalSet
}

func (f *fakeEngine) ScheduleStatus() scheduler.Status { return f.schedule }

type fakeMonitor struct {
	mu          sync.Mutex
	state       monitor.State
	startCalls  int
	runNow      bool
	stopCalls   int
	interval    int
	triggers    int
	records     []scanning.Record
	summary     *monitor.CycleSummary
	history     []monitor.CycleSummary
	historyArg  int
	progress    monitor.Progress
	maintenance monitor.MaintenanceReport
}

func (f *fakeMonitor) Start(_ context.Context, runImmediately bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.runNow = runImmediately
	f.state = monitor.StateRunning
}

func (f *fakeMonitor) Stop(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.state = monitor.StateStopped
}

func (f *fakeMonitor) Pause() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != monitor.StateRunning {
		return false
	}
	f.state = monitor.StatePaused
	return true
}

func (f *fakeMonitor) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != monitor.StatePaused {
		return false
	}
	f.state = monitor.StateRunning
	return true
}

func (f *fakeMonitor) SetInterval(seconds int) int {
	f.interval = max(seconds, 30)
	return f.interval
}

func (f *fakeMonitor) TriggerImmediateTest(context.Context) []scanning.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	return f.records
}

func (f *fakeMonitor) Status() monitor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return monitor.Status{
		State:     f.state.String(),
		IsRunning: f.state == monitor.StateRunning || f.state == monitor.StatePaused,
		IsPaused:  f.state == monitor.StatePaused,
	}
}

func (f *fakeMonitor) CycleProgress() monitor.Progress          { return f.progress }
func (f *fakeMonitor) LastCycleSummary() *monitor.CycleSummary { return f.summary }

func (f *fakeMonitor) CycleHistory(limit int) []monitor.CycleSummary {
	f.historyArg = limit
	return f.history
}

func (f *fakeMonitor) RunMaintenance(context.Context) monitor.MaintenanceReport {
	return f.maintenance
}

type fakeStore struct {
	endpoints     []*db.Endpoint
	total         int64
	filters       db.EndpointFilters
	history       []*db.TestResult
	historySince  time.Time
	historyLimit  int
	deactivated   []string
	activated     []string
	deadWindow    liveness.Window
	deadCount     int
	stats         *db.Statistics
	hourly        []*db.HourlyStat
	hourlyArg     int
	sessions      []*db.ScanSession
	sessionsLimit int
	err           error
	pingErr       error
}

func notFound() error {
	return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
}

func (f *fakeStore) ListEndpoints(_ context.Context, filters db.EndpointFilters) ([]*db.Endpoint, int64, error) {
	f.filters = filters
	return f.endpoints, f.total, f.err
}

func (f *fakeStore) GetActiveEndpoints(context.Context, int) ([]*db.Endpoint, error) {
	return f.endpoints, f.err
}

func (f *fakeStore) GetEndpoint(_ context.Context, address string) (*db.Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, e := range f.endpoints {
		if e.Address == address {
			return e, nil
		}
	}
	return nil, notFound()
}

func (f *fakeStore) GetHistory(_ context.Context, _ string, since time.Time, limit int) ([]*db.TestResult, error) {
	f.historySince = since
	f.historyLimit = limit
	return f.history, f.err
}

func (f *fakeStore) Deactivate(_ context.Context, address string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, e := range f.endpoints {
		if e.Address == address && e.IsActive {
			e.IsActive = false
			f.deactivated = append(f.deactivated, address)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Activate(_ context.Context, address string) (bool, error) {
	for _, e := range f.endpoints {
		if e.Address == address && !e.IsActive {
			e.IsActive = true
			f.activated = append(f.activated, address)
			return true, nil
		}
	}
	return false, f.err
}

func (f *fakeStore) DeactivateAll(context.Context) (int64, error) {
	var n int64
	for _, e := range f.endpoints {
		if e.IsActive {
			e.IsActive = false
			n++
		}
	}
	return n, f.err
}

func (f *fakeStore) PreviewDeadCount(_ context.Context, w liveness.Window) (int, error) {
	f.deadWindow = w
	return f.deadCount, f.err
}

func (f *fakeStore) DeactivateDead(_ context.Context, w liveness.Window) (int64, error) {
	f.deadWindow = w
	return int64(f.deadCount), f.err
}

func (f *fakeStore) Statistics(context.Context) (*db.Statistics, error) { return f.stats, f.err }

func (f *fakeStore) HourlyStats(_ context.Context, hours int) ([]*db.HourlyStat, error) {
	f.hourlyArg = hours
	return f.hourly, f.err
}

func (f *fakeStore) ListScanSessions(_ context.Context, limit int) ([]*db.ScanSession, error) {
	f.sessionsLimit = limit
	return f.sessions, f.err
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }
