package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/logging"
	"github.com/anstrom/edgeprobe/internal/monitor/mocks"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

func endpoints(n int) []*db.Endpoint {
	out := make([]*db.Endpoint, n)
	for i := range out {
		out[i] = &db.Endpoint{ID: int64(i + 1), Address: fmt.Sprintf("104.16.0.%d", i+1), IsActive: true}
	}
	return out
}

func respondAll(speed float64) func(context.Context, []string, discovery.TestOptions) ([]scanning.Record, error) {
	return func(_ context.Context, addrs []string, _ discovery.TestOptions) ([]scanning.Record, error) {
		out := make([]scanning.Record, len(addrs))
		for i, a := range addrs {
			out[i] = scanning.Record{Address: a, PacketsSent: 4, PacketsReceived: 4, LatencyMs: 80, DownloadSpeed: speed}
		}
		return out, nil
	}
}

func testConfig() Config {
	return Config{
		Interval:     time.Hour,
		MinInterval:  time.Millisecond,
		BatchSize:    10,
		BatchTimeout: time.Minute,
		HistorySize:  50,
	}
}

func newTestMonitor(cfg Config, store Store, tester Tester, opts ...Option) *Monitor {
	opts = append([]Option{WithLogger(logging.NewNop())}, opts...)
	return New(cfg, store, tester, opts...)
}

func TestBatches(t *testing.T) {
	addrs := make([]string, 25)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d", i)
	}

	batches := Batches(addrs, 10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)

	seen := map[string]int{}
	for _, b := range batches {
		for _, a := range b {
			seen[a]++
		}
	}
	assert.Len(t, seen, 25)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}

	for _, n := range []int{1, 7, 10, 11, 100} {
		for _, size := range []int{1, 3, 10, 50} {
			got := Batches(addrs[:min(n, len(addrs))], size)
			want := (min(n, len(addrs)) + size - 1) / size
			assert.Len(t, got, want, "n=%d size=%d", n, size)
		}
	}

	assert.Nil(t, Batches(nil, 10))
	assert.Nil(t, Batches(addrs, 0))
}

func TestCycleRecordsFailuresForSilentBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	eps := endpoints(25)
	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(eps, nil)

	var batch int
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, addrs []string, opts discovery.TestOptions) ([]scanning.Record, error) {
			batch++
			assert.Equal(t, time.Minute, opts.Timeout)
			switch batch {
			case 2:
				return nil, nil
			case 3:
				// Only three of the last five respond.
				return respondAll(12)(ctx, addrs[:3], opts)
			default:
				return respondAll(20)(ctx, addrs, opts)
			}
		}).Times(3)

	var failed []db.TestResultInput
	store.EXPECT().InsertTestResult(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in db.TestResultInput) (int64, error) {
			failed = append(failed, in)
			return int64(len(failed)), nil
		}).Times(12)

	var observed []CycleSummary
	m := newTestMonitor(testConfig(), store, tester,
		WithCycleObserver(func(s CycleSummary, _ []scanning.Record) { observed = append(observed, s) }))

	records := m.TriggerImmediateTest(context.Background())
	assert.Len(t, records, 13)

	require.Len(t, failed, 12)
	for i, in := range failed[:10] {
		assert.Equal(t, eps[10+i].Address, in.Address)
	}
	for _, in := range failed {
		assert.Equal(t, 0.0, in.DownloadSpeed)
		assert.Equal(t, 1.0, in.LossRate)
		assert.Equal(t, 10, in.PacketsSent)
		assert.Equal(t, 0, in.PacketsReceived)
		assert.Equal(t, 0.0, in.LatencyMs)
		assert.Equal(t, scanning.TestTypePeriodic, in.TestType)
	}

	summary := m.LastCycleSummary()
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.CycleNumber)
	assert.Equal(t, 25, summary.EndpointsTotal)
	assert.Equal(t, 13, summary.EndpointsResponded)
	assert.Equal(t, 12, summary.EndpointsFailed)
	assert.Equal(t, 13, summary.ResultsCount)
	assert.Equal(t, 3, summary.Batches)
	assert.InDelta(t, (10*20.0+3*12.0)/13, summary.AvgSpeed, 0.01)
	assert.False(t, summary.Aborted)

	progress := m.CycleProgress()
	assert.False(t, progress.Active)
	assert.Equal(t, 3, progress.CurrentBatch)
	assert.Equal(t, 25, progress.EndpointsTested)
	assert.Equal(t, 13, progress.EndpointsResponded)
	assert.Equal(t, 12, progress.EndpointsFailed)

	require.Len(t, observed, 1)
	assert.Equal(t, *summary, observed[0])
	assert.Equal(t, 1, m.Status().TestCount)
}

func TestCycleMatchesIPv6Spellings(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).
		Return([]*db.Endpoint{{ID: 1, Address: "2606:4700:0000::6810:0001"}}, nil)
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]scanning.Record{{Address: "2606:4700::6810:1", DownloadSpeed: 9}}, nil)

	m := newTestMonitor(testConfig(), store, tester)
	m.TriggerImmediateTest(context.Background())

	assert.Equal(t, 1, m.LastCycleSummary().EndpointsResponded)
}

func TestCycleWithNoActiveEndpoints(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(nil, nil)

	m := newTestMonitor(testConfig(), store, tester)
	assert.Empty(t, m.TriggerImmediateTest(context.Background()))
	assert.Nil(t, m.LastCycleSummary())
	assert.Zero(t, m.Status().TestCount)
}

func TestCycleFailuresAreContained(t *testing.T) {
	tests := []struct {
		name  string
		setup func(store *mocks.MockStore, tester *mocks.MockTester)
	}{
		{
			name: "store error",
			setup: func(store *mocks.MockStore, _ *mocks.MockTester) {
				store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(nil, stderrors.New("connection refused"))
			},
		},
		{
			name: "tester panics",
			setup: func(store *mocks.MockStore, tester *mocks.MockTester) {
				store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(3), nil)
				tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
					DoAndReturn(func(context.Context, []string, discovery.TestOptions) ([]scanning.Record, error) {
						panic("tool exploded")
					})
			},
		},
		{
			name: "tool cannot start",
			setup: func(store *mocks.MockStore, tester *mocks.MockTester) {
				store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(3), nil)
				tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
					Return(nil, stderrors.New("binary missing"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := mocks.NewMockStore(ctrl)
			tester := mocks.NewMockTester(ctrl)
			tt.setup(store, tester)

			var observed []CycleSummary
			m := newTestMonitor(testConfig(), store, tester,
				WithCycleObserver(func(s CycleSummary, _ []scanning.Record) { observed = append(observed, s) }))
			var records []scanning.Record
			require.NotPanics(t, func() { records = m.TriggerImmediateTest(context.Background()) })
			assert.Empty(t, records)
			assert.False(t, m.CycleProgress().Active)

			summary := m.LastCycleSummary()
			require.NotNil(t, summary)
			assert.Equal(t, 1, summary.CycleNumber)
			assert.Zero(t, summary.EndpointsResponded)
			assert.Zero(t, summary.ResultsCount)
			assert.NotEmpty(t, summary.Error)
			assert.Equal(t, 1, m.Status().TestCount)
			require.Len(t, m.CycleHistory(0), 1)
			require.Len(t, observed, 1)
			assert.Equal(t, summary.Error, observed[0].Error)
		})
	}
}

func TestCycleKeepsRecordsWhenPersistencePartlyFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(2), nil)
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]scanning.Record{{Address: "104.16.0.1"}, {Address: "104.16.0.2"}}, stderrors.New("insert failed"))

	m := newTestMonitor(testConfig(), store, tester)
	records := m.TriggerImmediateTest(context.Background())
	assert.Len(t, records, 2)
	assert.Equal(t, 2, m.LastCycleSummary().EndpointsResponded)
}

func TestCycleHistoryIsBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(1), nil).AnyTimes()
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(respondAll(5)).AnyTimes()

	cfg := testConfig()
	cfg.HistorySize = 3
	m := newTestMonitor(cfg, store, tester)
	for i := 0; i < 5; i++ {
		m.TriggerImmediateTest(context.Background())
	}

	history := m.CycleHistory(0)
	require.Len(t, history, 3)
	assert.Equal(t, 5, history[0].CycleNumber)
	assert.Equal(t, 3, history[2].CycleNumber)

	assert.Len(t, m.CycleHistory(2), 2)
	assert.Len(t, m.CycleHistory(20), 3)
}

func TestStopWhenNotRunningIsNoop(t *testing.T) {
	m := newTestMonitor(testConfig(), nil, nil)
	assert.NotPanics(t, func() { m.Stop(time.Second) })
	assert.NotPanics(t, func() { m.Stop(time.Second) })
	assert.Equal(t, "stopped", m.Status().State)
	assert.False(t, m.Pause())
	assert.False(t, m.Resume())
}

func TestSetIntervalFloor(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 30 * time.Second
	m := newTestMonitor(cfg, nil, nil)

	assert.Equal(t, 30, m.SetInterval(5))
	assert.Equal(t, 300, m.SetInterval(300))
	assert.Equal(t, 300, m.Status().IntervalSeconds)
}

func TestStartStopLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(2), nil).Times(1)
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(respondAll(8)).Times(1)

	m := newTestMonitor(testConfig(), store, tester)
	m.Start(context.Background(), true)

	st := m.Status()
	assert.True(t, st.IsRunning)
	assert.False(t, st.IsPaused)
	assert.Equal(t, 1, st.TestCount)
	require.NotNil(t, st.LastTestTime)
	require.Eventually(t, func() bool { return m.Status().NextTestInSeconds != nil }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 3600, *m.Status().NextTestInSeconds, 2)

	// A second start is ignored.
	m.Start(context.Background(), true)

	m.Stop(time.Second)
	st = m.Status()
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.NextTestInSeconds)
}

func TestLoopRunsCyclesAndMaintenance(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)
	maint := mocks.NewMockMaintainer(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(1), nil).AnyTimes()
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(respondAll(5)).AnyTimes()

	var passes int32
	maint.EXPECT().CleanupOldResults(gomock.Any(), 30*24*time.Hour).
		DoAndReturn(func(context.Context, time.Duration) (int64, error) {
			atomic.AddInt32(&passes, 1)
			return 4, nil
		}).MinTimes(1)
	maint.EXPECT().DeactivateDead(gomock.Any(), liveness.Window{Mode: liveness.ModeTests, Value: 5}).
		Return(int64(1), nil).MinTimes(1)

	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.MaintenanceEvery = 2
	cfg.Retention = 30 * 24 * time.Hour
	cfg.DeadEnabled = true
	cfg.DeadWindow = liveness.Window{Mode: liveness.ModeTests, Value: 5}

	m := newTestMonitor(cfg, store, tester, WithMaintainer(maint))
	m.Start(context.Background(), false)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&passes) >= 1 }, 2*time.Second, 5*time.Millisecond)
	m.Stop(time.Second)
	assert.GreaterOrEqual(t, m.Status().TestCount, 2)
}

func TestPauseHoldsBetweenBatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(20), nil).AnyTimes()

	firstBatch := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, addrs []string, opts discovery.TestOptions) ([]scanning.Record, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(firstBatch)
				<-release
			}
			return respondAll(5)(ctx, addrs, opts)
		}).AnyTimes()

	m := newTestMonitor(testConfig(), store, tester)
	m.Start(context.Background(), false)
	defer m.Stop(time.Second)

	done := make(chan struct{})
	go func() {
		m.TriggerImmediateTest(context.Background())
		close(done)
	}()

	<-firstBatch
	require.True(t, m.Pause())
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	p := m.CycleProgress()
	assert.True(t, p.Active)
	assert.Equal(t, 1, p.CurrentBatch)
	assert.True(t, m.Status().IsPaused)

	require.True(t, m.Resume())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not resume")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 20, m.LastCycleSummary().EndpointsResponded)
}

func TestStopAbortsRemainingBatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(30), nil).Times(1)

	var once sync.Once
	inBatch := make(chan struct{})
	release := make(chan struct{})
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, addrs []string, opts discovery.TestOptions) ([]scanning.Record, error) {
			once.Do(func() { close(inBatch) })
			<-release
			return respondAll(5)(ctx, addrs, opts)
		}).Times(1)

	cfg := testConfig()
	cfg.Interval = time.Millisecond
	m := newTestMonitor(cfg, store, tester)
	m.Start(context.Background(), false)

	<-inBatch
	stopped := make(chan struct{})
	go func() {
		m.Stop(5 * time.Second)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return m.Status().State == "stopping" }, time.Second, time.Millisecond)
	close(release)
	<-stopped

	summary := m.LastCycleSummary()
	require.NotNil(t, summary)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 10, summary.EndpointsResponded)
	assert.Zero(t, summary.EndpointsFailed, "untested endpoints are not failures")
	assert.Equal(t, 30, summary.EndpointsTotal)
	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, "stopped", m.Status().State)
}

func TestStopTimeoutDoesNotRecordInterruptedBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	tester := mocks.NewMockTester(ctrl)

	// No InsertTestResult expectation: any synthetic failure fails the test.
	store.EXPECT().GetActiveEndpoints(gomock.Any(), 0).Return(endpoints(10), nil).Times(1)

	inBatch := make(chan struct{})
	tester.EXPECT().TestEndpoints(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []string, _ discovery.TestOptions) ([]scanning.Record, error) {
			close(inBatch)
			<-ctx.Done()
			return nil, nil
		}).Times(1)

	cfg := testConfig()
	cfg.Interval = time.Millisecond
	m := newTestMonitor(cfg, store, tester)
	m.Start(context.Background(), false)

	<-inBatch
	m.Stop(50 * time.Millisecond)

	require.Eventually(t, func() bool { return m.LastCycleSummary() != nil }, 2*time.Second, 5*time.Millisecond)
	summary := m.LastCycleSummary()
	assert.True(t, summary.Aborted)
	assert.Zero(t, summary.EndpointsResponded)
	assert.Zero(t, summary.EndpointsFailed)
	assert.Zero(t, summary.ResultsCount)
	assert.Zero(t, m.CycleProgress().EndpointsFailed)
}

func TestPauseFreezesCountdown(t *testing.T) {
	m := newTestMonitor(testConfig(), nil, nil)
	m.Start(context.Background(), false)
	defer m.Stop(time.Second)

	require.Eventually(t, func() bool { return m.Status().NextTestInSeconds != nil }, time.Second, time.Millisecond)
	require.True(t, m.Pause())

	require.Eventually(t, func() bool {
		st := m.Status()
		return st.IsPaused && st.NextTestInSeconds != nil
	}, time.Second, time.Millisecond)
	before := *m.Status().NextTestInSeconds
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, *m.Status().NextTestInSeconds)
	assert.InDelta(t, 3600, before, 2)

	require.True(t, m.Resume())
	assert.False(t, m.Status().IsPaused)
}

func TestRunMaintenance(t *testing.T) {
	t.Run("runs every enabled step and reports failures", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		maint := mocks.NewMockMaintainer(ctrl)

		maint.EXPECT().CleanupOldResults(gomock.Any(), time.Hour).Return(int64(0), stderrors.New("timeout"))
		maint.EXPECT().DeactivateDead(gomock.Any(), gomock.Any()).Return(int64(2), nil)
		maint.EXPECT().DeactivateSlow(gomock.Any(), 1.5).Return(int64(3), nil)

		cfg := testConfig()
		cfg.Retention = time.Hour
		cfg.DeadEnabled = true
		cfg.DeadWindow = liveness.Window{Mode: liveness.ModeHours, Value: 24}
		cfg.SlowEnabled = true
		cfg.MinSpeed = 1.5

		m := newTestMonitor(cfg, nil, nil, WithMaintainer(maint))
		report := m.RunMaintenance(context.Background())
		assert.Equal(t, int64(2), report.DeadDeactivated)
		assert.Equal(t, int64(3), report.SlowDeactivated)
		assert.Contains(t, report.Error, "MAINTENANCE_FAILED")
	})

	t.Run("disabled steps are skipped", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		maint := mocks.NewMockMaintainer(ctrl)
		maint.EXPECT().CleanupOldResults(gomock.Any(), time.Hour).Return(int64(7), nil)

		cfg := testConfig()
		cfg.Retention = time.Hour
		m := newTestMonitor(cfg, nil, nil, WithMaintainer(maint))

		report := m.RunMaintenance(context.Background())
		assert.Equal(t, int64(7), report.ResultsDeleted)
		assert.Empty(t, report.Error)
	})

	t.Run("no maintainer", func(t *testing.T) {
		m := newTestMonitor(testConfig(), nil, nil)
		assert.Equal(t, MaintenanceReport{}, m.RunMaintenance(context.Background()))
	})
}
