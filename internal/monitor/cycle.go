package monitor

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

// Values persisted for an endpoint that produced no measurement.
const (
	failedPacketsSent = 10
	failedLossRate    = 1.0
)

// Progress is the live state of the current cycle.
type Progress struct {
	Active             bool       `json:"active"`
	CurrentBatch       int        `json:"current_batch"`
	TotalBatches       int        `json:"total_batches"`
	EndpointsTested    int        `json:"endpoints_tested"`
	EndpointsTotal     int        `json:"endpoints_total"`
	EndpointsResponded int        `json:"endpoints_responded"`
	EndpointsFailed    int        `json:"endpoints_failed"`
	StartedAt          *time.Time `json:"started_at"`
	ElapsedSeconds     float64    `json:"elapsed_seconds"`
}

// CycleSummary describes one finished cycle.
type CycleSummary struct {
	CycleNumber        int       `json:"cycle_number"`
	Timestamp          time.Time `json:"timestamp"`
	DurationSeconds    float64   `json:"duration_seconds"`
	EndpointsTotal     int       `json:"endpoints_total"`
	EndpointsResponded int       `json:"endpoints_responded"`
	EndpointsFailed    int       `json:"endpoints_failed"`
	ResultsCount       int       `json:"results_count"`
	AvgSpeed           float64   `json:"avg_speed"`
	Batches            int       `json:"batches"`
	Aborted            bool      `json:"aborted,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// Batches splits addrs into consecutive groups of at most size addresses.
func Batches(addrs []string, size int) [][]string {
	if size <= 0 || len(addrs) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(addrs)+size-1)/size)
	for start := 0; start < len(addrs); start += size {
		end := min(start+size, len(addrs))
		out = append(out, addrs[start:end])
	}
	return out
}

// TriggerImmediateTest runs one cycle now, outside the schedule, and
// returns its records. It waits for a cycle already in progress to finish.
func (m *Monitor) TriggerImmediateTest(ctx context.Context) []scanning.Record {
	return m.runCycle(ctx)
}

// CycleProgress returns the live progress of the current cycle.
func (m *Monitor) CycleProgress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progress
	if p.Active && p.StartedAt != nil {
		p.ElapsedSeconds = roundTo(time.Since(*p.StartedAt).Seconds(), 1)
	}
	return p
}

// LastCycleSummary returns the most recent finished cycle, if any.
func (m *Monitor) LastCycleSummary() *CycleSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCycle == nil {
		return nil
	}
	s := *m.lastCycle
	return &s
}

// CycleHistory returns up to limit summaries, newest first. limit <= 0
// returns the whole retained history.
func (m *Monitor) CycleHistory(limit int) []CycleSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]CycleSummary, limit)
	copy(out, m.history[:limit])
	return out
}

// runCycle executes one cycle and never panics. A failed cycle is logged,
// counted as a zero-result cycle and yields no records.
func (m *Monitor) runCycle(ctx context.Context) (records []scanning.Record) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.failCycle(start, fmt.Errorf("cycle panicked: %v", r))
			records = nil
		}
	}()

	records, err := m.testCycle(ctx, start)
	if err != nil {
		m.failCycle(start, err)
		return nil
	}
	return records
}

func (m *Monitor) failCycle(start time.Time, err error) {
	now := time.Now()

	m.mu.Lock()
	total := 0
	if m.progress.StartedAt != nil && m.progress.StartedAt.Equal(start) {
		total = m.progress.EndpointsTotal
	}
	summary := m.recordSummaryLocked(CycleSummary{
		Timestamp:       now,
		DurationSeconds: roundTo(now.Sub(start).Seconds(), 2),
		EndpointsTotal:  total,
		Error:           err.Error(),
	})
	p := m.progress
	m.mu.Unlock()

	m.logger.ErrorMonitor("Test cycle failed", summary.CycleNumber, err)
	m.metrics.RecordCycle("error", time.Since(start), 0, 0)
	m.publishProgress(p)
	for _, fn := range m.cycleObservers {
		m.notifyCycle(fn, summary, nil)
	}
}

func (m *Monitor) testCycle(ctx context.Context, start time.Time) ([]scanning.Record, error) {
	m.logger.Info("Starting test cycle")

	endpoints, err := m.store.GetActiveEndpoints(ctx, 0)
	if err != nil {
		return nil, errors.WrapMonitorError(errors.CodeCycleFailed, "failed to load active endpoints", m.nextCycle(), err)
	}
	m.metrics.SetActiveEndpoints(len(endpoints))
	if len(endpoints) == 0 {
		m.logger.Warn("No active endpoints to test; run a discovery scan first")
		m.metrics.RecordCycle("empty", time.Since(start), 0, 0)
		return nil, nil
	}

	addrs := make([]string, len(endpoints))
	for i, e := range endpoints {
		addrs[i] = e.Address
	}
	batches := Batches(addrs, m.cfg.BatchSize)
	m.logger.Info("Testing active endpoints", "total", len(addrs), "batches", len(batches), "batch_size", m.cfg.BatchSize)

	m.resetProgress(start, len(addrs), len(batches))

	var (
		all       []scanning.Record
		responded int
		failed    int
		aborted   bool
	)
	for i, batch := range batches {
		if !m.awaitBatch(ctx) {
			m.logger.Info("Stop requested, aborting remaining batches", "completed_batches", i)
			aborted = true
			break
		}

		batchNum := i + 1
		m.logger.Debug("Testing batch", "batch", batchNum, "total_batches", len(batches), "size", len(batch))

		results, err := m.tester.TestEndpoints(ctx, batch, discovery.TestOptions{Timeout: m.cfg.BatchTimeout})
		if ctx.Err() != nil {
			// A batch cut short by cancellation says nothing about its endpoints.
			m.logger.Info("Batch interrupted, keeping only produced results", "batch", batchNum, "results", len(results))
			all = append(all, results...)
			responded += len(results)
			m.updateProgress(batchNum, len(results), len(results), 0)
			aborted = true
			break
		}
		if err != nil {
			if results == nil {
				return nil, errors.WrapMonitorError(errors.CodeCycleFailed,
					fmt.Sprintf("batch %d failed", batchNum), m.nextCycle(), err)
			}
			m.logger.Warn("Some batch results were not persisted", "batch", batchNum, "error", err)
		}
		all = append(all, results...)

		missing := m.recordFailures(ctx, batchNum, batch, results)
		batchResponded := len(batch) - len(missing)
		responded += batchResponded
		failed += len(missing)
		m.updateProgress(batchNum, len(batch), batchResponded, len(missing))
	}

	summary := m.finishCycle(start, len(addrs), responded, failed, all, len(batches), aborted)

	m.logger.InfoMonitor("Test cycle completed", summary.CycleNumber,
		"responded", summary.EndpointsResponded,
		"total", summary.EndpointsTotal,
		"failed", summary.EndpointsFailed,
		"avg_speed", summary.AvgSpeed,
		"duration_seconds", summary.DurationSeconds)

	result := "completed"
	if aborted {
		result = "aborted"
	}
	m.metrics.RecordCycle(result, time.Duration(summary.DurationSeconds*float64(time.Second)),
		summary.EndpointsResponded, summary.EndpointsFailed)

	for _, fn := range m.cycleObservers {
		m.notifyCycle(fn, summary, all)
	}
	return all, nil
}

// recordFailures persists a synthetic failed result for every address in
// batch that is missing from results, and returns those addresses.
func (m *Monitor) recordFailures(ctx context.Context, batchNum int, batch []string, results []scanning.Record) []string {
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		seen[normalize(r.Address)] = struct{}{}
	}

	var failed []string
	for _, addr := range batch {
		if _, ok := seen[normalize(addr)]; !ok {
			failed = append(failed, addr)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	m.logger.Info("Endpoints did not respond, recording failed results", "batch", batchNum, "count", len(failed))
	writeCtx := context.WithoutCancel(ctx)
	now := time.Now()
	persisted := 0
	for _, addr := range failed {
		if _, err := m.store.InsertTestResult(writeCtx, failedResult(addr, now)); err != nil {
			m.logger.Error("Failed to record failed result", "address", addr, "error", err)
			continue
		}
		persisted++
	}
	m.metrics.AddResults(scanning.TestTypePeriodic, persisted)
	return failed
}

func failedResult(addr string, at time.Time) db.TestResultInput {
	return db.TestResultInput{
		Address:         addr,
		TestedAt:        at,
		LatencyMs:       0,
		DownloadSpeed:   0,
		LossRate:        failedLossRate,
		PacketsSent:     failedPacketsSent,
		PacketsReceived: 0,
		TestType:        scanning.TestTypePeriodic,
	}
}

func (m *Monitor) nextCycle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.testCount + 1
}

func (m *Monitor) resetProgress(start time.Time, total, batches int) {
	started := start
	m.mu.Lock()
	m.progress = Progress{
		Active:         true,
		TotalBatches:   batches,
		EndpointsTotal: total,
		StartedAt:      &started,
	}
	p := m.progress
	m.mu.Unlock()
	m.publishProgress(p)
}

func (m *Monitor) updateProgress(batchNum, tested, responded, failed int) {
	m.mu.Lock()
	m.progress.CurrentBatch = batchNum
	m.progress.EndpointsTested += tested
	m.progress.EndpointsResponded += responded
	m.progress.EndpointsFailed += failed
	if m.progress.StartedAt != nil {
		m.progress.ElapsedSeconds = roundTo(time.Since(*m.progress.StartedAt).Seconds(), 1)
	}
	p := m.progress
	m.mu.Unlock()
	m.publishProgress(p)
}

// finishCycle records the summary of a cycle that ran to the end of its
// batch loop. failed counts only endpoints that were tested and stayed
// silent, so an aborted cycle does not blame endpoints it never reached.
func (m *Monitor) finishCycle(start time.Time, total, responded, failed int, records []scanning.Record,
	batches int, aborted bool) CycleSummary {
	now := time.Now()

	var avg float64
	if len(records) > 0 {
		var sum float64
		for _, r := range records {
			sum += r.DownloadSpeed
		}
		avg = roundTo(sum/float64(len(records)), 2)
	}

	m.mu.Lock()
	summary := m.recordSummaryLocked(CycleSummary{
		Timestamp:          now,
		DurationSeconds:    roundTo(now.Sub(start).Seconds(), 2),
		EndpointsTotal:     total,
		EndpointsResponded: responded,
		EndpointsFailed:    failed,
		ResultsCount:       len(records),
		AvgSpeed:           avg,
		Batches:            batches,
		Aborted:            aborted,
	})
	p := m.progress
	m.mu.Unlock()

	m.publishProgress(p)
	return summary
}

// recordSummaryLocked numbers s, makes it the last cycle and pushes it onto
// the bounded history. m.mu must be held.
func (m *Monitor) recordSummaryLocked(s CycleSummary) CycleSummary {
	m.testCount++
	m.lastTest = s.Timestamp
	m.progress.Active = false
	s.CycleNumber = m.testCount

	last := s
	m.lastCycle = &last
	m.history = append([]CycleSummary{s}, m.history...)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[:m.cfg.HistorySize]
	}
	return s
}

func (m *Monitor) publishProgress(p Progress) {
	for _, fn := range m.progressObservers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Progress observer panicked", "panic", r)
				}
			}()
			fn(p)
		}()
	}
}

func (m *Monitor) notifyCycle(fn func(CycleSummary, []scanning.Record), s CycleSummary, records []scanning.Record) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Cycle observer panicked", "panic", r)
		}
	}()
	fn(s, records)
}

// normalize canonicalizes an address so IPv6 spellings compare equal.
func normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if a, err := netip.ParseAddr(addr); err == nil {
		return a.String()
	}
	return addr
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
