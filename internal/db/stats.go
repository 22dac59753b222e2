package db

import (
	"context"
	"time"
)

// Statistics returns the fleet-wide summary.
func (r *EndpointRepository) Statistics(ctx context.Context) (stats *Statistics, err error) {
	const op = "statistics"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	stats = &Statistics{}
	err = r.db.GetContext(ctx, stats, `
		SELECT
			(SELECT COUNT(*) FROM endpoints)                                 AS total_endpoints,
			(SELECT COUNT(*) FROM endpoints WHERE is_active)                 AS active_endpoints,
			(SELECT COUNT(*) FROM test_results)                              AS total_tests,
			(SELECT AVG(avg_latency) FROM endpoints WHERE is_active)         AS avg_latency,
			(SELECT AVG(avg_download_speed) FROM endpoints WHERE is_active)  AS avg_download_speed,
			(SELECT MAX(best_download_speed) FROM endpoints WHERE is_active) AS best_download_speed,
			(SELECT MAX(scanned_at) FROM scan_sessions)                      AS last_scan`)
	if err != nil {
		return nil, sanitizeDBError(op, err)
	}
	return stats, nil
}

// HourlyStats buckets measurements from the last hours by hour, oldest
// first.
func (r *EndpointRepository) HourlyStats(ctx context.Context, hours int) (buckets []*HourlyStat, err error) {
	const op = "hourly_stats"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	buckets = []*HourlyStat{}
	err = r.db.SelectContext(ctx, &buckets, `
		SELECT date_trunc('hour', tested_at)  AS hour,
		       AVG(download_speed)            AS avg_download_speed,
		       AVG(NULLIF(latency_ms, 0))     AS avg_latency,
		       COUNT(*)                       AS test_count
		FROM test_results
		WHERE tested_at >= $1
		GROUP BY 1
		ORDER BY 1`, since)
	if err != nil {
		return nil, sanitizeDBError(op, err)
	}
	return buckets, nil
}
