package db

import (
	"context"
	"time"

	"github.com/anstrom/edgeprobe/internal/liveness"
)

// CleanupOldResults deletes measurements older than retention and returns
// the number removed. Endpoint aggregates are recomputed on the next insert.
func (r *EndpointRepository) CleanupOldResults(ctx context.Context, retention time.Duration) (n int64, err error) {
	const op = "cleanup_old_results"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx, `DELETE FROM test_results WHERE tested_at < $1`, cutoff)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return n, nil
}

type sampleRow struct {
	EndpointID    int64     `db:"endpoint_id"`
	TestedAt      time.Time `db:"tested_at"`
	DownloadSpeed *float64  `db:"download_speed"`
}

// RecentSamples returns the measurements of active endpoints that fall
// inside the window: the newest K per endpoint for a tests window, or
// everything since now-H for an hours window.
func (r *EndpointRepository) RecentSamples(ctx context.Context, w liveness.Window, now time.Time) (
	samples []liveness.Sample, err error,
) {
	const op = "recent_samples"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	if err = w.Validate(); err != nil {
		return nil, err
	}

	var rows []sampleRow
	switch w.Mode {
	case liveness.ModeTests:
		err = r.db.SelectContext(ctx, &rows, `
			SELECT endpoint_id, tested_at, download_speed
			FROM (
				SELECT tr.endpoint_id, tr.tested_at, tr.download_speed,
				       ROW_NUMBER() OVER (PARTITION BY tr.endpoint_id ORDER BY tr.tested_at DESC, tr.id DESC) AS rn
				FROM test_results tr
				JOIN endpoints e ON e.id = tr.endpoint_id
				WHERE e.is_active
			) ranked
			WHERE rn <= $1`, w.Value)
	default:
		err = r.db.SelectContext(ctx, &rows, `
			SELECT tr.endpoint_id, tr.tested_at, tr.download_speed
			FROM test_results tr
			JOIN endpoints e ON e.id = tr.endpoint_id
			WHERE e.is_active AND tr.tested_at >= $1`, w.Since(now))
	}
	if err != nil {
		return nil, sanitizeDBError(op, err)
	}

	samples = make([]liveness.Sample, len(rows))
	for i, row := range rows {
		samples[i] = liveness.Sample{EndpointID: row.EndpointID, TestedAt: row.TestedAt, Speed: row.DownloadSpeed}
	}
	return samples, nil
}

// DeadEndpointIDs returns the active endpoints the window judges dead.
func (r *EndpointRepository) DeadEndpointIDs(ctx context.Context, w liveness.Window) ([]int64, error) {
	now := time.Now().UTC()
	samples, err := r.RecentSamples(ctx, w, now)
	if err != nil {
		return nil, err
	}
	return w.DeadEndpoints(samples, now), nil
}

// PreviewDeadCount reports how many endpoints DeactivateDead would retire
// without changing anything.
func (r *EndpointRepository) PreviewDeadCount(ctx context.Context, w liveness.Window) (int, error) {
	ids, err := r.DeadEndpointIDs(ctx, w)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeactivateDead retires every active endpoint the window judges dead.
func (r *EndpointRepository) DeactivateDead(ctx context.Context, w liveness.Window) (int64, error) {
	ids, err := r.DeadEndpointIDs(ctx, w)
	if err != nil {
		return 0, err
	}
	return r.DeactivateWhere(ctx, ids)
}

// DeactivateSlow retires active endpoints whose average download speed is
// below floor. Endpoints with no measurements are left alone.
func (r *EndpointRepository) DeactivateSlow(ctx context.Context, floor float64) (n int64, err error) {
	const op = "deactivate_slow"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE endpoints SET is_active = FALSE
		WHERE is_active AND avg_download_speed IS NOT NULL AND avg_download_speed < $1`, floor)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return n, nil
}
