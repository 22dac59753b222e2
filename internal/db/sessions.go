package db

import (
	"context"
	"time"
)

const sessionColumns = `id, scan_id, scanned_at, total_tested, passed, min_speed, max_latency,
	max_loss, duration_seconds, status, error_message`

// InsertScanSession records a discovery attempt, fills in its ID and
// returns it.
func (r *EndpointRepository) InsertScanSession(ctx context.Context, s *ScanSession) (id int64, err error) {
	const op = "insert_scan_session"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	if s.ScannedAt.IsZero() {
		s.ScannedAt = time.Now().UTC()
	}

	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO scan_sessions (scan_id, scanned_at, total_tested, passed, min_speed, max_latency,
			max_loss, duration_seconds, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		s.ScanID, s.ScannedAt, s.TotalTested, s.Passed, s.MinSpeed, s.MaxLatency,
		s.MaxLoss, s.DurationSeconds, s.Status, s.ErrorMessage,
	).Scan(&s.ID)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return s.ID, nil
}

// ListScanSessions returns the most recent discovery sessions first.
func (r *EndpointRepository) ListScanSessions(ctx context.Context, limit int) (sessions []*ScanSession, err error) {
	const op = "list_scan_sessions"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	if limit <= 0 {
		limit = 20
	}
	sessions = []*ScanSession{}
	err = r.db.SelectContext(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM scan_sessions ORDER BY scanned_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, sanitizeDBError(op, err)
	}
	return sessions, nil
}
