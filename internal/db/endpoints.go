package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/metrics"
)

const endpointColumns = `id, address, first_seen, last_tested, is_active, total_tests,
	avg_latency, avg_download_speed, avg_upload_speed, avg_loss_rate,
	best_latency, best_download_speed, worst_latency, worst_download_speed,
	colo, created_at`

// EndpointRepository stores endpoints and their measurement history.
// It is safe for concurrent use.
type EndpointRepository struct {
	db      *DB
	metrics *metrics.PrometheusMetrics
}

// NewEndpointRepository creates a repository. m may be nil.
func NewEndpointRepository(db *DB, m *metrics.PrometheusMetrics) *EndpointRepository {
	return &EndpointRepository{db: db, metrics: m}
}

func (r *EndpointRepository) observe(operation string, start time.Time, err error) {
	r.metrics.RecordDatabaseQuery(operation, time.Since(start), err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertTestResult stores one measurement, creating the endpoint on first
// sight, and recomputes the endpoint's aggregates from its full history.
// The whole operation runs in one transaction; the upsert takes the row
// lock so concurrent inserts for the same address serialize and every one
// of them is counted.
//
// Zero latencies are excluded from the latency aggregates since they mark
// failed probes rather than fast ones.
func (r *EndpointRepository) InsertTestResult(ctx context.Context, in TestResultInput) (resultID int64, err error) {
	const op = "insert_test_result"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	if strings.TrimSpace(in.Address) == "" {
		return 0, errors.NewDatabaseError(errors.CodeValidation, "endpoint address is required")
	}
	if in.TestType == "" {
		in.TestType = "periodic"
	}
	if in.TestedAt.IsZero() {
		in.TestedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	// A fresh discovery hit brings a previously retired endpoint back.
	reactivate := in.TestType == "initial_scan"

	var endpointID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO endpoints (address, colo)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE
		SET colo = COALESCE(EXCLUDED.colo, endpoints.colo),
		    is_active = endpoints.is_active OR $3::boolean
		RETURNING id`,
		in.Address, nullString(in.Colo), reactivate,
	).Scan(&endpointID)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO test_results (endpoint_id, tested_at, latency_ms, download_speed, upload_speed,
			loss_rate, packets_sent, packets_received, colo, test_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		endpointID, in.TestedAt, in.LatencyMs, in.DownloadSpeed, in.UploadSpeed,
		in.LossRate, in.PacketsSent, in.PacketsReceived, nullString(in.Colo), in.TestType,
	).Scan(&resultID)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE endpoints e SET
			total_tests = e.total_tests + 1,
			last_tested = GREATEST(COALESCE(e.last_tested, $2), $2),
			avg_latency = s.avg_latency,
			avg_download_speed = s.avg_download_speed,
			avg_upload_speed = s.avg_upload_speed,
			avg_loss_rate = s.avg_loss_rate,
			best_latency = s.best_latency,
			best_download_speed = s.best_download_speed,
			worst_latency = s.worst_latency,
			worst_download_speed = s.worst_download_speed
		FROM (
			SELECT AVG(NULLIF(latency_ms, 0)) AS avg_latency,
			       AVG(download_speed)        AS avg_download_speed,
			       AVG(upload_speed)          AS avg_upload_speed,
			       AVG(loss_rate)             AS avg_loss_rate,
			       MIN(NULLIF(latency_ms, 0)) AS best_latency,
			       MAX(download_speed)        AS best_download_speed,
			       MAX(NULLIF(latency_ms, 0)) AS worst_latency,
			       MIN(download_speed)        AS worst_download_speed
			FROM test_results
			WHERE endpoint_id = $1
		) s
		WHERE e.id = $1`,
		endpointID, in.TestedAt,
	)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}

	if err = tx.Commit(); err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return resultID, nil
}

// GetActiveEndpoints returns active endpoints ordered by average download
// speed descending, then average latency ascending. limit <= 0 means all.
func (r *EndpointRepository) GetActiveEndpoints(ctx context.Context, limit int) (endpoints []*Endpoint, err error) {
	const op = "get_active_endpoints"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	query := `SELECT ` + endpointColumns + `
		FROM endpoints
		WHERE is_active
		ORDER BY avg_download_speed DESC NULLS LAST, avg_latency ASC NULLS LAST, id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	endpoints = []*Endpoint{}
	if err = r.db.SelectContext(ctx, &endpoints, query, args...); err != nil {
		return nil, sanitizeDBError(op, err)
	}
	return endpoints, nil
}

// GetEndpoint returns one endpoint by address.
func (r *EndpointRepository) GetEndpoint(ctx context.Context, address string) (endpoint *Endpoint, err error) {
	const op = "get_endpoint"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	endpoint = &Endpoint{}
	err = r.db.GetContext(ctx, endpoint, `SELECT `+endpointColumns+` FROM endpoints WHERE address = $1`, address)
	if err != nil {
		return nil, sanitizeDBError(op, err)
	}
	return endpoint, nil
}

var endpointSortColumns = map[string]string{
	"speed":      "avg_download_speed",
	"latency":    "avg_latency",
	"loss":       "avg_loss_rate",
	"tests":      "total_tests",
	"last_test":  "last_tested",
	"first_seen": "first_seen",
	"address":    "address",
}

// ListEndpoints returns a filtered page of endpoints and the total count
// matching the filters.
func (r *EndpointRepository) ListEndpoints(ctx context.Context, filters EndpointFilters) (
	endpoints []*Endpoint, total int64, err error,
) {
	const op = "list_endpoints"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	var conditions []string
	var args []interface{}
	if filters.ActiveOnly {
		conditions = append(conditions, "is_active")
	}
	if filters.Colo != "" {
		args = append(args, strings.ToUpper(filters.Colo))
		conditions = append(conditions, fmt.Sprintf("colo = $%d", len(args)))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		conditions = append(conditions, fmt.Sprintf("address LIKE $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	if err = r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM endpoints`+where, args...); err != nil {
		return nil, 0, sanitizeDBError(op, err)
	}

	column, ok := endpointSortColumns[filters.SortBy]
	if !ok {
		column = "avg_download_speed"
		filters.SortDesc = true
	}
	direction := "ASC"
	if filters.SortDesc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM endpoints%s ORDER BY %s %s NULLS LAST, id ASC`,
		endpointColumns, where, column, direction)
	if filters.Limit > 0 {
		args = append(args, filters.Limit, filters.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	endpoints = []*Endpoint{}
	if err = r.db.SelectContext(ctx, &endpoints, query, args...); err != nil {
		return nil, 0, sanitizeDBError(op, err)
	}
	return endpoints, total, nil
}

// GetHistory returns an endpoint's measurements newer than since, most
// recent first. limit <= 0 means all.
func (r *EndpointRepository) GetHistory(ctx context.Context, address string, since time.Time, limit int) (
	results []*TestResult, err error,
) {
	const op = "get_history"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	query := `
		SELECT tr.id, tr.endpoint_id, tr.tested_at, tr.latency_ms, tr.download_speed, tr.upload_speed,
		       tr.loss_rate, tr.packets_sent, tr.packets_received, tr.colo, tr.test_type
		FROM test_results tr
		JOIN endpoints e ON e.id = tr.endpoint_id
		WHERE e.address = $1 AND tr.tested_at >= $2
		ORDER BY tr.tested_at DESC, tr.id DESC`
	args := []interface{}{address, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	results = []*TestResult{}
	if err = r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, sanitizeDBError(op, err)
	}
	return results, nil
}

// Deactivate retires one endpoint. It returns false if the address is
// unknown or already inactive.
func (r *EndpointRepository) Deactivate(ctx context.Context, address string) (bool, error) {
	n, err := r.setActive(ctx, "deactivate_endpoint", address, false)
	return n > 0, err
}

// Activate returns a retired endpoint to rotation.
func (r *EndpointRepository) Activate(ctx context.Context, address string) (bool, error) {
	n, err := r.setActive(ctx, "activate_endpoint", address, true)
	return n > 0, err
}

func (r *EndpointRepository) setActive(ctx context.Context, op, address string, active bool) (n int64, err error) {
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	res, err := r.db.ExecContext(ctx,
		`UPDATE endpoints SET is_active = $2 WHERE address = $1 AND is_active <> $2`, address, active)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return n, nil
}

// DeactivateAll retires every active endpoint and returns how many changed.
func (r *EndpointRepository) DeactivateAll(ctx context.Context) (n int64, err error) {
	const op = "deactivate_all"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	res, err := r.db.ExecContext(ctx, `UPDATE endpoints SET is_active = FALSE WHERE is_active`)
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return n, nil
}

// DeactivateWhere retires the given endpoints and returns how many changed.
func (r *EndpointRepository) DeactivateWhere(ctx context.Context, ids []int64) (n int64, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const op = "deactivate_where"
	start := time.Now()
	defer func() { r.observe(op, start, err) }()

	res, err := r.db.ExecContext(ctx,
		`UPDATE endpoints SET is_active = FALSE WHERE is_active AND id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, sanitizeDBError(op, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, sanitizeDBError(op, err)
	}
	return n, nil
}
