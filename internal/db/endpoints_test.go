package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/internal/metrics"
)

func newMockRepo(t *testing.T) (*EndpointRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewEndpointRepository(NewFromSQLX(sqlx.NewDb(conn, "postgres")), metrics.NewPrometheusMetrics()), mock
}

func TestInsertTestResult(t *testing.T) {
	repo, mock := newMockRepo(t)
	testedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO endpoints`).
		WithArgs("104.16.1.1", "LAX", true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectQuery(`INSERT INTO test_results`).
		WithArgs(int64(42), testedAt, 120.5, 18.2, 0.0, 0.0, 4, 4, "LAX", "initial_scan").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1001))
	mock.ExpectExec(`UPDATE endpoints e SET\s+total_tests = e.total_tests \+ 1`).
		WithArgs(int64(42), testedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := repo.InsertTestResult(context.Background(), TestResultInput{
		Address:         "104.16.1.1",
		TestedAt:        testedAt,
		LatencyMs:       120.5,
		DownloadSpeed:   18.2,
		PacketsSent:     4,
		PacketsReceived: 4,
		Colo:            "LAX",
		TestType:        "initial_scan",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTestResultRollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO endpoints`).
		WithArgs("104.16.1.1", nil, false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO test_results`).
		WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	_, err := repo.InsertTestResult(context.Background(), TestResultInput{Address: "104.16.1.1"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTestResultRequiresAddress(t *testing.T) {
	repo, mock := newMockRepo(t)
	_, err := repo.InsertTestResult(context.Background(), TestResultInput{Address: "  "})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func endpointRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "address", "first_seen", "last_tested", "is_active", "total_tests",
		"avg_latency", "avg_download_speed", "avg_upload_speed", "avg_loss_rate",
		"best_latency", "best_download_speed", "worst_latency", "worst_download_speed",
		"colo", "created_at",
	})
}

func TestGetActiveEndpoints(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`FROM endpoints\s+WHERE is_active\s+ORDER BY avg_download_speed DESC NULLS LAST, avg_latency ASC`).
		WithArgs(10).
		WillReturnRows(endpointRows().
			AddRow(1, "104.16.1.1", now, now, true, 5, 100.0, 30.0, 0.0, 0.0, 90.0, 35.0, 110.0, 25.0, "LAX", now).
			AddRow(2, "104.16.1.2", now, nil, true, 0, nil, nil, nil, nil, nil, nil, nil, nil, nil, now))

	endpoints, err := repo.GetActiveEndpoints(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "104.16.1.1", endpoints[0].Address)
	require.NotNil(t, endpoints[0].AvgDownloadSpeed)
	assert.Equal(t, 30.0, *endpoints[0].AvgDownloadSpeed)
	assert.Nil(t, endpoints[1].AvgDownloadSpeed)
	assert.Nil(t, endpoints[1].LastTested)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveEndpointsUnlimited(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM endpoints`).WithArgs().WillReturnRows(endpointRows())

	endpoints, err := repo.GetActiveEndpoints(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, endpoints)
	assert.NotNil(t, endpoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEndpointNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`WHERE address = \$1`).WithArgs("1.1.1.1").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetEndpoint(context.Background(), "1.1.1.1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListEndpointsFilters(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM endpoints WHERE is_active AND colo = \$1 AND address LIKE \$2`).
		WithArgs("LAX", "%104.16%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`ORDER BY avg_latency ASC NULLS LAST, id ASC LIMIT \$3 OFFSET \$4`).
		WithArgs("LAX", "%104.16%", 5, 5).
		WillReturnRows(endpointRows().
			AddRow(3, "104.16.0.3", now, now, true, 2, 80.0, 20.0, 0.0, 0.0, 80.0, 20.0, 80.0, 20.0, "LAX", now))

	endpoints, total, err := repo.ListEndpoints(context.Background(), EndpointFilters{
		ActiveOnly: true, Colo: "lax", Search: "104.16", SortBy: "latency", Limit: 5, Offset: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	assert.Len(t, endpoints, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEndpointsUnknownSortFallsBackToSpeed(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`ORDER BY avg_download_speed DESC NULLS LAST`).WillReturnRows(endpointRows())

	_, _, err := repo.ListEndpoints(context.Background(), EndpointFilters{SortBy: "1; DROP TABLE endpoints"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE endpoints SET is_active = \$2`).
		WithArgs("104.16.1.1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE endpoints SET is_active = \$2`).
		WithArgs("104.16.1.1", false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Deactivate(context.Background(), "104.16.1.1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Deactivate(context.Background(), "104.16.1.1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateWhere(t *testing.T) {
	repo, mock := newMockRepo(t)

	n, err := repo.DeactivateWhere(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectExec(`id = ANY\(\$1\)`).
		WithArgs(pq.Array([]int64{3, 7})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err = repo.DeactivateWhere(context.Background(), []int64{3, 7})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOldResults(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM test_results WHERE tested_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := repo.CleanupOldResults(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateDeadTestsWindow(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"endpoint_id", "tested_at", "download_speed"}).
		// Endpoint 1: three zero-speed tests.
		AddRow(1, now, 0.0).
		AddRow(1, now.Add(-time.Minute), nil).
		AddRow(1, now.Add(-2*time.Minute), 0.0).
		// Endpoint 2: only two tests so far.
		AddRow(2, now, 0.0).
		AddRow(2, now.Add(-time.Minute), 0.0).
		// Endpoint 3: one positive test in the window.
		AddRow(3, now, 0.0).
		AddRow(3, now.Add(-time.Minute), 12.5).
		AddRow(3, now.Add(-2*time.Minute), 0.0)

	mock.ExpectQuery(`ROW_NUMBER\(\) OVER \(PARTITION BY tr.endpoint_id ORDER BY tr.tested_at DESC, tr.id DESC\)`).
		WithArgs(3).
		WillReturnRows(rows)
	mock.ExpectExec(`id = ANY\(\$1\)`).
		WithArgs(pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.DeactivateDead(context.Background(), liveness.Window{Mode: liveness.ModeTests, Value: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviewDeadCountHoursWindow(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`WHERE e.is_active AND tr.tested_at >= \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint_id", "tested_at", "download_speed"}).
			AddRow(4, now.Add(-time.Hour), 0.0).
			AddRow(5, now.Add(-time.Hour), 3.0))

	n, err := repo.PreviewDeadCount(context.Background(), liveness.Window{Mode: liveness.ModeHours, Value: 6})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentSamplesRejectsInvalidWindow(t *testing.T) {
	repo, _ := newMockRepo(t)
	_, err := repo.RecentSamples(context.Background(), liveness.Window{Mode: "days", Value: 1}, time.Now())
	assert.Error(t, err)
}

func TestDeactivateSlow(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`avg_download_speed IS NOT NULL AND avg_download_speed < \$1`).
		WithArgs(5.0).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeactivateSlow(context.Background(), 5.0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertScanSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	minSpeed := 10.0

	mock.ExpectQuery(`INSERT INTO scan_sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	session := &ScanSession{ScanID: "abc", TotalTested: 50, Passed: 12, MinSpeed: &minSpeed, Status: "completed"}
	id, err := repo.InsertScanSession(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, int64(9), session.ID)
	assert.False(t, session.ScannedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatistics(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`AS total_endpoints`).
		WillReturnRows(sqlmock.NewRows([]string{
			"total_endpoints", "active_endpoints", "total_tests", "avg_latency",
			"avg_download_speed", "best_download_speed", "last_scan",
		}).AddRow(25, 20, 400, 150.0, 22.0, 48.0, nil))

	stats, err := repo.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(25), stats.TotalEndpoints)
	assert.Equal(t, int64(20), stats.ActiveEndpoints)
	assert.Nil(t, stats.LastScan)
}

func TestSanitizeDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"no rows", sql.ErrNoRows, errors.CodeNotFound},
		{"unique", &pq.Error{Code: "23505"}, errors.CodeConflict},
		{"check", &pq.Error{Code: "23514"}, errors.CodeValidation},
		{"canceled", &pq.Error{Code: "57014"}, errors.CodeCanceled},
		{"connection", &pq.Error{Code: "08006"}, errors.CodeDatabaseConnection},
		{"unknown pq", &pq.Error{Code: "42601"}, errors.CodeDatabaseQuery},
		{"context", context.DeadlineExceeded, errors.CodeDatabaseTimeout},
		{"other", assert.AnError, errors.CodeDatabaseQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.GetCode(sanitizeDBError("op", tt.err)))
		})
	}
	assert.NoError(t, sanitizeDBError("op", nil))
}

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "edgeprobe"
	cfg.Username = "probe"
	cfg.Password = "secret"
	assert.Equal(t, "host=localhost port=5432 dbname=edgeprobe user=probe password=secret sslmode=disable", cfg.DSN())
}
