package db

import "time"

// Endpoint is one CDN edge address with its rolling aggregates. The
// aggregates are nil until the first measurement is stored.
type Endpoint struct {
	ID                 int64      `db:"id" json:"id"`
	Address            string     `db:"address" json:"address"`
	FirstSeen          time.Time  `db:"first_seen" json:"first_seen"`
	LastTested         *time.Time `db:"last_tested" json:"last_tested,omitempty"`
	IsActive           bool       `db:"is_active" json:"is_active"`
	TotalTests         int        `db:"total_tests" json:"total_tests"`
	AvgLatency         *float64   `db:"avg_latency" json:"avg_latency,omitempty"`
	AvgDownloadSpeed   *float64   `db:"avg_download_speed" json:"avg_download_speed,omitempty"`
	AvgUploadSpeed     *float64   `db:"avg_upload_speed" json:"avg_upload_speed,omitempty"`
	AvgLossRate        *float64   `db:"avg_loss_rate" json:"avg_loss_rate,omitempty"`
	BestLatency        *float64   `db:"best_latency" json:"best_latency,omitempty"`
	BestDownloadSpeed  *float64   `db:"best_download_speed" json:"best_download_speed,omitempty"`
	WorstLatency       *float64   `db:"worst_latency" json:"worst_latency,omitempty"`
	WorstDownloadSpeed *float64   `db:"worst_download_speed" json:"worst_download_speed,omitempty"`
	Colo               *string    `db:"colo" json:"colo,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// TestResult is one stored measurement.
type TestResult struct {
	ID              int64     `db:"id" json:"id"`
	EndpointID      int64     `db:"endpoint_id" json:"endpoint_id"`
	TestedAt        time.Time `db:"tested_at" json:"tested_at"`
	LatencyMs       *float64  `db:"latency_ms" json:"latency_ms"`
	DownloadSpeed   *float64  `db:"download_speed" json:"download_speed"`
	UploadSpeed     *float64  `db:"upload_speed" json:"upload_speed"`
	LossRate        *float64  `db:"loss_rate" json:"loss_rate"`
	PacketsSent     *int      `db:"packets_sent" json:"packets_sent"`
	PacketsReceived *int      `db:"packets_received" json:"packets_received"`
	Colo            *string   `db:"colo" json:"colo,omitempty"`
	TestType        string    `db:"test_type" json:"test_type"`
}

// TestResultInput is a measurement to be stored. A zero TestedAt means now.
type TestResultInput struct {
	Address         string
	TestedAt        time.Time
	LatencyMs       float64
	DownloadSpeed   float64
	UploadSpeed     float64
	LossRate        float64
	PacketsSent     int
	PacketsReceived int
	Colo            string
	TestType        string
}

// ScanSession summarizes one discovery scan attempt.
type ScanSession struct {
	ID              int64     `db:"id" json:"id"`
	ScanID          string    `db:"scan_id" json:"scan_id"`
	ScannedAt       time.Time `db:"scanned_at" json:"scanned_at"`
	TotalTested     int       `db:"total_tested" json:"total_tested"`
	Passed          int       `db:"passed" json:"passed"`
	MinSpeed        *float64  `db:"min_speed" json:"min_speed,omitempty"`
	MaxLatency      *float64  `db:"max_latency" json:"max_latency,omitempty"`
	MaxLoss         *float64  `db:"max_loss" json:"max_loss,omitempty"`
	DurationSeconds *float64  `db:"duration_seconds" json:"duration_seconds,omitempty"`
	Status          string    `db:"status" json:"status"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
}

// Statistics is the fleet-wide summary shown on the dashboard.
type Statistics struct {
	TotalEndpoints    int64      `db:"total_endpoints" json:"total_endpoints"`
	ActiveEndpoints   int64      `db:"active_endpoints" json:"active_endpoints"`
	TotalTests        int64      `db:"total_tests" json:"total_tests"`
	AvgLatency        *float64   `db:"avg_latency" json:"avg_latency,omitempty"`
	AvgDownloadSpeed  *float64   `db:"avg_download_speed" json:"avg_download_speed,omitempty"`
	BestDownloadSpeed *float64   `db:"best_download_speed" json:"best_download_speed,omitempty"`
	LastScan          *time.Time `db:"last_scan" json:"last_scan,omitempty"`
}

// HourlyStat is one bucket of the hourly performance series.
type HourlyStat struct {
	Hour             time.Time `db:"hour" json:"hour"`
	AvgDownloadSpeed *float64  `db:"avg_download_speed" json:"avg_download_speed"`
	AvgLatency       *float64  `db:"avg_latency" json:"avg_latency"`
	TestCount        int64     `db:"test_count" json:"test_count"`
}

// EndpointFilters narrows ListEndpoints.
type EndpointFilters struct {
	ActiveOnly bool
	Colo       string
	Search     string
	SortBy     string
	SortDesc   bool
	Limit      int
	Offset     int
}
