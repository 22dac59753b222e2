// Package helpers provides database setup for edgeprobe integration tests.
package helpers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/logging"
)

const (
	defaultPostgreSQLPort = 5432
	dbConnectionTimeout   = 30 * time.Second
)

// Tables in dependency order, children first.
var edgeprobeTables = []string{"test_results", "scan_sessions", "endpoints"}

// TestDatabaseConfig reads TEST_DB_* from the environment, falling back to
// the values used by the local compose setup.
func TestDatabaseConfig() *db.Config {
	return &db.Config{
		Host:            getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:            getEnvIntOrDefault("TEST_DB_PORT", defaultPostgreSQLPort),
		Database:        getEnvOrDefault("TEST_DB_NAME", "edgeprobe_test"),
		Username:        getEnvOrDefault("TEST_DB_USER", "test_user"),
		Password:        getEnvOrDefault("TEST_DB_PASSWORD", "test_password"),
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// ConnectToTestDatabase connects and migrates, skipping the test when no
// database is reachable.
func ConnectToTestDatabase(t *testing.T) *db.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectionTimeout)
	defer cancel()

	cfg := TestDatabaseConfig()
	database, err := db.ConnectAndMigrate(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Skipf("Skipping test requiring database %s@%s:%d: %v", cfg.Database, cfg.Host, cfg.Port, err)
		return nil
	}
	return database
}

// CleanupTestTables removes every row from the edgeprobe tables.
func CleanupTestTables(ctx context.Context, database *db.DB) error {
	for _, table := range edgeprobeTables {
		if _, err := database.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clean table %s: %w", table, err)
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
