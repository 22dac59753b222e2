//go:build integration

package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/anstrom/edgeprobe/internal/db"
	"github.com/anstrom/edgeprobe/internal/liveness"
	"github.com/anstrom/edgeprobe/test/helpers"
)

// RepositoryIntegrationTestSuite runs the endpoint repository against a
// real PostgreSQL.
type RepositoryIntegrationTestSuite struct {
	suite.Suite
	database *db.DB
	repo     *db.EndpointRepository
	ctx      context.Context
}

func (s *RepositoryIntegrationTestSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("Skipping database integration tests in short mode")
	}
	s.ctx = context.Background()
	s.database = helpers.ConnectToTestDatabase(s.T())
	s.repo = db.NewEndpointRepository(s.database, nil)
}

func (s *RepositoryIntegrationTestSuite) TearDownSuite() {
	if s.database != nil {
		_ = s.database.Close()
	}
}

func (s *RepositoryIntegrationTestSuite) SetupTest() {
	s.Require().NoError(helpers.CleanupTestTables(s.ctx, s.database))
}

func (s *RepositoryIntegrationTestSuite) insert(addr string, speed, latency float64, at time.Time, testType string) {
	_, err := s.repo.InsertTestResult(s.ctx, db.TestResultInput{
		Address:         addr,
		TestedAt:        at,
		LatencyMs:       latency,
		DownloadSpeed:   speed,
		PacketsSent:     4,
		PacketsReceived: 4,
		Colo:            "FRA",
		TestType:        testType,
	})
	s.Require().NoError(err)
}

func (s *RepositoryIntegrationTestSuite) TestInsertMaintainsAggregates() {
	now := time.Now().UTC()
	s.insert("104.16.1.1", 10, 100, now.Add(-2*time.Minute), "initial_scan")
	s.insert("104.16.1.1", 20, 0, now.Add(-time.Minute), "periodic")
	s.insert("104.16.1.1", 30, 200, now, "periodic")

	ep, err := s.repo.GetEndpoint(s.ctx, "104.16.1.1")
	s.Require().NoError(err)
	s.Equal(3, ep.TotalTests)
	s.True(ep.IsActive)
	s.Require().NotNil(ep.AvgDownloadSpeed)
	s.InDelta(20, *ep.AvgDownloadSpeed, 0.001)
	s.Require().NotNil(ep.AvgLatency)
	s.InDelta(150, *ep.AvgLatency, 0.001, "zero latency is excluded")
	s.Require().NotNil(ep.BestDownloadSpeed)
	s.InDelta(30, *ep.BestDownloadSpeed, 0.001)
	s.Require().NotNil(ep.Colo)
	s.Equal("FRA", *ep.Colo)

	history, err := s.repo.GetHistory(s.ctx, "104.16.1.1", time.Time{}, 0)
	s.Require().NoError(err)
	s.Len(history, 3)
	s.Equal("periodic", history[0].TestType)
}

func (s *RepositoryIntegrationTestSuite) TestActiveOrderingAndDeactivation() {
	now := time.Now().UTC()
	s.insert("104.16.2.1", 5, 80, now, "initial_scan")
	s.insert("104.16.2.2", 50, 90, now, "initial_scan")
	s.insert("104.16.2.3", 50, 40, now, "initial_scan")

	active, err := s.repo.GetActiveEndpoints(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(active, 3)
	s.Equal("104.16.2.3", active[0].Address)
	s.Equal("104.16.2.2", active[1].Address)
	s.Equal("104.16.2.1", active[2].Address)

	changed, err := s.repo.Deactivate(s.ctx, "104.16.2.1")
	s.Require().NoError(err)
	s.True(changed)
	active, err = s.repo.GetActiveEndpoints(s.ctx, 0)
	s.Require().NoError(err)
	s.Len(active, 2)

	s.insert("104.16.2.1", 7, 70, now.Add(time.Second), "initial_scan")
	ep, err := s.repo.GetEndpoint(s.ctx, "104.16.2.1")
	s.Require().NoError(err)
	s.True(ep.IsActive, "a discovery hit reactivates")
}

func (s *RepositoryIntegrationTestSuite) TestDeadDetection() {
	now := time.Now().UTC()
	for i := range 5 {
		at := now.Add(time.Duration(i-5) * time.Minute)
		s.insert("104.16.3.1", 0, 0, at, "periodic")
		s.insert("104.16.3.2", float64(i%2), 50, at, "periodic")
	}
	s.insert("104.16.3.3", 0, 0, now, "periodic")

	w, err := liveness.ParseWindow("tests=5")
	s.Require().NoError(err)

	n, err := s.repo.PreviewDeadCount(s.ctx, w)
	s.Require().NoError(err)
	s.Equal(1, n, "only the endpoint with five zero-speed tests is dead")

	deactivated, err := s.repo.DeactivateDead(s.ctx, w)
	s.Require().NoError(err)
	s.EqualValues(1, deactivated)

	ep, err := s.repo.GetEndpoint(s.ctx, "104.16.3.1")
	s.Require().NoError(err)
	s.False(ep.IsActive)
}

func (s *RepositoryIntegrationTestSuite) TestCleanupAndSessions() {
	now := time.Now().UTC()
	s.insert("104.16.4.1", 10, 100, now.Add(-48*time.Hour), "periodic")
	s.insert("104.16.4.1", 12, 90, now, "periodic")

	n, err := s.repo.CleanupOldResults(s.ctx, 24*time.Hour)
	s.Require().NoError(err)
	s.EqualValues(1, n)

	session := &db.ScanSession{ScanID: uuid.NewString(), TotalTested: 200, Passed: 12, Status: "completed"}
	_, err = s.repo.InsertScanSession(s.ctx, session)
	s.Require().NoError(err)
	s.NotZero(session.ID)

	sessions, err := s.repo.ListScanSessions(s.ctx, 5)
	s.Require().NoError(err)
	s.Require().Len(sessions, 1)
	s.Equal(session.ScanID, sessions[0].ScanID)

	stats, err := s.repo.Statistics(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(1, stats.TotalEndpoints)
	s.NotNil(stats.LastScan)
}

func TestRepositoryIntegration(t *testing.T) {
	suite.Run(t, new(RepositoryIntegrationTestSuite))
}
