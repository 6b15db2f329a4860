package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

// testStore bundles the repositories every dispatch test needs on a fresh
// in-memory database.
type testStore struct {
	db         *gorm.DB
	jobs       repositories.JobRepository
	agents     repositories.AgentRepository
	pauses     repositories.QueuePauseRepository
	activities repositories.ActivityRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return &testStore{
		db:         database,
		jobs:       repositories.NewJobRepository(database),
		agents:     repositories.NewAgentRepository(database),
		pauses:     repositories.NewQueuePauseRepository(database),
		activities: repositories.NewActivityRepository(database),
	}
}

func (s *testStore) newAgent(t *testing.T, orgID uuid.UUID, status string) *db.Agent {
	t.Helper()
	agent := &db.Agent{OrgID: orgID, Host: "agent-" + uuid.NewString()[:8]}
	_, err := s.agents.Register(context.Background(), agent)
	require.NoError(t, err)
	if status != db.AgentStatusActive {
		require.NoError(t, s.agents.SetStatus(context.Background(), agent.ID, status))
		agent.Status = status
	}
	return agent
}

func (s *testStore) newQueuedJob(t *testing.T, orgID uuid.UUID, queue, prompt string) *db.Job {
	t.Helper()
	ctx := context.Background()
	job := &db.Job{
		OrgID:                orgID,
		Status:               db.JobStatusQueued,
		Priority:             db.PriorityMedium,
		QueueType:            db.QueueNone,
		OrderInQueue:         db.PositionNone,
		Prompt:               prompt,
		UserAcceptanceStatus: db.AcceptanceNotReviewed,
		UserComments:         "[]",
		Name:                 prompt,
	}
	require.NoError(t, s.jobs.Create(ctx, job))
	require.NoError(t, s.jobs.InsertAtTail(ctx, job, queue))
	return job
}

func (s *testStore) latest(t *testing.T, orgID, jobID uuid.UUID) *db.Job {
	t.Helper()
	job, err := s.jobs.Latest(context.Background(), orgID, jobID)
	require.NoError(t, err)
	return job
}
