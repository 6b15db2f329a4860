package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/dispatch"
	"github.com/overseer-dev/overseer/internal/repositories"
)

type sweeperFixture struct {
	db         *gorm.DB
	sweeper    *Sweeper
	jobs       repositories.JobRepository
	agents     repositories.AgentRepository
	activities repositories.ActivityRepository
}

func newFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	jobs := repositories.NewJobRepository(database)
	agents := repositories.NewAgentRepository(database)
	activities := repositories.NewActivityRepository(database)
	s, err := New(jobs, agents, activities, zap.NewNop())
	require.NoError(t, err)
	return &sweeperFixture{db: database, sweeper: s, jobs: jobs, agents: agents, activities: activities}
}

func (f *sweeperFixture) claimedJob(t *testing.T, orgID, agentID uuid.UUID, queue string) *db.Job {
	t.Helper()
	ctx := context.Background()
	job := &db.Job{
		OrgID:                orgID,
		Status:               db.JobStatusQueued,
		Priority:             db.PriorityMedium,
		QueueType:            db.QueueNone,
		OrderInQueue:         db.PositionNone,
		Prompt:               "stuck job",
		UserAcceptanceStatus: db.AcceptanceNotReviewed,
		UserComments:         "[]",
		Name:                 "stuck job",
	}
	require.NoError(t, f.jobs.Create(ctx, job))
	require.NoError(t, f.jobs.InsertAtTail(ctx, job, queue))
	claimed, err := f.jobs.ClaimNext(ctx, orgID, queue, agentID)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func (f *sweeperFixture) backdate(t *testing.T, job *db.Job, to time.Time) {
	t.Helper()
	require.NoError(t, f.db.Model(&db.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		UpdateColumn("updated_at", to).Error)
}

func TestSweepStuckJobs(t *testing.T) {
	ctx := context.Background()
	stale := time.Now().UTC().Add(-dispatch.OrphanCutoff - time.Minute)

	t.Run("job whose agent is gone returns to its queue", func(t *testing.T) {
		f := newFixture(t)
		orgID := uuid.New()
		job := f.claimedJob(t, orgID, uuid.New(), db.QueueRework)
		f.backdate(t, job, stale)

		f.sweeper.sweepStuckJobs()

		reloaded, err := f.jobs.Latest(ctx, orgID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusQueued, reloaded.Status)
		assert.Equal(t, db.QueueRework, reloaded.QueueType)
		assert.Equal(t, 0, reloaded.OrderInQueue)
		assert.Nil(t, reloaded.AgentID)
	})

	t.Run("job on an offline agent is re-queued", func(t *testing.T) {
		f := newFixture(t)
		orgID := uuid.New()
		agent := &db.Agent{OrgID: orgID, Host: "dead-01"}
		_, err := f.agents.Register(ctx, agent)
		require.NoError(t, err)
		require.NoError(t, f.agents.SetStatus(ctx, agent.ID, db.AgentStatusOffline))

		job := f.claimedJob(t, orgID, agent.ID, db.QueueBacklog)
		f.backdate(t, job, stale)

		f.sweeper.sweepStuckJobs()

		reloaded, err := f.jobs.Latest(ctx, orgID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusQueued, reloaded.Status)
		assert.Equal(t, db.QueueBacklog, reloaded.QueueType)
	})

	t.Run("job on a live active agent is left alone", func(t *testing.T) {
		f := newFixture(t)
		orgID := uuid.New()
		agent := &db.Agent{OrgID: orgID, Host: "busy-01"}
		_, err := f.agents.Register(ctx, agent)
		require.NoError(t, err)

		job := f.claimedJob(t, orgID, agent.ID, db.QueueBacklog)
		f.backdate(t, job, stale)

		f.sweeper.sweepStuckJobs()

		reloaded, err := f.jobs.Latest(ctx, orgID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusInProgress, reloaded.Status)
		require.NotNil(t, reloaded.AgentID)
	})

	t.Run("manually dispatched job falls back to the backlog", func(t *testing.T) {
		f := newFixture(t)
		orgID := uuid.New()
		job := f.claimedJob(t, orgID, uuid.New(), db.QueueBacklog)

		// Manual dispatch clears the queue fields on claim.
		require.NoError(t, f.jobs.RemoveFromQueue(ctx, job))
		job.Status = db.JobStatusInProgress
		require.NoError(t, f.jobs.Update(ctx, job))
		f.backdate(t, job, stale)

		f.sweeper.sweepStuckJobs()

		reloaded, err := f.jobs.Latest(ctx, orgID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusQueued, reloaded.Status)
		assert.Equal(t, db.QueueBacklog, reloaded.QueueType)
	})

	t.Run("fresh in-progress job is outside the cutoff", func(t *testing.T) {
		f := newFixture(t)
		orgID := uuid.New()
		job := f.claimedJob(t, orgID, uuid.New(), db.QueueBacklog)

		f.sweeper.sweepStuckJobs()

		reloaded, err := f.jobs.Latest(ctx, orgID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusInProgress, reloaded.Status)
	})
}

func TestPurgeReadActivities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orgID, jobID := uuid.New(), uuid.New()

	activity := &db.Activity{JobID: jobID, OrgID: orgID, Name: "job.updated", Summary: "old"}
	require.NoError(t, f.activities.Create(ctx, activity))
	require.NoError(t, f.activities.MarkRead(ctx, activity.ID, "user-1"))
	require.NoError(t, f.db.Model(&db.ActivityReadStatus{}).
		Where("activity_id = ?", activity.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-activityRetention-time.Hour)).Error)

	f.sweeper.purgeReadActivities()

	var count int64
	require.NoError(t, f.db.Model(&db.ActivityReadStatus{}).
		Where("activity_id = ?", activity.ID).Count(&count).Error)
	assert.Zero(t, count)
}
