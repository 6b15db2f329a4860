package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/db"
)

func newPreprocessor(s *testStore) *Preprocessor {
	return NewPreprocessor(s.agents, s.jobs, s.pauses, agentstream.New(zap.NewNop()), zap.NewNop())
}

func TestPreprocessAgentNotFound(t *testing.T) {
	p := newPreprocessor(newTestStore(t))
	_, err := p.Preprocess(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPreprocessInactiveAgentIsSkipped(t *testing.T) {
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()

	agent := s.newAgent(t, orgID, db.AgentStatusOffline)
	s.newQueuedJob(t, orgID, db.QueueBacklog, "waiting")

	result, err := p.Preprocess(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.False(t, result.Claimed)

	// The job stays queued.
	queued, err := s.jobs.ListQueued(context.Background(), orgID, db.QueueBacklog)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestPreprocessClaimsReworkBeforeBacklog(t *testing.T) {
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()
	agent := s.newAgent(t, orgID, db.AgentStatusActive)

	s.newQueuedJob(t, orgID, db.QueueBacklog, "backlog job")
	rework := s.newQueuedJob(t, orgID, db.QueueRework, "rework job")

	result, err := p.Preprocess(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.True(t, result.Claimed)
	assert.Equal(t, rework.ID, result.JobID)
	assert.Equal(t, db.QueueRework, result.QueueType)
	assert.Equal(t, orgID, result.OrgID)
}

func TestPreprocessFallsBackToBacklog(t *testing.T) {
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()
	agent := s.newAgent(t, orgID, db.AgentStatusActive)

	backlog := s.newQueuedJob(t, orgID, db.QueueBacklog, "backlog job")

	result, err := p.Preprocess(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.True(t, result.Claimed)
	assert.Equal(t, backlog.ID, result.JobID)
	assert.Equal(t, db.QueueBacklog, result.QueueType)
}

func TestPreprocessEmptyQueues(t *testing.T) {
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()
	agent := s.newAgent(t, orgID, db.AgentStatusActive)

	result, err := p.Preprocess(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, orgID, result.OrgID)
}

func TestPreprocessHonorsQueuePause(t *testing.T) {
	ctx := context.Background()

	t.Run("paused rework falls through to backlog", func(t *testing.T) {
		s := newTestStore(t)
		p := newPreprocessor(s)
		orgID := uuid.New()
		agent := s.newAgent(t, orgID, db.AgentStatusActive)

		s.newQueuedJob(t, orgID, db.QueueRework, "paused rework")
		backlog := s.newQueuedJob(t, orgID, db.QueueBacklog, "backlog job")
		require.NoError(t, s.pauses.SetPaused(ctx, orgID, db.QueueRework, true))

		result, err := p.Preprocess(ctx, agent.ID)
		require.NoError(t, err)
		assert.True(t, result.Claimed)
		assert.Equal(t, backlog.ID, result.JobID)
	})

	t.Run("both paused claims nothing", func(t *testing.T) {
		s := newTestStore(t)
		p := newPreprocessor(s)
		orgID := uuid.New()
		agent := s.newAgent(t, orgID, db.AgentStatusActive)

		s.newQueuedJob(t, orgID, db.QueueRework, "r")
		s.newQueuedJob(t, orgID, db.QueueBacklog, "b")
		require.NoError(t, s.pauses.SetPaused(ctx, orgID, db.QueueRework, true))
		require.NoError(t, s.pauses.SetPaused(ctx, orgID, db.QueueBacklog, true))

		result, err := p.Preprocess(ctx, agent.ID)
		require.NoError(t, err)
		assert.False(t, result.Claimed)
	})
}

func TestPreprocessHeartbeatsInProgressJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()
	agent := s.newAgent(t, orgID, db.AgentStatusActive)

	s.newQueuedJob(t, orgID, db.QueueBacklog, "running")
	s.newQueuedJob(t, orgID, db.QueueBacklog, "next up")
	claimed, err := s.jobs.ClaimNext(ctx, orgID, db.QueueBacklog, agent.ID)
	require.NoError(t, err)

	result, err := p.Preprocess(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, result.Claimed, "one job per agent: no second claim while one runs")

	// The running job is untouched and the second job stays queued.
	running, err := s.jobs.InProgressByAgent(ctx, orgID, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, running.ID)
	queued, err := s.jobs.ListQueued(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestPreprocessRecoversOrphansBeforeClaiming(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()
	agent := s.newAgent(t, orgID, db.AgentStatusActive)

	// The agent died holding a claim; its schedule fires again after restart.
	orphan := s.newQueuedJob(t, orgID, db.QueueRework, "orphan")
	_, err := s.jobs.ClaimNext(ctx, orgID, db.QueueRework, agent.ID)
	require.NoError(t, err)

	result, err := p.Preprocess(ctx, agent.ID)
	require.NoError(t, err)

	// Recovery re-queued the orphan at the rework tail, and since the agent
	// is now free, the same firing claims it again.
	assert.True(t, result.Claimed)
	assert.Equal(t, orphan.ID, result.JobID)
	assert.Equal(t, db.QueueRework, result.QueueType)

	job := s.latest(t, orgID, orphan.ID)
	assert.Equal(t, db.JobStatusInProgress, job.Status)
}

func TestPreprocessStaleJobRecoveredForOtherAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newPreprocessor(s)
	orgID := uuid.New()
	agent := s.newAgent(t, orgID, db.AgentStatusActive)
	deadAgent := uuid.New()

	stale := s.newQueuedJob(t, orgID, db.QueueBacklog, "stale")
	_, err := s.jobs.ClaimNext(ctx, orgID, db.QueueBacklog, deadAgent)
	require.NoError(t, err)
	require.NoError(t, s.db.Model(&db.Job{}).
		Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-OrphanCutoff-time.Minute)).Error)

	result, err := p.Preprocess(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, result.Claimed)
	assert.Equal(t, stale.ID, result.JobID)
}
