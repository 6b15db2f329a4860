package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-dev/overseer/internal/db"
)

func TestAgentRegister(t *testing.T) {
	ctx := context.Background()
	agents := NewAgentRepository(newTestDB(t))
	orgID := uuid.New()

	t.Run("first registration creates an active agent", func(t *testing.T) {
		agent := &db.Agent{OrgID: orgID, Host: "build-01", IP: "10.0.0.1", Port: 9091}
		prior, err := agents.Register(ctx, agent)
		require.NoError(t, err)

		assert.Equal(t, db.AgentStatusOffline, prior)
		assert.Equal(t, db.AgentStatusActive, agent.Status)
		assert.Equal(t, "build-01", agent.Name, "name defaults to host")
		assert.Zero(t, agent.ConsecutiveFailures)
		assert.NotNil(t, agent.LastActive)
		assert.NotNil(t, agent.LastStreamConnectedAt)
	})

	t.Run("re-registration upserts on (org, host)", func(t *testing.T) {
		first, err := agents.GetByHost(ctx, orgID, "build-01")
		require.NoError(t, err)
		require.NoError(t, agents.SetStatus(ctx, first.ID, db.AgentStatusOffline))

		again := &db.Agent{OrgID: orgID, Host: "build-01", IP: "10.0.0.2", Port: 9092}
		prior, err := agents.Register(ctx, again)
		require.NoError(t, err)

		assert.Equal(t, db.AgentStatusOffline, prior)
		assert.Equal(t, first.ID, again.ID, "same host must not duplicate the agent")
		assert.Equal(t, db.AgentStatusActive, again.Status)
		assert.Equal(t, "10.0.0.2", again.IP)
		assert.Equal(t, 9092, again.Port)
	})

	t.Run("same host in another org is a distinct agent", func(t *testing.T) {
		other := &db.Agent{OrgID: uuid.New(), Host: "build-01"}
		_, err := agents.Register(ctx, other)
		require.NoError(t, err)

		existing, err := agents.GetByHost(ctx, orgID, "build-01")
		require.NoError(t, err)
		assert.NotEqual(t, existing.ID, other.ID)
	})
}

func TestAgentFailureCounter(t *testing.T) {
	ctx := context.Background()
	agents := NewAgentRepository(newTestDB(t))

	agent := &db.Agent{OrgID: uuid.New(), Host: "flaky-01"}
	_, err := agents.Register(ctx, agent)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		got, err := agents.RecordPingFailure(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	t.Run("touch resets the counter", func(t *testing.T) {
		require.NoError(t, agents.Touch(ctx, agent.ID, time.Now().UTC()))
		reloaded, err := agents.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Zero(t, reloaded.ConsecutiveFailures)
	})

	t.Run("setting active resets the counter", func(t *testing.T) {
		_, err := agents.RecordPingFailure(ctx, agent.ID)
		require.NoError(t, err)
		require.NoError(t, agents.SetStatus(ctx, agent.ID, db.AgentStatusOffline))
		require.NoError(t, agents.SetStatus(ctx, agent.ID, db.AgentStatusActive))

		reloaded, err := agents.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, db.AgentStatusActive, reloaded.Status)
		assert.Zero(t, reloaded.ConsecutiveFailures)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := agents.RecordPingFailure(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, agents.Touch(ctx, uuid.New(), time.Now().UTC()), ErrNotFound)
		assert.ErrorIs(t, agents.SetStatus(ctx, uuid.New(), db.AgentStatusOffline), ErrNotFound)
	})
}

func TestAgentDeleteIsOrgScoped(t *testing.T) {
	ctx := context.Background()
	agents := NewAgentRepository(newTestDB(t))
	orgID := uuid.New()

	agent := &db.Agent{OrgID: orgID, Host: "build-01"}
	_, err := agents.Register(ctx, agent)
	require.NoError(t, err)

	assert.ErrorIs(t, agents.Delete(ctx, uuid.New(), agent.ID), ErrNotFound)
	require.NoError(t, agents.Delete(ctx, orgID, agent.ID))

	_, err = agents.GetByID(ctx, agent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueuePause(t *testing.T) {
	ctx := context.Background()
	pauses := NewQueuePauseRepository(newTestDB(t))
	orgID := uuid.New()

	paused, err := pauses.IsPaused(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	assert.False(t, paused, "missing row means not paused")

	require.NoError(t, pauses.SetPaused(ctx, orgID, db.QueueBacklog, true))
	paused, err = pauses.IsPaused(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	assert.True(t, paused)

	// Per-queue: the rework queue is unaffected.
	paused, err = pauses.IsPaused(ctx, orgID, db.QueueRework)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, pauses.SetPaused(ctx, orgID, db.QueueBacklog, false))
	paused, err = pauses.IsPaused(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestAPIKeyLookup(t *testing.T) {
	ctx := context.Background()
	keys := NewAPIKeyRepository(newTestDB(t))
	orgID := uuid.New()

	key := &db.APIKey{OrgID: orgID, Name: "default", KeyHash: "hash-1", CreatedBy: "admin"}
	require.NoError(t, keys.Create(ctx, key))

	got, err := keys.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, orgID, got.OrgID)

	_, err = keys.GetByHash(ctx, "hash-unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, keys.Delete(ctx, uuid.New(), key.ID), ErrNotFound)
	require.NoError(t, keys.Delete(ctx, orgID, key.ID))
	_, err = keys.GetByHash(ctx, "hash-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivityReadStatus(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	activities := NewActivityRepository(database)
	orgID, jobID := uuid.New(), uuid.New()

	activity := &db.Activity{JobID: jobID, OrgID: orgID, Name: "job.updated", Summary: "status change"}
	require.NoError(t, activities.Create(ctx, activity))

	// Marking read twice is idempotent.
	require.NoError(t, activities.MarkRead(ctx, activity.ID, "user-1"))
	require.NoError(t, activities.MarkRead(ctx, activity.ID, "user-1"))

	t.Run("purge only affects old read rows", func(t *testing.T) {
		purged, err := activities.PurgeReadBefore(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, purged, "fresh read status is inside the retention window")

		err = database.Model(&db.ActivityReadStatus{}).
			Where("activity_id = ?", activity.ID).
			UpdateColumn("updated_at", time.Now().UTC().Add(-31*24*time.Hour)).Error
		require.NoError(t, err)

		purged, err = activities.PurgeReadBefore(ctx, time.Now().UTC().Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, purged)
	})

	t.Run("list by job", func(t *testing.T) {
		byJob, err := activities.ListByJob(ctx, orgID, jobID)
		require.NoError(t, err)
		assert.Len(t, byJob, 1)
	})
}
