package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

func newTransitions(s *testStore) *Transitions {
	return NewTransitions(s.jobs, s.activities, nil, zap.NewNop())
}

func strptr(s string) *string { return &s }

func TestApplyUpdateForbidsForcedClaim(t *testing.T) {
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()
	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "queued job")

	_, err := tr.ApplyUpdate(context.Background(), orgID, job.ID, UpdateRequest{
		Status: strptr(db.JobStatusInProgress),
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Nothing changed.
	reloaded := s.latest(t, orgID, job.ID)
	assert.Equal(t, db.JobStatusQueued, reloaded.Status)
	assert.Equal(t, db.QueueBacklog, reloaded.QueueType)
}

func TestApplyUpdateInReviewDequeues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "a")
	behind := s.newQueuedJob(t, orgID, db.QueueBacklog, "b")

	updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		Status: strptr(db.JobStatusInReview),
	})
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusInReview, updated.Status)
	assert.Equal(t, db.QueueNone, updated.QueueType)
	assert.Equal(t, db.PositionNone, updated.OrderInQueue)

	// The job behind moved up.
	queued, err := s.jobs.ListQueued(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, behind.ID, queued[0].ID)
	assert.Equal(t, 0, queued[0].OrderInQueue)
}

func TestApplyUpdateTerminalStatusDequeues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	s.newQueuedJob(t, orgID, db.QueueBacklog, "a")
	middle := s.newQueuedJob(t, orgID, db.QueueBacklog, "b")
	s.newQueuedJob(t, orgID, db.QueueBacklog, "c")

	updated, err := tr.ApplyUpdate(ctx, orgID, middle.ID, UpdateRequest{
		Status: strptr(db.JobStatusCompleted),
	})
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, updated.Status)
	assert.Equal(t, db.QueueNone, updated.QueueType)
	assert.Equal(t, db.PositionNone, updated.OrderInQueue)

	// The remaining jobs close the gap, and a fresh tail insert lands at
	// the next free position instead of colliding with c.
	queued, err := s.jobs.ListQueued(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, 0, queued[0].OrderInQueue)
	assert.Equal(t, 1, queued[1].OrderInQueue)

	tail := s.newQueuedJob(t, orgID, db.QueueBacklog, "d")
	assert.Equal(t, 2, tail.OrderInQueue)

	t.Run("failed dequeues too", func(t *testing.T) {
		job := s.newQueuedJob(t, orgID, db.QueueRework, "broken")
		updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
			Status: strptr(db.JobStatusFailed),
		})
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusFailed, updated.Status)
		assert.Equal(t, db.QueueNone, updated.QueueType)
	})
}

func TestApplyUpdateReworkRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("from review: new version at the rework tail", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTransitions(s)
		orgID := uuid.New()

		job := s.newQueuedJob(t, orgID, db.QueueBacklog, "reviewed")
		_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{Status: strptr(db.JobStatusInReview)})
		require.NoError(t, err)

		existing := s.newQueuedJob(t, orgID, db.QueueRework, "already in rework")

		updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
			UserAcceptanceStatus: strptr(db.AcceptanceAskedRework),
			UserComments:         []string{"please use the existing helper"},
		})
		require.NoError(t, err)

		assert.Equal(t, 2, updated.Version, "rework request writes a new version")
		assert.Equal(t, db.JobStatusQueued, updated.Status)
		assert.Equal(t, db.QueueRework, updated.QueueType)
		assert.Equal(t, 1, updated.OrderInQueue, "enters behind the existing rework job")
		assert.Contains(t, updated.Updates, "rework requested")

		// The old version is intact and the existing rework job kept its spot.
		v1, err := s.jobs.GetVersion(ctx, orgID, job.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusInReview, v1.Status)
		assert.Equal(t, 0, s.latest(t, orgID, existing.ID).OrderInQueue)
	})

	t.Run("from backlog: hops queues", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTransitions(s)
		orgID := uuid.New()

		job := s.newQueuedJob(t, orgID, db.QueueBacklog, "a")
		behind := s.newQueuedJob(t, orgID, db.QueueBacklog, "b")

		updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
			UserAcceptanceStatus: strptr(db.AcceptanceAskedRework),
		})
		require.NoError(t, err)
		assert.Equal(t, db.QueueRework, updated.QueueType)
		assert.Equal(t, 0, updated.OrderInQueue)

		queued, err := s.jobs.ListQueued(ctx, orgID, db.QueueBacklog)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, behind.ID, queued[0].ID)
		assert.Equal(t, 0, queued[0].OrderInQueue)
	})

	t.Run("clearing the request moves it back to the backlog tail", func(t *testing.T) {
		s := newTestStore(t)
		tr := newTransitions(s)
		orgID := uuid.New()

		job := s.newQueuedJob(t, orgID, db.QueueBacklog, "a")
		s.newQueuedJob(t, orgID, db.QueueBacklog, "b")

		_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
			UserAcceptanceStatus: strptr(db.AcceptanceAskedRework),
		})
		require.NoError(t, err)

		updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
			UserAcceptanceStatus: strptr(db.AcceptanceNotReviewed),
		})
		require.NoError(t, err)
		assert.Equal(t, db.QueueBacklog, updated.QueueType)
		assert.Equal(t, 1, updated.OrderInQueue, "returns to the backlog tail, not its old spot")
	})
}

func TestApplyUpdateRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "retry me")

	// First review round: rework requested with one comment.
	_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{Status: strptr(db.JobStatusInReview)})
	require.NoError(t, err)
	v2, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		UserAcceptanceStatus: strptr(db.AcceptanceAskedRework),
		UserComments:         []string{"first round"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	// Simulate an execution that produced logs on v2.
	v2.CodeGenerationLogs = "generated output"
	v2.CodeVerificationLogs = "verification output"
	require.NoError(t, s.jobs.Update(ctx, v2))

	// Retry: still queued for rework, with a new comment.
	v3, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		Status:       strptr(db.JobStatusQueued),
		UserComments: []string{"first round", "second round of feedback"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, v3.Version, "a commented retry writes a new version")
	assert.Empty(t, v3.CodeGenerationLogs, "retry starts with clean logs")
	assert.Empty(t, v3.CodeVerificationLogs)
	assert.Contains(t, v3.Updates, "retry requested with new feedback")
	assert.Contains(t, v3.Updates, "second round of feedback")
	assert.Equal(t, db.QueueRework, v3.QueueType)

	// The previous version keeps its logs.
	old, err := s.jobs.GetVersion(ctx, orgID, job.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "generated output", old.CodeGenerationLogs)
}

func TestApplyUpdateSameCommentsIsNotARetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "no retry")
	_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{Status: strptr(db.JobStatusInReview)})
	require.NoError(t, err)
	v2, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		UserAcceptanceStatus: strptr(db.AcceptanceAskedRework),
		UserComments:         []string{"only round"},
	})
	require.NoError(t, err)

	// Re-submitting the same comment set must not spawn another version.
	again, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		Status:       strptr(db.JobStatusQueued),
		UserComments: []string{"only round"},
	})
	require.NoError(t, err)
	assert.Equal(t, v2.Version, again.Version)
}

func TestApplyUpdatePromptChangeBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "old prompt")

	updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		Prompt: strptr("new prompt"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "new prompt", updated.Prompt)
	// Still queued at its original position; a prompt edit is not a queue move.
	assert.Equal(t, db.QueueBacklog, updated.QueueType)
	assert.Equal(t, 0, updated.OrderInQueue)

	t.Run("identical prompt does not bump", func(t *testing.T) {
		again, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
			Prompt: strptr("new prompt"),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, again.Version)
	})
}

func TestApplyUpdateCompletedBackToQueued(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "finished")
	_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{Status: strptr(db.JobStatusInReview)})
	require.NoError(t, err)
	_, err = tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{Status: strptr(db.JobStatusCompleted)})
	require.NoError(t, err)

	updated, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		Status: strptr(db.JobStatusQueued),
	})
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, updated.Status)
	assert.Equal(t, db.QueueBacklog, updated.QueueType, "no acceptance signal means backlog")

	t.Run("explicit queue wins", func(t *testing.T) {
		other := s.newQueuedJob(t, orgID, db.QueueBacklog, "other")
		_, err := tr.ApplyUpdate(ctx, orgID, other.ID, UpdateRequest{Status: strptr(db.JobStatusInReview)})
		require.NoError(t, err)

		updated, err := tr.ApplyUpdate(ctx, orgID, other.ID, UpdateRequest{
			Status:    strptr(db.JobStatusQueued),
			QueueType: strptr(db.QueueRework),
		})
		require.NoError(t, err)
		assert.Equal(t, db.QueueRework, updated.QueueType)
	})
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "a")
	behind := s.newQueuedJob(t, orgID, db.QueueBacklog, "b")

	archived, err := tr.Archive(ctx, orgID, job.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusArchived, archived.Status)
	assert.Equal(t, db.QueueNone, archived.QueueType)
	assert.Contains(t, archived.Updates, "job archived")

	queued, err := s.jobs.ListQueued(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, behind.ID, queued[0].ID)
	assert.Equal(t, 0, queued[0].OrderInQueue)

	t.Run("archiving twice fails", func(t *testing.T) {
		_, err := tr.Archive(ctx, orgID, job.ID, "user-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestManualDispatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID, agentID := uuid.New(), uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "urgent")
	s.newQueuedJob(t, orgID, db.QueueBacklog, "patient")

	dispatched, err := tr.ManualDispatch(ctx, orgID, job.ID, agentID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusInProgress, dispatched.Status)
	require.NotNil(t, dispatched.AgentID)
	assert.Equal(t, agentID, *dispatched.AgentID)
	assert.Equal(t, db.QueueNone, dispatched.QueueType, "manual dispatch clears the queue fields")
	assert.Contains(t, dispatched.Updates, "manual dispatch requested")

	queued, err := s.jobs.ListQueued(ctx, orgID, db.QueueBacklog)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 0, queued[0].OrderInQueue)

	t.Run("non-queued job is rejected", func(t *testing.T) {
		_, err := tr.ManualDispatch(ctx, orgID, job.ID, agentID, "user-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestReprioritize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	s.newQueuedJob(t, orgID, db.QueueBacklog, "a")
	s.newQueuedJob(t, orgID, db.QueueBacklog, "b")
	tail := s.newQueuedJob(t, orgID, db.QueueBacklog, "c")

	moved, err := tr.Reprioritize(ctx, orgID, tail.ID, 0, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, moved.OrderInQueue)

	t.Run("only queued jobs move", func(t *testing.T) {
		job := s.newQueuedJob(t, orgID, db.QueueBacklog, "d")
		_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{Status: strptr(db.JobStatusInReview)})
		require.NoError(t, err)

		_, err = tr.Reprioritize(ctx, orgID, job.ID, 0, "user-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestFinish(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID, agentID := uuid.New(), uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "finishing")
	_, err := s.jobs.ClaimNext(ctx, orgID, db.QueueBacklog, agentID)
	require.NoError(t, err)

	require.NoError(t, tr.Finish(ctx, orgID, job.ID, 1, db.JobStatusCompleted, "job completed"))

	done := s.latest(t, orgID, job.ID)
	assert.Equal(t, db.JobStatusCompleted, done.Status)
	assert.Nil(t, done.AgentID)
	assert.Equal(t, db.QueueNone, done.QueueType, "terminal jobs drop the claim-time queue fields")
	assert.Equal(t, db.PositionNone, done.OrderInQueue)
	assert.Contains(t, done.Updates, "job completed")

	t.Run("unknown version", func(t *testing.T) {
		err := tr.Finish(ctx, orgID, job.ID, 9, db.JobStatusFailed, "x")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestUpdatesWriteActivityRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := newTransitions(s)
	orgID := uuid.New()

	job := s.newQueuedJob(t, orgID, db.QueueBacklog, "audited")
	_, err := tr.ApplyUpdate(ctx, orgID, job.ID, UpdateRequest{
		Status:    strptr(db.JobStatusInReview),
		UpdatedBy: "user-1",
	})
	require.NoError(t, err)

	rows, err := s.activities.ListByJob(ctx, orgID, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "job.updated", rows[0].Name)
	assert.Equal(t, "user-1", rows[0].CreatedBy)
}
