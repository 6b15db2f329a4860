// Package repositories defines the persistence interfaces of the Overseer
// server and their GORM implementations. Every method is org-scoped where
// the entity is tenant-owned; multi-step queue mutations run inside a single
// transaction so the contiguity invariant of each queue never leaks a
// partially rewritten state.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// OrgRepository
// -----------------------------------------------------------------------------

type OrgRepository interface {
	Create(ctx context.Context, org *db.Org) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Org, error)
	List(ctx context.Context, opts ListOptions) ([]db.Org, int64, error)
}

// -----------------------------------------------------------------------------
// APIKeyRepository
// -----------------------------------------------------------------------------

type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	// GetByHash resolves a SHA-256 hex digest to its key record. This is the
	// single lookup agent registration authenticates through.
	GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error)
	List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.APIKey, int64, error)
	Delete(ctx context.Context, orgID, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByHost(ctx context.Context, orgID uuid.UUID, host string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	Delete(ctx context.Context, orgID, id uuid.UUID) error
	List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error)

	// Register upserts on (org_id, host) and returns the status the agent had
	// before the call ("offline" for a brand-new agent). The upserted row is
	// active with a zeroed failure counter and fresh liveness timestamps.
	Register(ctx context.Context, agent *db.Agent) (priorStatus string, err error)

	// Touch records liveness: last_active = now, consecutive_failures = 0.
	Touch(ctx context.Context, id uuid.UUID, now time.Time) error

	// TouchStreamConnect additionally stamps last_stream_connected_at.
	TouchStreamConnect(ctx context.Context, id uuid.UUID, now time.Time) error

	// RecordPingFailure increments consecutive_failures and returns the new
	// count.
	RecordPingFailure(ctx context.Context, id uuid.UUID) (int, error)

	// SetStatus transitions the agent's status. Transitions to active also
	// reset the failure counter, keeping the counter invariant intact.
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// -----------------------------------------------------------------------------
// RepoRepository
// -----------------------------------------------------------------------------

type RepoRepository interface {
	Create(ctx context.Context, repo *db.Repo) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*db.Repo, error)
	Update(ctx context.Context, repo *db.Repo) error
	Delete(ctx context.Context, orgID, id uuid.UUID) error
	List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Repo, int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository owns the versioned job rows and the queue model built on
// them. "The job" always means the row with MAX(version) for an ID; the
// projection is hidden behind Latest and the queue operations.
//
// Queue operations maintain, per (org, queue_type), the invariant that
// latest-version queued rows occupy the exact contiguous positions [0, n-1].
type JobRepository interface {
	// Create inserts version 1 of a new job.
	Create(ctx context.Context, job *db.Job) error

	// InsertVersion inserts an explicit new version row for an existing job.
	InsertVersion(ctx context.Context, job *db.Job) error

	// Latest returns the highest-version row for the ID, org-checked.
	Latest(ctx context.Context, orgID, id uuid.UUID) (*db.Job, error)

	// GetVersion returns one specific version row.
	GetVersion(ctx context.Context, orgID, id uuid.UUID, version int) (*db.Job, error)

	// Update saves the given version row in place.
	Update(ctx context.Context, job *db.Job) error

	List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)

	// NextPosition returns the number of latest-version queued rows in the
	// (org, queue), which is also the next free tail position.
	NextPosition(ctx context.Context, orgID uuid.UUID, queue string) (int, error)

	// ClaimNext atomically claims the head of the queue for an agent: the
	// latest-version queued row with minimum order_in_queue becomes
	// in-progress with agent_id set, keeping its queue fields, and every
	// remaining queued row above it shifts down one position. Returns
	// ErrNotFound when the queue is empty.
	ClaimNext(ctx context.Context, orgID uuid.UUID, queue string, agentID uuid.UUID) (*db.Job, error)

	// RemoveFromQueue clears the queue fields on the given row. The caller
	// must have advanced status already; contiguity of the remainder is
	// restored by ReprioritizeAfterRemoval.
	RemoveFromQueue(ctx context.Context, job *db.Job) error

	// ReprioritizeAfterRemoval shifts down every queued row behind the
	// removed position.
	ReprioritizeAfterRemoval(ctx context.Context, orgID uuid.UUID, queue string, removedPosition int) error

	// InsertAtTail enqueues the row at the next free position of the queue.
	InsertAtTail(ctx context.Context, job *db.Job, queue string) error

	// MoveToPosition moves a queued row to the clamped target position and
	// rewrites the whole queue as [0, n-1] in one transaction. No-op when
	// the clamped position equals the current one.
	MoveToPosition(ctx context.Context, job *db.Job, newPosition int) error

	// ListQueued returns the latest-version queued rows of one (org, queue)
	// ordered by position.
	ListQueued(ctx context.Context, orgID uuid.UUID, queue string) ([]db.Job, error)

	// InProgressByAgent returns the in-progress job owned by the agent, or
	// ErrNotFound.
	InProgressByAgent(ctx context.Context, orgID, agentID uuid.UUID) (*db.Job, error)

	// RecoverOrphans re-queues, in one transaction, every latest-version
	// in-progress job of the org that is either owned by the given agent or
	// has not been updated since the cutoff. Each orphan goes back to the
	// tail of the queue it was claimed from (backlog when the claim path
	// cleared its queue). Returns the recovered rows.
	RecoverOrphans(ctx context.Context, orgID, agentID uuid.UUID, cutoff time.Time) ([]db.Job, error)

	// ListInProgressOlderThan returns latest-version in-progress rows across
	// all orgs whose updated_at is before the cutoff. Used by the sweeper.
	ListInProgressOlderThan(ctx context.Context, cutoff time.Time) ([]db.Job, error)

	// InTx runs fn against a repository view bound to a single transaction,
	// so callers can compose several queue operations atomically. Nested
	// repository transactions become savepoints.
	InTx(ctx context.Context, fn func(JobRepository) error) error
}

// -----------------------------------------------------------------------------
// QueuePauseRepository
// -----------------------------------------------------------------------------

type QueuePauseRepository interface {
	// IsPaused reports the pause flag; a missing row means not paused.
	IsPaused(ctx context.Context, orgID uuid.UUID, queue string) (bool, error)
	SetPaused(ctx context.Context, orgID uuid.UUID, queue string, paused bool) error
}

// -----------------------------------------------------------------------------
// JobLogRepository
// -----------------------------------------------------------------------------

type JobLogRepository interface {
	Append(ctx context.Context, log *db.JobLog) error
	// ListByJobVersion returns the log series of one job version in insertion
	// order.
	ListByJobVersion(ctx context.Context, jobID uuid.UUID, version int) ([]db.JobLog, error)
}

// -----------------------------------------------------------------------------
// ActivityRepository
// -----------------------------------------------------------------------------

type ActivityRepository interface {
	Create(ctx context.Context, activity *db.Activity) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*db.Activity, error)
	List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Activity, int64, error)
	ListByJob(ctx context.Context, orgID, jobID uuid.UUID) ([]db.Activity, error)

	// MarkRead upserts the per-user read status of an activity.
	MarkRead(ctx context.Context, activityID uuid.UUID, userID string) error

	// PurgeReadBefore deletes read statuses marked read before the cutoff.
	PurgeReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ScheduleBindingRepository
// -----------------------------------------------------------------------------

type ScheduleBindingRepository interface {
	Upsert(ctx context.Context, binding *db.ScheduleBinding) error
	Get(ctx context.Context, agentID uuid.UUID) (*db.ScheduleBinding, error)
	Delete(ctx context.Context, agentID uuid.UUID) error
}
