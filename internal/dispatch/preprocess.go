// Package dispatch holds the decision logic of the job dispatch engine:
// the preprocess step the per-agent workflow fires every cadence, and the
// orchestrated state transitions behind job updates, reprioritization and
// archival. The package mutates state only through the repositories; the
// durable-workflow layer in internal/workflows calls into it from
// activities.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/metrics"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/pkg/wire"
)

// OrphanCutoff is how long an in-progress job may go without an update
// before preprocess treats it as orphaned and returns it to its queue.
const OrphanCutoff = 5 * time.Minute

// ErrAgentNotFound is returned when preprocess is fired for an agent that
// no longer exists. The workflow layer maps it to a non-retriable failure.
var ErrAgentNotFound = errors.New("dispatch: agent not found")

// claimOrder is the strict queue priority: rework preempts backlog.
var claimOrder = []string{db.QueueRework, db.QueueBacklog}

// Result is the outcome of one preprocess invocation. Claimed is true when
// a job was claimed for the agent and the caller should drive it through
// the execution workflow.
type Result struct {
	Claimed    bool      `json:"claimed"`
	JobID      uuid.UUID `json:"job_id,omitempty"`
	JobVersion int       `json:"job_version,omitempty"`
	QueueType  string    `json:"queue_type,omitempty"`
	OrgID      uuid.UUID `json:"org_id,omitempty"`
}

// Preprocessor implements the per-agent dispatch step: recover orphans,
// heartbeat an in-progress job, or claim the next queued job.
type Preprocessor struct {
	agents  repositories.AgentRepository
	jobs    repositories.JobRepository
	pauses  repositories.QueuePauseRepository
	streams *agentstream.Manager
	logger  *zap.Logger
}

// NewPreprocessor creates a Preprocessor.
func NewPreprocessor(
	agents repositories.AgentRepository,
	jobs repositories.JobRepository,
	pauses repositories.QueuePauseRepository,
	streams *agentstream.Manager,
	logger *zap.Logger,
) *Preprocessor {
	return &Preprocessor{
		agents:  agents,
		jobs:    jobs,
		pauses:  pauses,
		streams: streams,
		logger:  logger.Named("preprocess"),
	}
}

// Preprocess runs the dispatch step for one agent. The step order is load
// agent, orphan reconciliation, in-progress heartbeat, queue claim; orphan
// reconciliation failure is fatal so the workflow engine retries the whole
// step, while stream-write failures are logged and ignored.
func (p *Preprocessor) Preprocess(ctx context.Context, agentID uuid.UUID) (Result, error) {
	agent, err := p.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Result{}, ErrAgentNotFound
		}
		return Result{}, fmt.Errorf("dispatch: load agent: %w", err)
	}
	if agent.Status != db.AgentStatusActive {
		return Result{}, nil
	}

	recovered, err := p.jobs.RecoverOrphans(ctx, agent.OrgID, agentID, time.Now().UTC().Add(-OrphanCutoff))
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: orphan recovery: %w", err)
	}
	if len(recovered) > 0 {
		metrics.OrphansRecovered.Add(float64(len(recovered)))
		p.logger.Info("recovered orphaned jobs",
			zap.String("agent_id", agentID.String()),
			zap.Int("count", len(recovered)),
		)
	}

	// Post-recovery this should find nothing, but the query is idempotent
	// and keeps the one-job-per-agent guarantee even if recovery was a
	// no-op for a live job.
	if inProgress, err := p.jobs.InProgressByAgent(ctx, agent.OrgID, agentID); err == nil {
		p.heartbeatInProgress(ctx, agentID, inProgress)
		return Result{OrgID: agent.OrgID}, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return Result{}, fmt.Errorf("dispatch: in-progress lookup: %w", err)
	}

	for _, queue := range claimOrder {
		paused, err := p.pauses.IsPaused(ctx, agent.OrgID, queue)
		if err != nil {
			return Result{}, fmt.Errorf("dispatch: pause check: %w", err)
		}
		if paused {
			continue
		}

		job, err := p.jobs.ClaimNext(ctx, agent.OrgID, queue, agentID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return Result{}, fmt.Errorf("dispatch: claim: %w", err)
		}

		metrics.JobsClaimed.WithLabelValues(queue).Inc()
		p.logger.Info("job claimed",
			zap.String("job_id", job.ID.String()),
			zap.String("agent_id", agentID.String()),
			zap.String("queue", queue),
		)
		p.announceAssignment(agentID, job)

		return Result{
			Claimed:    true,
			JobID:      job.ID,
			JobVersion: job.Version,
			QueueType:  queue,
			OrgID:      agent.OrgID,
		}, nil
	}

	return Result{OrgID: agent.OrgID}, nil
}

// heartbeatInProgress pings the agent that owns a running job and refreshes
// its liveness. Neither write is allowed to fail the step.
func (p *Preprocessor) heartbeatInProgress(ctx context.Context, agentID uuid.UUID, job *db.Job) {
	frame, err := wire.NewFrame(wire.FrameHealthCheckPing, wire.HealthCheckPingPayload{
		PingID: uuid.NewString(),
		SentAt: time.Now().UTC(),
	})
	if err == nil {
		if err := p.streams.Write(agentID, frame); err != nil {
			p.logger.Warn("in-progress heartbeat write failed",
				zap.String("agent_id", agentID.String()),
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
	if err := p.agents.Touch(ctx, agentID, time.Now().UTC()); err != nil {
		p.logger.Warn("agent touch failed",
			zap.String("agent_id", agentID.String()), zap.Error(err))
	}
}

// announceAssignment pushes a TASK_ASSIGNMENT frame so the agent can start
// warming a workspace before the ExecuteJob RPC arrives. Best-effort: the
// RPC carries everything the agent strictly needs.
func (p *Preprocessor) announceAssignment(agentID uuid.UUID, job *db.Job) {
	payload := wire.TaskAssignmentPayload{
		JobID:     job.ID.String(),
		QueueType: job.QueueType,
		Prompt:    job.Prompt,
	}
	if job.RepoID != nil {
		payload.RepoID = job.RepoID.String()
	}
	frame, err := wire.NewFrame(wire.FrameTaskAssignment, payload)
	if err != nil {
		return
	}
	if err := p.streams.Write(agentID, frame); err != nil {
		p.logger.Debug("task assignment push failed",
			zap.String("agent_id", agentID.String()),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}
