package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/agentrpc"
	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/dispatch"
	"github.com/overseer-dev/overseer/internal/logsink"
	"github.com/overseer-dev/overseer/internal/metrics"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/pkg/wire"
)

// Application error types the retry policies treat as non-retriable.
const (
	ErrTypeJobNotFound        = "JobNotFound"
	ErrTypeInvalidCredentials = "InvalidCredentials"
	ErrTypeAgentNotFound      = "AgentNotFound"
)

const (
	// PingTimeout bounds one scheduled health-check round-trip.
	PingTimeout = 5 * time.Second

	// ReconnectPingTimeout bounds the synchronous ping behind the
	// reconnect endpoint, which a human is waiting on.
	ReconnectPingTimeout = 10 * time.Second

	// OfflineThreshold is how many consecutive failed pings mark an agent
	// offline and pause its schedules.
	OfflineThreshold = 3
)

// SchedulePauser is the slice of the schedule manager the health-check
// activity needs when it takes an agent offline.
type SchedulePauser interface {
	PauseSchedules(ctx context.Context, agentID uuid.UUID) error
}

// Activities bundles every activity implementation with its dependencies.
// One instance is registered on the worker; Temporal resolves methods by
// name.
type Activities struct {
	agents      repositories.AgentRepository
	jobs        repositories.JobRepository
	pre         *dispatch.Preprocessor
	transitions *dispatch.Transitions
	streams     *agentstream.Manager
	dialer      agentrpc.Dialer
	sink        *logsink.Sink
	schedules   SchedulePauser
	logger      *zap.Logger
}

// NewActivities creates the activity set. schedules may be set later via
// BindSchedules because the schedule manager needs the Temporal client,
// which is constructed after the activity set in main.
func NewActivities(
	agents repositories.AgentRepository,
	jobs repositories.JobRepository,
	pre *dispatch.Preprocessor,
	transitions *dispatch.Transitions,
	streams *agentstream.Manager,
	dialer agentrpc.Dialer,
	sink *logsink.Sink,
	logger *zap.Logger,
) *Activities {
	return &Activities{
		agents:      agents,
		jobs:        jobs,
		pre:         pre,
		transitions: transitions,
		streams:     streams,
		dialer:      dialer,
		sink:        sink,
		logger:      logger.Named("activities"),
	}
}

// BindSchedules wires the schedule manager in after construction.
func (a *Activities) BindSchedules(schedules SchedulePauser) {
	a.schedules = schedules
}

// JobExecutionInput identifies the exact job version one execution
// workflow run owns.
type JobExecutionInput struct {
	JobID      uuid.UUID `json:"job_id"`
	JobVersion int       `json:"job_version"`
	OrgID      uuid.UUID `json:"org_id"`
	AgentID    uuid.UUID `json:"agent_id"`
}

// FinishInput drives a job version to its terminal status.
type FinishInput struct {
	JobExecutionInput
	Status string `json:"status"`
	Note   string `json:"note"`
}

// Preprocess runs the dispatch step for one agent. A missing agent is a
// non-retriable failure so the schedule does not keep retrying a deleted
// agent within one firing.
func (a *Activities) Preprocess(ctx context.Context, agentID uuid.UUID) (dispatch.Result, error) {
	result, err := a.pre.Preprocess(ctx, agentID)
	if err != nil {
		if errors.Is(err, dispatch.ErrAgentNotFound) {
			return dispatch.Result{}, temporal.NewNonRetryableApplicationError(
				"agent not found", ErrTypeAgentNotFound, err)
		}
		return dispatch.Result{}, err
	}
	return result, nil
}

// ExecuteJob drives the streaming code-generation RPC against the owning
// agent. Every received log frame heartbeats the activity and lands in the
// log sink; the concatenated stream is persisted as the version's
// generation log when the stream ends.
func (a *Activities) ExecuteJob(ctx context.Context, input JobExecutionInput) error {
	job, agent, err := a.loadJobAndAgent(ctx, input)
	if err != nil {
		return err
	}

	client, err := a.dialer.Dial(ctx, agent.Host, agent.Port)
	if err != nil {
		return fmt.Errorf("dial agent %s: %w", agent.Host, err)
	}
	defer client.Close()

	req := &wire.ExecuteJobRequest{
		JobID:  input.JobID.String(),
		Prompt: job.Prompt,
	}
	if job.RepoID != nil {
		req.RepoID = job.RepoID.String()
	}

	var generationLog strings.Builder
	err = client.ExecuteJob(ctx, req, func(msg *wire.LogMessage) {
		activity.RecordHeartbeat(ctx, msg.Stage)
		if generationLog.Len() > 0 {
			generationLog.WriteByte('\n')
		}
		generationLog.WriteString(msg.Message)
		if err := a.sink.Append(ctx, input.OrgID, input.JobID, input.JobVersion, logsink.Entry{
			Level:     msg.Level,
			Stage:     msg.Stage,
			Message:   msg.Message,
			Timestamp: msg.Timestamp,
		}); err != nil {
			a.logger.Warn("log sink append failed",
				zap.String("job_id", input.JobID.String()), zap.Error(err))
		}
	})

	job.CodeGenerationLogs = generationLog.String()
	if updateErr := a.jobs.Update(ctx, job); updateErr != nil {
		a.logger.Warn("generation log persist failed",
			zap.String("job_id", input.JobID.String()), zap.Error(updateErr))
	}
	return err
}

// RunVerification asks the agent to verify the generated change and
// persists the verification output on the job version.
func (a *Activities) RunVerification(ctx context.Context, input JobExecutionInput) (wire.VerificationResponse, error) {
	job, agent, err := a.loadJobAndAgent(ctx, input)
	if err != nil {
		return wire.VerificationResponse{}, err
	}

	client, err := a.dialer.Dial(ctx, agent.Host, agent.Port)
	if err != nil {
		return wire.VerificationResponse{}, fmt.Errorf("dial agent %s: %w", agent.Host, err)
	}
	defer client.Close()

	resp, err := client.RunVerification(ctx, input.JobID.String())
	if err != nil {
		return wire.VerificationResponse{}, err
	}

	job.CodeVerificationLogs = resp.Output
	if updateErr := a.jobs.Update(ctx, job); updateErr != nil {
		a.logger.Warn("verification log persist failed",
			zap.String("job_id", input.JobID.String()), zap.Error(updateErr))
	}
	return *resp, nil
}

// CreatePR opens a pull request for the verified change and persists the
// link. Jobs without a repo skip PR creation and return an empty link.
func (a *Activities) CreatePR(ctx context.Context, input JobExecutionInput) (string, error) {
	job, agent, err := a.loadJobAndAgent(ctx, input)
	if err != nil {
		return "", err
	}
	if job.RepoID == nil {
		return "", nil
	}

	client, err := a.dialer.Dial(ctx, agent.Host, agent.Port)
	if err != nil {
		return "", fmt.Errorf("dial agent %s: %w", agent.Host, err)
	}
	defer client.Close()

	resp, err := client.CreatePR(ctx, &wire.CreatePRRequest{
		JobID:  input.JobID.String(),
		RepoID: job.RepoID.String(),
		Branch: fmt.Sprintf("overseer/job-%s-v%d", shortID(input.JobID), input.JobVersion),
		Title:  job.Name,
		Body:   job.Description,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", agentrpc.ErrJobRejected, resp.Message)
	}

	if err := a.transitions.SetPRLink(ctx, input.OrgID, input.JobID, input.JobVersion, resp.PRLink); err != nil {
		a.logger.Warn("pr link persist failed",
			zap.String("job_id", input.JobID.String()), zap.Error(err))
	}
	return resp.PRLink, nil
}

// CancelRemoteJob tells the agent to abort a running job. Best effort; the
// workspace cleanup that follows is what actually releases the agent.
func (a *Activities) CancelRemoteJob(ctx context.Context, input JobExecutionInput) error {
	agent, err := a.agents.GetByID(ctx, input.AgentID)
	if err != nil {
		return agentLoadError(err)
	}
	client, err := a.dialer.Dial(ctx, agent.Host, agent.Port)
	if err != nil {
		return fmt.Errorf("dial agent %s: %w", agent.Host, err)
	}
	defer client.Close()
	return client.CancelJob(ctx, input.JobID.String())
}

// CleanupWorkspace tears down the agent workspace for a job. Runs on
// success, failure and cancellation alike.
func (a *Activities) CleanupWorkspace(ctx context.Context, input JobExecutionInput) error {
	agent, err := a.agents.GetByID(ctx, input.AgentID)
	if err != nil {
		return agentLoadError(err)
	}
	client, err := a.dialer.Dial(ctx, agent.Host, agent.Port)
	if err != nil {
		return fmt.Errorf("dial agent %s: %w", agent.Host, err)
	}
	defer client.Close()
	return client.CleanupWorkspace(ctx, input.JobID.String())
}

// MarkJobFinished records the terminal outcome of an execution.
func (a *Activities) MarkJobFinished(ctx context.Context, input FinishInput) error {
	err := a.transitions.Finish(ctx, input.OrgID, input.JobID, input.JobVersion, input.Status, input.Note)
	if errors.Is(err, repositories.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError("job not found", ErrTypeJobNotFound, err)
	}
	return err
}

// CheckAgentHealth runs one scheduled liveness probe: ping over the open
// stream, reset the failure counter on success, and at the threshold mark
// the agent offline and pause its schedules.
func (a *Activities) CheckAgentHealth(ctx context.Context, agentID uuid.UUID) error {
	agent, err := a.agents.GetByID(ctx, agentID)
	if err != nil {
		return agentLoadError(err)
	}
	if agent.Status != db.AgentStatusActive {
		return nil
	}

	if err := a.streams.Ping(ctx, agentID, PingTimeout); err == nil {
		return a.agents.Touch(ctx, agentID, time.Now().UTC())
	}

	metrics.PingFailures.Inc()
	failures, err := a.agents.RecordPingFailure(ctx, agentID)
	if err != nil {
		return err
	}
	a.logger.Warn("agent ping failed",
		zap.String("agent_id", agentID.String()),
		zap.Int("consecutive_failures", failures),
	)
	if failures < OfflineThreshold {
		return nil
	}

	if err := a.agents.SetStatus(ctx, agentID, db.AgentStatusOffline); err != nil {
		return err
	}
	metrics.AgentsOffline.Inc()
	a.logger.Warn("agent marked offline", zap.String("agent_id", agentID.String()))

	if a.schedules != nil {
		if err := a.schedules.PauseSchedules(ctx, agentID); err != nil {
			a.logger.Error("schedule pause failed",
				zap.String("agent_id", agentID.String()), zap.Error(err))
		}
	}
	return nil
}

// loadJobAndAgent resolves the job version and its agent, mapping missing
// rows to the non-retriable error types.
func (a *Activities) loadJobAndAgent(ctx context.Context, input JobExecutionInput) (*db.Job, *db.Agent, error) {
	job, err := a.jobs.GetVersion(ctx, input.OrgID, input.JobID, input.JobVersion)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, temporal.NewNonRetryableApplicationError(
				"job not found", ErrTypeJobNotFound, err)
		}
		return nil, nil, err
	}
	agent, err := a.agents.GetByID(ctx, input.AgentID)
	if err != nil {
		return nil, nil, agentLoadError(err)
	}
	return job, agent, nil
}

func agentLoadError(err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError("agent not found", ErrTypeAgentNotFound, err)
	}
	return err
}

func shortID(id uuid.UUID) string {
	return strings.Split(id.String(), "-")[0]
}
