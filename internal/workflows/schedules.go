package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

// QueueScheduleID returns the agent's dispatch schedule ID.
func QueueScheduleID(agentID uuid.UUID) string {
	return "queue-dispatch-" + agentID.String()
}

// HealthCheckScheduleID returns the agent's health-check schedule ID.
func HealthCheckScheduleID(agentID uuid.UUID) string {
	return "health-check-" + agentID.String()
}

// ScheduleManager owns the two Temporal schedules each agent gets: the
// dispatch schedule and the health-check schedule. Schedule IDs are
// deterministic per agent and additionally persisted in schedule_bindings
// so the REST surface can reason about them without listing the engine.
type ScheduleManager struct {
	client           client.Client
	bindings         repositories.ScheduleBindingRepository
	dispatchInterval time.Duration
	logger           *zap.Logger
}

// NewScheduleManager creates a ScheduleManager. dispatchInterval falls
// back to DefaultDispatchInterval when zero.
func NewScheduleManager(
	c client.Client,
	bindings repositories.ScheduleBindingRepository,
	dispatchInterval time.Duration,
	logger *zap.Logger,
) *ScheduleManager {
	if dispatchInterval <= 0 {
		dispatchInterval = DefaultDispatchInterval
	}
	return &ScheduleManager{
		client:           c,
		bindings:         bindings,
		dispatchInterval: dispatchInterval,
		logger:           logger.Named("schedules"),
	}
}

// EnsureSchedules creates the agent's two schedules if they do not exist
// yet, unpauses them otherwise, and records the binding. Called on every
// registration, so a returning agent resumes dispatching without operator
// action.
func (m *ScheduleManager) EnsureSchedules(ctx context.Context, agentID uuid.UUID) error {
	queueID := QueueScheduleID(agentID)
	if err := m.ensure(ctx, queueID, client.ScheduleOptions{
		ID: queueID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: m.dispatchInterval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "dispatch-" + agentID.String(),
			Workflow:  DispatchWorkflow,
			Args:      []any{DispatchInput{AgentID: agentID}},
			TaskQueue: TaskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	}); err != nil {
		return fmt.Errorf("workflows: ensure dispatch schedule: %w", err)
	}

	healthID := HealthCheckScheduleID(agentID)
	if err := m.ensure(ctx, healthID, client.ScheduleOptions{
		ID: healthID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: HealthCheckInterval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "health-check-run-" + agentID.String(),
			Workflow:  HealthCheckWorkflow,
			Args:      []any{HealthCheckInput{AgentID: agentID}},
			TaskQueue: TaskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	}); err != nil {
		return fmt.Errorf("workflows: ensure health-check schedule: %w", err)
	}

	if err := m.bindings.Upsert(ctx, &db.ScheduleBinding{
		AgentID:               agentID,
		QueueScheduleID:       queueID,
		HealthCheckScheduleID: healthID,
	}); err != nil {
		return fmt.Errorf("workflows: persist schedule binding: %w", err)
	}

	m.logger.Info("agent schedules ensured", zap.String("agent_id", agentID.String()))
	return nil
}

// ensure creates the schedule or, if it already exists, unpauses it.
func (m *ScheduleManager) ensure(ctx context.Context, id string, opts client.ScheduleOptions) error {
	_, err := m.client.ScheduleClient().Create(ctx, opts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		return err
	}
	handle := m.client.ScheduleClient().GetHandle(ctx, id)
	return handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: "agent re-registered"})
}

// PauseSchedules pauses both of the agent's schedules. Called when the
// health checker marks the agent offline.
func (m *ScheduleManager) PauseSchedules(ctx context.Context, agentID uuid.UUID) error {
	return m.each(ctx, agentID, func(handle client.ScheduleHandle) error {
		return handle.Pause(ctx, client.SchedulePauseOptions{Note: "agent offline"})
	})
}

// UnpauseSchedules resumes both schedules. Called by the reconnect
// endpoint once a synchronous ping succeeds.
func (m *ScheduleManager) UnpauseSchedules(ctx context.Context, agentID uuid.UUID) error {
	return m.each(ctx, agentID, func(handle client.ScheduleHandle) error {
		return handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: "agent reconnected"})
	})
}

// DeleteSchedules removes both schedules and the binding. Called when the
// agent is deleted.
func (m *ScheduleManager) DeleteSchedules(ctx context.Context, agentID uuid.UUID) error {
	if err := m.each(ctx, agentID, func(handle client.ScheduleHandle) error {
		return handle.Delete(ctx)
	}); err != nil {
		return err
	}
	if err := m.bindings.Delete(ctx, agentID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("workflows: delete schedule binding: %w", err)
	}
	return nil
}

func (m *ScheduleManager) each(ctx context.Context, agentID uuid.UUID, fn func(client.ScheduleHandle) error) error {
	sc := m.client.ScheduleClient()
	for _, id := range []string{QueueScheduleID(agentID), HealthCheckScheduleID(agentID)} {
		if err := fn(sc.GetHandle(ctx, id)); err != nil {
			return fmt.Errorf("workflows: schedule %s: %w", id, err)
		}
	}
	return nil
}
