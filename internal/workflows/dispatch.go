// Package workflows holds the durable orchestration layer: the per-agent
// dispatch and health-check workflows their Temporal schedules fire, the
// job-execution workflow, the activity implementations, and the schedule
// manager. Workflow code is deterministic; everything that touches the
// database, the stream registry or an agent happens in activities.
package workflows

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/overseer-dev/overseer/internal/dispatch"
)

// TaskQueue is the Temporal task queue every Overseer workflow and
// activity runs on.
const TaskQueue = "overseer-dispatch"

// DefaultDispatchInterval is the cadence of the per-agent dispatch
// schedule. Overridable by flag in main.
const DefaultDispatchInterval = time.Minute

// DispatchInput parameterizes one dispatch firing.
type DispatchInput struct {
	AgentID uuid.UUID `json:"agent_id"`
}

// JobExecutionWorkflowID returns the stable workflow ID for a job's
// execution, one running workflow per job at a time.
func JobExecutionWorkflowID(jobID uuid.UUID) string {
	return "job-execution-" + jobID.String()
}

// DispatchWorkflow is one firing of an agent's dispatch schedule: run the
// preprocess activity and, if it claimed a job, drive the claimed version
// through a child execution workflow.
func DispatchWorkflow(ctx workflow.Context, input DispatchInput) error {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeAgentNotFound},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var result dispatch.Result
	if err := workflow.ExecuteActivity(ctx, a.Preprocess, input.AgentID).Get(ctx, &result); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	if !result.Claimed {
		return nil
	}

	cwo := workflow.ChildWorkflowOptions{
		WorkflowID:               JobExecutionWorkflowID(result.JobID),
		WorkflowExecutionTimeout: 2 * time.Hour,
		WorkflowRunTimeout:       time.Hour,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	child := workflow.ExecuteChildWorkflow(workflow.WithChildOptions(ctx, cwo),
		JobExecutionWorkflow, JobExecutionInput{
			JobID:      result.JobID,
			JobVersion: result.JobVersion,
			OrgID:      result.OrgID,
			AgentID:    input.AgentID,
		})

	// A child failure (duplicate workflow ID from a racing manual dispatch,
	// engine hiccup) is not fatal to the schedule: the job stays in-progress
	// and the next firing reconciles it through orphan recovery.
	if err := child.Get(ctx, nil); err != nil {
		logger.Error("job execution workflow failed",
			"job_id", result.JobID.String(), "error", err)
	}
	return nil
}
