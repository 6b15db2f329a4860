package workflows

import (
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// HealthCheckInterval is the cadence of the per-agent health-check
// schedule.
const HealthCheckInterval = 30 * time.Second

// HealthCheckInput parameterizes one health-check firing.
type HealthCheckInput struct {
	AgentID uuid.UUID `json:"agent_id"`
}

// HealthCheckWorkflow runs one liveness probe for an agent. A single
// attempt per firing: a failed ping counts as one consecutive failure, and
// the next scheduled firing is the retry.
func HealthCheckWorkflow(ctx workflow.Context, input HealthCheckInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 20 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        1,
			NonRetryableErrorTypes: []string{ErrTypeAgentNotFound},
		},
	})

	var a *Activities
	return workflow.ExecuteActivity(ctx, a.CheckAgentHealth, input.AgentID).Get(ctx, nil)
}
