package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
)

// Starter starts execution workflows outside the dispatch schedule, for
// the manual-dispatch endpoint.
type Starter struct {
	client client.Client
}

// NewStarter creates a Starter.
func NewStarter(c client.Client) *Starter {
	return &Starter{client: c}
}

// StartJobExecution launches the execution workflow for an already-claimed
// job version. The deterministic workflow ID rejects a second concurrent
// execution of the same job.
func (s *Starter) StartJobExecution(ctx context.Context, input JobExecutionInput) error {
	_, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       JobExecutionWorkflowID(input.JobID),
		TaskQueue:                TaskQueue,
		WorkflowExecutionTimeout: 2 * time.Hour,
		WorkflowRunTimeout:       time.Hour,
	}, JobExecutionWorkflow, input)
	if err != nil {
		return fmt.Errorf("workflows: start job execution: %w", err)
	}
	return nil
}
