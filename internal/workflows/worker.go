package workflows

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker builds the Temporal worker serving the Overseer task queue
// with every workflow and activity registered. The caller owns the
// lifecycle (Run/Stop).
func NewWorker(c client.Client, acts *Activities) worker.Worker {
	w := worker.New(c, TaskQueue, worker.Options{})
	w.RegisterWorkflow(DispatchWorkflow)
	w.RegisterWorkflow(JobExecutionWorkflow)
	w.RegisterWorkflow(HealthCheckWorkflow)
	w.RegisterActivity(acts)
	return w
}
