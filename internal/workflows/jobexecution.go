package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/pkg/wire"
)

// executionRetryPolicy governs every activity of the execution pipeline.
var executionRetryPolicy = &temporal.RetryPolicy{
	InitialInterval: time.Second,
	MaximumInterval: 30 * time.Second,
	MaximumAttempts: 3,
	NonRetryableErrorTypes: []string{
		ErrTypeJobNotFound,
		ErrTypeInvalidCredentials,
		ErrTypeAgentNotFound,
	},
}

// JobExecutionWorkflow drives one claimed job version through the agent
// pipeline: execute, verify, open a PR, then record the terminal status.
// Workspace cleanup runs on every path, including failure and
// cancellation, through a disconnected context.
func JobExecutionWorkflow(ctx workflow.Context, input JobExecutionInput) error {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy:         executionRetryPolicy,
	})
	stepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy:         executionRetryPolicy,
	})

	status := db.JobStatusCompleted
	note := "job completed"

	runErr := func() error {
		if err := workflow.ExecuteActivity(execCtx, a.ExecuteJob, input).Get(execCtx, nil); err != nil {
			return fmt.Errorf("execute: %w", err)
		}

		var verification wire.VerificationResponse
		if err := workflow.ExecuteActivity(stepCtx, a.RunVerification, input).Get(stepCtx, &verification); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if !verification.Passed {
			return temporal.NewNonRetryableApplicationError(
				"verification failed", "VerificationFailed", nil)
		}

		var prLink string
		if err := workflow.ExecuteActivity(stepCtx, a.CreatePR, input).Get(stepCtx, &prLink); err != nil {
			return fmt.Errorf("create pr: %w", err)
		}
		if prLink != "" {
			note = "job completed, pull request: " + prLink
		}
		return nil
	}()

	cancelled := ctx.Err() != nil && errors.Is(ctx.Err(), workflow.ErrCanceled) ||
		temporal.IsCanceledError(runErr)

	// The terminal path must run even when the workflow context is already
	// cancelled or the pipeline failed.
	cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
	cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         executionRetryPolicy,
	})

	if cancelled {
		if err := workflow.ExecuteActivity(cleanupCtx, a.CancelRemoteJob, input).Get(cleanupCtx, nil); err != nil {
			logger.Warn("remote cancel failed", "job_id", input.JobID.String(), "error", err)
		}
	}
	if err := workflow.ExecuteActivity(cleanupCtx, a.CleanupWorkspace, input).Get(cleanupCtx, nil); err != nil {
		logger.Warn("workspace cleanup failed", "job_id", input.JobID.String(), "error", err)
	}

	switch {
	case cancelled:
		status = db.JobStatusFailed
		note = "job cancelled"
	case runErr != nil:
		status = db.JobStatusFailed
		note = "job failed: " + failureCause(runErr)
	}

	finish := FinishInput{JobExecutionInput: input, Status: status, Note: note}
	if err := workflow.ExecuteActivity(cleanupCtx, a.MarkJobFinished, finish).Get(cleanupCtx, nil); err != nil {
		logger.Error("terminal status update failed",
			"job_id", input.JobID.String(), "status", status, "error", err)
		return err
	}

	return runErr
}

// failureCause digs the innermost application message out of the layered
// activity/retry failure so the audit trail reads like a cause, not a
// wrapper chain.
func failureCause(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timed out (" + timeoutErr.TimeoutType().String() + ")"
	}
	return err.Error()
}
