package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/pkg/wire"
)

// generationScript is the canned log output every fake run streams back,
// one line per tick.
var generationScript = []struct {
	stage   string
	message string
}{
	{"plan", "analyzing prompt"},
	{"plan", "selected files to change"},
	{"generate", "applying code changes"},
	{"generate", "formatting output"},
	{"generate", "generation complete"},
}

// runner implements wire.AgentRunnerServer with scripted behavior. Runs
// take len(generationScript) ticks of cfg.logInterval; verification
// outcome is fixed by the --fail-verification flag.
type runner struct {
	cfg    *config
	logger *zap.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

func newRunner(cfg *config, logger *zap.Logger) *runner {
	return &runner{
		cfg:       cfg,
		logger:    logger.Named("runner"),
		cancelled: make(map[string]bool),
	}
}

func (r *runner) isCancelled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[jobID]
}

// ExecuteJob streams the canned generation log. A cancellation between
// ticks ends the run early with an error, like a real agent aborting.
func (r *runner) ExecuteJob(req *wire.ExecuteJobRequest, stream wire.AgentRunner_ExecuteJobServer) error {
	r.logger.Info("executing job",
		zap.String("job_id", req.JobID),
		zap.String("prompt", req.Prompt),
	)

	for _, line := range generationScript {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-time.After(r.cfg.logInterval):
		}
		if r.isCancelled(req.JobID) {
			return fmt.Errorf("job %s cancelled", req.JobID)
		}

		err := stream.Send(&wire.LogMessage{
			JobID:     req.JobID,
			Level:     "info",
			Timestamp: time.Now().UTC(),
			Message:   line.message,
			Stage:     line.stage,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) CancelJob(_ context.Context, req *wire.CancelJobRequest) (*wire.CancelResponse, error) {
	r.mu.Lock()
	r.cancelled[req.JobID] = true
	r.mu.Unlock()
	r.logger.Info("job cancelled", zap.String("job_id", req.JobID))
	return &wire.CancelResponse{Success: true}, nil
}

func (r *runner) RunVerification(_ context.Context, req *wire.RunVerificationRequest) (*wire.VerificationResponse, error) {
	if r.cfg.failVerification {
		return &wire.VerificationResponse{
			Passed: false,
			Output: "simulated verification failure (--fail-verification)",
		}, nil
	}
	return &wire.VerificationResponse{
		Passed: true,
		Output: "all checks passed",
	}, nil
}

func (r *runner) CreatePR(_ context.Context, req *wire.CreatePRRequest) (*wire.PRResponse, error) {
	link := fmt.Sprintf("https://scm.invalid/%s/pull/%s", req.RepoID, shortJobID(req.JobID))
	r.logger.Info("pretend pull request opened",
		zap.String("job_id", req.JobID),
		zap.String("pr_link", link),
	)
	return &wire.PRResponse{Success: true, PRLink: link}, nil
}

func (r *runner) CleanupWorkspace(_ context.Context, req *wire.CleanupWorkspaceRequest) (*wire.CleanupResponse, error) {
	r.mu.Lock()
	delete(r.cancelled, req.JobID)
	r.mu.Unlock()
	r.logger.Info("workspace cleaned", zap.String("job_id", req.JobID))
	return &wire.CleanupResponse{Success: true}, nil
}

func (r *runner) HealthCheck(_ context.Context, _ *wire.RunnerHealthCheckRequest) (*wire.RunnerHealthCheckResponse, error) {
	return &wire.RunnerHealthCheckResponse{Success: true, Timestamp: time.Now().UTC()}, nil
}

func shortJobID(id string) string {
	return strings.SplitN(id, "-", 2)[0]
}
