package wire

import "time"

// -----------------------------------------------------------------------------
// AgentGateway (server-side service, called by agents)
// -----------------------------------------------------------------------------

// RegisterAgentRequest is the agent's initial handshake. APIKey identifies
// the organization; hostname, IP and port describe where the agent's own
// AgentRunner service is reachable for job execution RPCs.
type RegisterAgentRequest struct {
	APIKey   string `json:"api_key"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port"`
}

// RegisterAgentResponse carries the persistent agent identity back to the
// agent. The agent presents AgentID in the INIT frame when it opens the
// stream and in every HealthCheck call.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthCheckRequest is the agent-initiated liveness probe of the server.
type HealthCheckRequest struct {
	AgentID string `json:"agent_id"`
}

// HealthCheckResponse reports server liveness and version.
type HealthCheckResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// -----------------------------------------------------------------------------
// AgentRunner (agent-side service, called by the server's activities)
// -----------------------------------------------------------------------------

// ExecuteJobRequest starts a code-generation run on the agent. Details
// carries free-form execution hints (model, branch naming, sandbox flags)
// that the server passes through without interpreting.
type ExecuteJobRequest struct {
	JobID   string            `json:"job_id"`
	Prompt  string            `json:"prompt"`
	RepoID  string            `json:"repo_id,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// LogMessage is one element of the ExecuteJob response stream. The same
// shape travels inside FrameLogMessage on the AgentStream; the two paths
// feed the same log sink.
type LogMessage struct {
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}

// CancelJobRequest aborts a running job on the agent.
type CancelJobRequest struct {
	JobID string `json:"job_id"`
}

// CancelResponse acknowledges a cancellation.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RunVerificationRequest asks the agent to verify the generated change
// (build, tests, lint — whatever the agent's pipeline defines).
type RunVerificationRequest struct {
	JobID string `json:"job_id"`
}

// VerificationResponse reports the verification outcome. Output holds the
// tail of the verification log for persistence on the job record.
type VerificationResponse struct {
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// CreatePRRequest asks the agent to open a pull request for the change.
type CreatePRRequest struct {
	JobID  string `json:"job_id"`
	RepoID string `json:"repo_id"`
	Branch string `json:"branch"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
}

// PRResponse carries the created pull request link.
type PRResponse struct {
	Success bool   `json:"success"`
	PRLink  string `json:"pr_link,omitempty"`
	Message string `json:"message,omitempty"`
}

// CleanupWorkspaceRequest tears down the agent's workspace for a job.
// Always sent, on success, failure and cancellation alike.
type CleanupWorkspaceRequest struct {
	JobID string `json:"job_id"`
}

// CleanupResponse acknowledges workspace teardown.
type CleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RunnerHealthCheckRequest probes an agent's AgentRunner service directly.
type RunnerHealthCheckRequest struct {
	AgentID string `json:"agent_id"`
}

// RunnerHealthCheckResponse reports agent process liveness.
type RunnerHealthCheckResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}
