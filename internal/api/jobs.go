package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/dispatch"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/internal/workflows"
)

// WorkflowStarter starts the execution workflow for a manually dispatched
// job. Implemented by workflows.Starter; narrowed to an interface so handler
// tests run without a workflow engine.
type WorkflowStarter interface {
	StartJobExecution(ctx context.Context, input workflows.JobExecutionInput) error
}

// JobHandler groups all job-related HTTP handlers. Creation and review
// updates go through here; claiming and execution state belong to the
// dispatch engine and only arrive via dispatch.Transitions.
type JobHandler struct {
	jobs        repositories.JobRepository
	logs        repositories.JobLogRepository
	transitions *dispatch.Transitions
	starter     WorkflowStarter
	logger      *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(
	jobs repositories.JobRepository,
	logs repositories.JobLogRepository,
	transitions *dispatch.Transitions,
	starter WorkflowStarter,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		jobs:        jobs,
		logs:        logs,
		transitions: transitions,
		starter:     starter,
		logger:      logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

type createJobRequest struct {
	Prompt         string            `json:"prompt"`
	RepoID         *string           `json:"repo_id"`
	Priority       string            `json:"priority"`
	Source         string            `json:"source"`
	SourceMetadata map[string]string `json:"source_metadata"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
}

type updateJobRequest struct {
	Status               *string  `json:"status"`
	QueueType            *string  `json:"queue_type"`
	UserAcceptanceStatus *string  `json:"user_acceptance_status"`
	UserComments         []string `json:"user_comments"`
	Prompt               *string  `json:"prompt"`
	RepoID               *string  `json:"repo_id"`
	Priority             *string  `json:"priority"`
	Name                 *string  `json:"name"`
	Description          *string  `json:"description"`
	ConfidenceScore      *float64 `json:"confidence_score"`
}

type executeJobRequest struct {
	AgentID string `json:"agent_id"`
}

type reprioritizeRequest struct {
	Position int `json:"position"`
}

// jobResponse is the JSON representation of one job version.
type jobResponse struct {
	ID                   string   `json:"id"`
	Version              int      `json:"version"`
	Status               string   `json:"status"`
	Priority             string   `json:"priority"`
	QueueType            string   `json:"queue_type"`
	OrderInQueue         int      `json:"order_in_queue"`
	AgentID              *string  `json:"agent_id"`
	Source               string   `json:"source"`
	Prompt               string   `json:"prompt"`
	RepoID               *string  `json:"repo_id"`
	UserAcceptanceStatus string   `json:"user_acceptance_status"`
	UserComments         []string `json:"user_comments"`
	PRLink               string   `json:"pr_link,omitempty"`
	ConfidenceScore      *float64 `json:"confidence_score,omitempty"`
	Updates              string   `json:"updates,omitempty"`
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	CreatedBy            string   `json:"created_by"`
	UpdatedBy            string   `json:"updated_by"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`

	// Log fields are only populated in single-job detail responses.
	CodeGenerationLogs   string `json:"code_generation_logs,omitempty"`
	CodeVerificationLogs string `json:"code_verification_logs,omitempty"`
}

// jobToResponse converts a db.Job to its API shape. detail controls whether
// the potentially large log fields are included.
func jobToResponse(j *db.Job, detail bool) jobResponse {
	resp := jobResponse{
		ID:                   j.ID.String(),
		Version:              j.Version,
		Status:               j.Status,
		Priority:             j.Priority,
		QueueType:            j.QueueType,
		OrderInQueue:         j.OrderInQueue,
		Source:               j.Source,
		Prompt:               j.Prompt,
		UserAcceptanceStatus: j.UserAcceptanceStatus,
		UserComments:         decodeCommentsJSON(j.UserComments),
		PRLink:               j.PRLink,
		ConfidenceScore:      j.ConfidenceScore,
		Updates:              j.Updates,
		Name:                 j.Name,
		Description:          j.Description,
		CreatedBy:            j.CreatedBy,
		UpdatedBy:            j.UpdatedBy,
		CreatedAt:            j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.AgentID != nil {
		s := j.AgentID.String()
		resp.AgentID = &s
	}
	if j.RepoID != nil {
		s := j.RepoID.String()
		resp.RepoID = &s
	}
	if detail {
		resp.CodeGenerationLogs = j.CodeGenerationLogs
		resp.CodeVerificationLogs = j.CodeVerificationLogs
	}
	return resp
}

func decodeCommentsJSON(raw string) []string {
	comments := []string{}
	if raw == "" {
		return comments
	}
	_ = json.Unmarshal([]byte(raw), &comments)
	return comments
}

// listJobsResponse wraps a paginated list of jobs.
type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// jobLogResponse represents a single log line from a job execution.
type jobLogResponse struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Create handles POST /api/v1/jobs. New jobs enter at the tail of the
// backlog; name and description are generated from the prompt when the
// request leaves them empty.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		ErrBadRequest(w, "prompt is required")
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = db.PriorityMedium
	}
	if !validPriority(priority) {
		ErrBadRequest(w, "priority must be one of low, medium, high")
		return
	}

	var repoID *uuid.UUID
	if req.RepoID != nil && *req.RepoID != "" {
		id, err := uuid.Parse(*req.RepoID)
		if err != nil {
			ErrBadRequest(w, "invalid repo_id: must be a valid UUID")
			return
		}
		repoID = &id
	}

	metadata := "{}"
	if len(req.SourceMetadata) > 0 {
		raw, err := json.Marshal(req.SourceMetadata)
		if err != nil {
			ErrBadRequest(w, "invalid source_metadata")
			return
		}
		metadata = string(raw)
	}

	user := userFromCtx(r)
	job := &db.Job{
		OrgID:                orgID,
		Status:               db.JobStatusQueued,
		Priority:             priority,
		QueueType:            db.QueueNone,
		OrderInQueue:         db.PositionNone,
		Source:               req.Source,
		Prompt:               req.Prompt,
		SourceMetadata:       metadata,
		RepoID:               repoID,
		UserAcceptanceStatus: db.AcceptanceNotReviewed,
		UserComments:         "[]",
		Name:                 req.Name,
		Description:          req.Description,
		CreatedBy:            user,
		UpdatedBy:            user,
	}
	if job.Name == "" {
		job.Name = summarizePrompt(req.Prompt, 64)
	}
	if job.Description == "" {
		job.Description = summarizePrompt(req.Prompt, 200)
	}

	err := h.jobs.InTx(r.Context(), func(jobs repositories.JobRepository) error {
		if err := jobs.Create(r.Context(), job); err != nil {
			return err
		}
		return jobs.InsertAtTail(r.Context(), job, db.QueueBacklog)
	})
	if err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, jobToResponse(job, true))
}

// List handles GET /api/v1/jobs. Returns the latest version of each job in
// the caller's org, newest first. Log fields are omitted; use the detail
// endpoint.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	jobs, total, err := h.jobs.List(r.Context(), orgID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], false)
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}. The optional ?version= query
// parameter selects a historical version; the default is the latest.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var job *db.Job
	var err error
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version < 1 {
			ErrBadRequest(w, "invalid version: must be a positive integer")
			return
		}
		job, err = h.jobs.GetVersion(r.Context(), orgID, id, version)
	} else {
		job, err = h.jobs.Latest(r.Context(), orgID, id)
	}
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, jobToResponse(job, true))
}

// Update handles PUT /api/v1/jobs/{id}. The body carries only the fields to
// change; the dispatch layer decides versioning and queue movement.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != nil && !validStatus(*req.Status) {
		ErrBadRequest(w, "invalid status")
		return
	}
	if req.QueueType != nil && *req.QueueType != db.QueueBacklog && *req.QueueType != db.QueueRework {
		ErrBadRequest(w, "queue_type must be backlog or rework")
		return
	}
	if req.UserAcceptanceStatus != nil && !validAcceptance(*req.UserAcceptanceStatus) {
		ErrBadRequest(w, "invalid user_acceptance_status")
		return
	}
	if req.Priority != nil && !validPriority(*req.Priority) {
		ErrBadRequest(w, "priority must be one of low, medium, high")
		return
	}

	update := dispatch.UpdateRequest{
		Status:               req.Status,
		QueueType:            req.QueueType,
		UserAcceptanceStatus: req.UserAcceptanceStatus,
		UserComments:         req.UserComments,
		Prompt:               req.Prompt,
		Priority:             req.Priority,
		Name:                 req.Name,
		Description:          req.Description,
		ConfidenceScore:      req.ConfidenceScore,
		UpdatedBy:            userFromCtx(r),
	}
	if req.RepoID != nil {
		repoID, err := uuid.Parse(*req.RepoID)
		if err != nil {
			ErrBadRequest(w, "invalid repo_id: must be a valid UUID")
			return
		}
		update.RepoID = &repoID
	}

	job, err := h.transitions.ApplyUpdate(r.Context(), orgID, id, update)
	if err != nil {
		h.writeTransitionError(w, id, err)
		return
	}

	Ok(w, jobToResponse(job, true))
}

// Archive handles DELETE /api/v1/jobs/{id}. Jobs are never hard-deleted;
// they leave their queue and become archived.
func (h *JobHandler) Archive(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.transitions.Archive(r.Context(), orgID, id, userFromCtx(r))
	if err != nil {
		h.writeTransitionError(w, id, err)
		return
	}

	Ok(w, jobToResponse(job, false))
}

// Execute handles POST /api/v1/jobs/{id}/execute: dispatch a queued job to
// a chosen agent immediately, bypassing the queue order. Returns 202; the
// execution continues in the workflow engine.
func (h *JobHandler) Execute(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req executeJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		ErrBadRequest(w, "invalid agent_id: must be a valid UUID")
		return
	}

	job, err := h.transitions.ManualDispatch(r.Context(), orgID, id, agentID, userFromCtx(r))
	if err != nil {
		h.writeTransitionError(w, id, err)
		return
	}

	if err := h.starter.StartJobExecution(r.Context(), workflows.JobExecutionInput{
		JobID:      job.ID,
		JobVersion: job.Version,
		OrgID:      orgID,
		AgentID:    agentID,
	}); err != nil {
		// The job is already in-progress; orphan recovery returns it to the
		// queue if the workflow never starts.
		h.logger.Error("failed to start execution workflow",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Accepted(w, jobToResponse(job, false))
}

// Reprioritize handles POST /api/v1/jobs/{id}/reprioritize. Moves a queued
// job to the requested position; out-of-range positions clamp to the queue
// bounds.
func (h *JobHandler) Reprioritize(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req reprioritizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.transitions.Reprioritize(r.Context(), orgID, id, req.Position, userFromCtx(r))
	if err != nil {
		h.writeTransitionError(w, id, err)
		return
	}

	Ok(w, jobToResponse(job, false))
}

// GetLogs handles GET /api/v1/jobs/{id}/logs. Returns the streamed log
// lines of one job version in insertion order; default is the latest
// version.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			ErrBadRequest(w, "invalid version: must be a positive integer")
			return
		}
		version = v
	}
	if version == 0 {
		job, err := h.jobs.Latest(r.Context(), orgID, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrNotFound(w)
				return
			}
			ErrInternal(w)
			return
		}
		version = job.Version
	}

	logs, err := h.logs.ListByJobVersion(r.Context(), id, version)
	if err != nil {
		h.logger.Error("failed to get job logs", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobLogResponse, len(logs))
	for i, l := range logs {
		items[i] = jobLogResponse{
			ID:        l.ID.String(),
			Level:     l.Level,
			Stage:     l.Stage,
			Message:   l.Message,
			Timestamp: l.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	Ok(w, items)
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// writeTransitionError maps dispatch-layer errors to HTTP statuses:
// forbidden transitions are the caller's fault (400), missing jobs are 404.
func (h *JobHandler) writeTransitionError(w http.ResponseWriter, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidTransition):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	default:
		h.logger.Error("job transition failed", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
	}
}

// summarizePrompt derives a short single-line summary from a prompt.
func summarizePrompt(prompt string, max int) string {
	line := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	runes := []rune(line)
	if len(runes) <= max {
		return line
	}
	return string(runes[:max-3]) + "..."
}

func validPriority(p string) bool {
	return p == db.PriorityLow || p == db.PriorityMedium || p == db.PriorityHigh
}

func validStatus(s string) bool {
	switch s {
	case db.JobStatusQueued, db.JobStatusInProgress, db.JobStatusInReview,
		db.JobStatusCompleted, db.JobStatusFailed:
		return true
	}
	return false
}

func validAcceptance(s string) bool {
	switch s {
	case db.AcceptanceNotReviewed, db.AcceptanceAccepted,
		db.AcceptanceAskedRework, db.AcceptanceRejected:
		return true
	}
	return false
}
