package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/internal/workflows"
)

// ScheduleController is the slice of the schedule manager the agent
// handlers need: resuming schedules on reconnect and removing them on
// delete.
type ScheduleController interface {
	UnpauseSchedules(ctx context.Context, agentID uuid.UUID) error
	DeleteSchedules(ctx context.Context, agentID uuid.UUID) error
}

// AgentHandler groups all agent-related HTTP handlers. Agents register
// themselves over gRPC; the REST surface reads, renames, deletes and
// reconnects them.
type AgentHandler struct {
	repo      repositories.AgentRepository
	streams   *agentstream.Manager
	schedules ScheduleController
	logger    *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(
	repo repositories.AgentRepository,
	streams *agentstream.Manager,
	schedules ScheduleController,
	logger *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		repo:      repo,
		streams:   streams,
		schedules: schedules,
		logger:    logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
type agentResponse struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Status                string  `json:"status"`
	Host                  string  `json:"host"`
	Port                  int     `json:"port"`
	IP                    string  `json:"ip"`
	Connected             bool    `json:"connected"`
	ConsecutiveFailures   int     `json:"consecutive_failures"`
	LastActive            *string `json:"last_active"`
	LastStreamConnectedAt *string `json:"last_stream_connected_at"`
	CreatedAt             string  `json:"created_at"`
}

// agentToResponse converts a db.Agent to an agentResponse. connected is the
// live view from the stream registry, not a persisted field.
func (h *AgentHandler) agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:                  a.ID.String(),
		Name:                a.Name,
		Status:              a.Status,
		Host:                a.Host,
		Port:                a.Port,
		IP:                  a.IP,
		Connected:           h.streams.IsConnected(a.ID),
		ConsecutiveFailures: a.ConsecutiveFailures,
		CreatedAt:           a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.LastActive != nil {
		s := a.LastActive.UTC().Format(time.RFC3339)
		resp.LastActive = &s
	}
	if a.LastStreamConnectedAt != nil {
		s := a.LastStreamConnectedAt.UTC().Format(time.RFC3339)
		resp.LastStreamConnectedAt = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// updateAgentRequest carries the operator-editable fields.
type updateAgentRequest struct {
	Name *string `json:"name"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	agents, total, err := h.repo.List(r.Context(), orgID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = h.agentToResponse(&agents[i])
	}
	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, ok := h.loadAgent(w, r, orgID, id)
	if !ok {
		return
	}
	Ok(w, h.agentToResponse(agent))
}

// Update handles PATCH /api/v1/agents/{id}. Only the display name is
// editable; everything else is owned by the agent's own registration.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, ok := h.loadAgent(w, r, orgID, id)
	if !ok {
		return
	}
	if req.Name != nil && *req.Name != "" {
		agent.Name = *req.Name
	}
	if err := h.repo.Update(r.Context(), agent); err != nil {
		h.logger.Error("failed to update agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.agentToResponse(agent))
}

// Delete handles DELETE /api/v1/agents/{id}. The agent's schedules go
// first so nothing fires for a deleted agent; in-progress jobs are
// reconciled by the sweeper.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, ok := h.loadAgent(w, r, orgID, id); !ok {
		return
	}

	if err := h.schedules.DeleteSchedules(r.Context(), id); err != nil {
		h.logger.Error("failed to delete agent schedules",
			zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if session := h.streams.Get(id); session != nil {
		h.streams.Unregister(session)
	}
	if err := h.repo.Delete(r.Context(), orgID, id); err != nil {
		h.logger.Error("failed to delete agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// Reconnect handles POST /api/v1/agents/{id}/reconnect: a synchronous ping
// over the agent's open stream. Success reactivates the agent and resumes
// its schedules; a silent agent leaves everything untouched.
func (h *AgentHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, ok := h.loadAgent(w, r, orgID, id)
	if !ok {
		return
	}

	if err := h.streams.Ping(r.Context(), id, workflows.ReconnectPingTimeout); err != nil {
		h.logger.Warn("reconnect ping failed",
			zap.String("agent_id", id.String()), zap.Error(err))
		ErrConflict(w, "agent did not respond to ping")
		return
	}

	if err := h.repo.SetStatus(r.Context(), id, db.AgentStatusActive); err != nil {
		h.logger.Error("failed to reactivate agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.repo.Touch(r.Context(), id, time.Now().UTC()); err != nil {
		h.logger.Warn("agent touch failed", zap.String("id", id.String()), zap.Error(err))
	}
	if err := h.schedules.UnpauseSchedules(r.Context(), id); err != nil {
		h.logger.Error("failed to unpause agent schedules",
			zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	agent.Status = db.AgentStatusActive
	agent.ConsecutiveFailures = 0
	Ok(w, h.agentToResponse(agent))
}

// loadAgent fetches an agent and enforces org ownership, writing the error
// response on failure.
func (h *AgentHandler) loadAgent(w http.ResponseWriter, r *http.Request, orgID, id uuid.UUID) (*db.Agent, bool) {
	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if agent.OrgID != orgID {
		ErrNotFound(w)
		return nil, false
	}
	return agent, true
}
