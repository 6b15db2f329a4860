package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

// ActivityHandler serves the machine-readable audit feed mirrored from job
// transitions.
type ActivityHandler struct {
	repo   repositories.ActivityRepository
	logger *zap.Logger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(repo repositories.ActivityRepository, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{
		repo:   repo,
		logger: logger.Named("activity_handler"),
	}
}

type activityResponse struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

func activityToResponse(a *db.Activity) activityResponse {
	return activityResponse{
		ID:        a.ID.String(),
		JobID:     a.JobID.String(),
		Name:      a.Name,
		Summary:   a.Summary,
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type listActivitiesResponse struct {
	Items []activityResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/activities. The optional ?job_id= query
// parameter narrows the feed to one job.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	if raw := r.URL.Query().Get("job_id"); raw != "" {
		jobID, err := parseUUIDString(raw)
		if err != nil {
			ErrBadRequest(w, "invalid job_id: must be a valid UUID")
			return
		}
		activities, err := h.repo.ListByJob(r.Context(), orgID, jobID)
		if err != nil {
			h.logger.Error("failed to list activities by job", zap.Error(err))
			ErrInternal(w)
			return
		}
		h.writeList(w, activities, int64(len(activities)))
		return
	}

	activities, total, err := h.repo.List(r.Context(), orgID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list activities", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.writeList(w, activities, total)
}

// MarkRead handles PATCH /api/v1/activities/{id}/read for the calling
// user. Idempotent.
func (h *ActivityHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.repo.GetByID(r.Context(), orgID, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	if err := h.repo.MarkRead(r.Context(), id, userFromCtx(r)); err != nil {
		h.logger.Error("failed to mark activity read", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

func (h *ActivityHandler) writeList(w http.ResponseWriter, activities []db.Activity, total int64) {
	items := make([]activityResponse, len(activities))
	for i := range activities {
		items[i] = activityToResponse(&activities[i])
	}
	Ok(w, listActivitiesResponse{Items: items, Total: total})
}
