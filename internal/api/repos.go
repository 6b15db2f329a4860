package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

// RepoHandler groups the SCM repository HTTP handlers. Repos are pure
// metadata on this side; agents resolve them through their own credentials.
type RepoHandler struct {
	repo   repositories.RepoRepository
	logger *zap.Logger
}

// NewRepoHandler creates a new RepoHandler.
func NewRepoHandler(repo repositories.RepoRepository, logger *zap.Logger) *RepoHandler {
	return &RepoHandler{
		repo:   repo,
		logger: logger.Named("repo_handler"),
	}
}

type repoRequest struct {
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

type repoResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	CreatedAt     string `json:"created_at"`
}

func repoToResponse(r *db.Repo) repoResponse {
	return repoResponse{
		ID:            r.ID.String(),
		Name:          r.Name,
		CloneURL:      r.CloneURL,
		DefaultBranch: r.DefaultBranch,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type listReposResponse struct {
	Items []repoResponse `json:"items"`
	Total int64          `json:"total"`
}

// Create handles POST /api/v1/repos.
func (h *RepoHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	var req repoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.CloneURL) == "" {
		ErrBadRequest(w, "name and clone_url are required")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	repo := &db.Repo{
		OrgID:         orgID,
		Name:          req.Name,
		CloneURL:      req.CloneURL,
		DefaultBranch: req.DefaultBranch,
	}
	if err := h.repo.Create(r.Context(), repo); err != nil {
		h.logger.Error("failed to create repo", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, repoToResponse(repo))
}

// List handles GET /api/v1/repos.
func (h *RepoHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	repos, total, err := h.repo.List(r.Context(), orgID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list repos", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]repoResponse, len(repos))
	for i := range repos {
		items[i] = repoToResponse(&repos[i])
	}
	Ok(w, listReposResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/repos/{id}.
func (h *RepoHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	repo, err := h.repo.GetByID(r.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repo", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, repoToResponse(repo))
}

// Update handles PATCH /api/v1/repos/{id}.
func (h *RepoHandler) Update(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req repoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	repo, err := h.repo.GetByID(r.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	if req.Name != "" {
		repo.Name = req.Name
	}
	if req.CloneURL != "" {
		repo.CloneURL = req.CloneURL
	}
	if req.DefaultBranch != "" {
		repo.DefaultBranch = req.DefaultBranch
	}
	if err := h.repo.Update(r.Context(), repo); err != nil {
		h.logger.Error("failed to update repo", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, repoToResponse(repo))
}

// Delete handles DELETE /api/v1/repos/{id}. Jobs keep their repo_id; a
// dangling reference only disables PR creation for future versions.
func (h *RepoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), orgID, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete repo", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
