package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/auth"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

// APIKeyHandler manages the org API keys agents register with. Only the
// SHA-256 hash is stored; the raw key appears exactly once, in the create
// response.
type APIKeyHandler struct {
	repo   repositories.APIKeyRepository
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(repo repositories.APIKeyRepository, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		repo:   repo,
		logger: logger.Named("apikey_handler"),
	}
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

type apiKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// apiKeyCreateResponse extends apiKeyResponse with the raw key, shown only
// once at creation. The key cannot be recovered after this.
type apiKeyCreateResponse struct {
	apiKeyResponse
	Key string `json:"key"`
}

func apiKeyToResponse(k *db.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:        k.ID.String(),
		Name:      k.Name,
		CreatedBy: k.CreatedBy,
		CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type listAPIKeysResponse struct {
	Items []apiKeyResponse `json:"items"`
	Total int64            `json:"total"`
}

// Create handles POST /api/v1/api-keys.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	var req createAPIKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	raw, hash, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("failed to generate api key", zap.Error(err))
		ErrInternal(w)
		return
	}

	key := &db.APIKey{
		OrgID:     orgID,
		Name:      req.Name,
		KeyHash:   hash,
		CreatedBy: userFromCtx(r),
	}
	if err := h.repo.Create(r.Context(), key); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "api key collision, retry the request")
			return
		}
		h.logger.Error("failed to create api key", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, apiKeyCreateResponse{
		apiKeyResponse: apiKeyToResponse(key),
		Key:            raw,
	})
}

// List handles GET /api/v1/api-keys. Hashes are never returned.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}

	keys, total, err := h.repo.List(r.Context(), orgID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list api keys", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]apiKeyResponse, len(keys))
	for i := range keys {
		items[i] = apiKeyToResponse(&keys[i])
	}
	Ok(w, listAPIKeysResponse{Items: items, Total: total})
}

// Delete handles DELETE /api/v1/api-keys/{id}. Registered agents keep
// working; the key only stops authorizing new registrations.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
		h.logger.Error("failed to delete api key", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
