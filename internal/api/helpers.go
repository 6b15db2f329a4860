package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/overseer-dev/overseer/internal/repositories"
)

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseUUIDString parses a raw UUID string, returning an error if invalid.
// Used for query parameter parsing where parseUUID (path param) is not
// applicable.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// orgFromCtx returns the authenticated caller's org ID. Writes a 401 and
// returns false when the claims are missing or carry a malformed org ID,
// which only happens on a token minted outside this server.
func orgFromCtx(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return uuid.UUID{}, false
	}
	orgID, err := uuid.Parse(claims.OrgID)
	if err != nil {
		ErrUnauthorized(w)
		return uuid.UUID{}, false
	}
	return orgID, true
}

// userFromCtx returns the authenticated caller's user ID, or "" when
// unauthenticated.
func userFromCtx(r *http.Request) string {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		return ""
	}
	return claims.UserID
}
