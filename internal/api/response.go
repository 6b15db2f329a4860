// Package api is the REST surface of the Overseer server. Routes live
// under /api/v1 on a chi router. Every handler runs behind the JWT
// middleware and scopes its queries by the org ID in the token claims,
// so tenants never see each other's rows. Admin-only routes add the
// RequireRole middleware on top.
package api

import (
	"encoding/json"
	"net/http"
)

// All responses share one envelope so clients can decode them uniformly:
//
//	success: {"data": <payload>}
//	failure: {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// JSON encodes payload with the given status. Encoding errors are
// swallowed; by the time Encode fails the status line is already gone.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes 200 with the payload in the data envelope.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes 201 with the payload in the data envelope.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// Accepted writes 202 with the payload in the data envelope. Handlers
// that hand work to the workflow engine answer with this.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// NoContent writes 204 with an empty body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// fail writes the error envelope. The code is a stable machine-readable
// string the frontend branches on; the message is for humans.
func fail(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorBody{Message: message, Code: code}})
}

func ErrBadRequest(w http.ResponseWriter, message string) {
	fail(w, http.StatusBadRequest, message, "bad_request")
}

func ErrUnauthorized(w http.ResponseWriter) {
	fail(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

func ErrForbidden(w http.ResponseWriter) {
	fail(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

func ErrNotFound(w http.ResponseWriter) {
	fail(w, http.StatusNotFound, "resource not found", "not_found")
}

func ErrConflict(w http.ResponseWriter, message string) {
	fail(w, http.StatusConflict, message, "conflict")
}

// ErrUnprocessable is for requests that parse fine but fail a business
// rule, e.g. an illegal status transition.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	fail(w, http.StatusUnprocessableEntity, message, "validation_error")
}

// ErrInternal writes 500 without leaking the underlying error to the
// client; the handler logs the detail.
func ErrInternal(w http.ResponseWriter) {
	fail(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON reads the body into dst, rejecting unknown fields and bodies
// over 1 MB. On failure it writes the 400 itself and returns false so the
// handler can bail with a bare return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
