package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oakmount-io/mailroom/pkg/model"
	"github.com/oakmount-io/mailroom/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Reason is a stable machine-readable code for validation failures.
	Reason string `json:"reason,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://mailroom.oakmount.io/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteValidation writes a 400 carrying the stable reason code.
func WriteValidation(w http.ResponseWriter, ve *model.ValidationError) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://mailroom.oakmount.io/errors/%d", http.StatusBadRequest),
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
		Detail: ve.Message,
		Reason: ve.Reason,
	})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteBusy writes a 503 for write-pressure shedding.
func WriteBusy(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "5")
	WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
		"The server is under write pressure. Please retry shortly.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// writeServiceError maps a typed service error to its response in one
// place so handlers stay thin.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		WriteValidation(w, ve)
	case errors.Is(err, model.ErrUnauthenticated), errors.Is(err, model.ErrInvalidCredentials):
		WriteUnauthorized(w, "Invalid username or password")
	case errors.Is(err, model.ErrLocked):
		WriteForbidden(w, "Account is temporarily locked. Try again later.")
	case errors.Is(err, model.ErrForbidden):
		WriteForbidden(w, "")
	case errors.Is(err, model.ErrNotFound):
		WriteNotFound(w, "The requested resource does not exist")
	case errors.Is(err, model.ErrDuplicate):
		WriteConflict(w, "A record with the same unique value already exists")
	case errors.Is(err, store.ErrBusy):
		WriteBusy(w)
	default:
		WriteInternal(w, err)
	}
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
