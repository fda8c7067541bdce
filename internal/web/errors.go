package web

// errors.go provides unified error response handling for the web layer.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err)
//  3. The HTTP status is chosen from the sentinel the error wraps
//  4. Error is mapped via core.MapError to get a user-friendly message
//  5. Technical error + context is logged with the request id for correlation
//  6. The user message is written as JSON

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/esgregister/internal/core"
	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
	"github.com/JonMunkholm/esgregister/internal/register"
	"github.com/JonMunkholm/esgregister/internal/resolver"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{core.ErrMissingOwner, http.StatusUnauthorized},
	{core.ErrReportNotFound, http.StatusNotFound},
	{core.ErrArtifactNotFound, http.StatusNotFound},
	{core.ErrEntityNotFound, http.StatusNotFound},
	{database.ErrNotFound, http.StatusNotFound},
	{core.ErrDuplicateReport, http.StatusConflict},
	{database.ErrUniqueViolation, http.StatusConflict},
	{register.ErrLocked, http.StatusConflict},
	{core.ErrQuotaExceeded, http.StatusForbidden},
	{core.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
	{core.ErrUnsupportedFile, http.StatusUnsupportedMediaType},
	{resolver.ErrUnsupportedExtension, http.StatusUnsupportedMediaType},
	{core.ErrNoFile, http.StatusBadRequest},
	{core.ErrEmptyFile, http.StatusBadRequest},
	{core.ErrInvalidYear, http.StatusBadRequest},
	{core.ErrInvalidParam, http.StatusBadRequest},
	{core.ErrUnknownFormat, http.StatusBadRequest},
	{core.ErrShuttingDown, http.StatusServiceUnavailable},
}

// statusFor returns the HTTP status for err, 500 when it wraps no known
// sentinel.
func statusFor(err error) int {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// respondError logs the technical error and writes the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	log := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if status >= http.StatusInternalServerError {
		log.Error("request error", attrs...)
	} else {
		log.Warn("request rejected", attrs...)
	}

	respondErrorJSON(w, userMsg, status)
}

// respondErrorJSON writes a JSON error response.
func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// respondErrorLogOnly records a failure that happened after the response
// headers were sent.
func respondErrorLogOnly(r *http.Request, err error) {
	logging.FromContext(r.Context()).Warn("response write failed",
		"path", r.URL.Path,
		"method", r.Method,
		"error", err,
	)
}
