package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shehryarbajwa/meetbot/internal/admission"
	"github.com/shehryarbajwa/meetbot/internal/browser"
	"github.com/shehryarbajwa/meetbot/internal/session"
	"github.com/shehryarbajwa/meetbot/internal/worker"
)

// retryAfterSeconds is suggested to callers refused for capacity.
const retryAfterSeconds = 30

// Response defines the base API payload.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo holds error details to send to clients.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func success(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

func failure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message},
	})
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		denied     *admission.Error
		validation ValidationErrors
	)

	switch {
	case errors.As(err, &denied):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		failure(w, http.StatusServiceUnavailable, string(denied.Reason), err.Error())
	case errors.Is(err, browser.ErrPoolExhausted):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		failure(w, http.StatusServiceUnavailable, "pool_exhausted", "no browser available, retry later")
	case errors.Is(err, worker.ErrShuttingDown), errors.Is(err, browser.ErrPoolClosed):
		failure(w, http.StatusServiceUnavailable, "shutting_down", "worker is shutting down")
	case errors.Is(err, worker.ErrInvalidMeeting):
		failure(w, http.StatusBadRequest, "invalid_meeting", err.Error())
	case errors.As(err, &validation):
		failure(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.Is(err, worker.ErrNotFound):
		failure(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrNoPage):
		failure(w, http.StatusConflict, "no_page", err.Error())
	default:
		failure(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
