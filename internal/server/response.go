package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3liz/qjazz-sub000/internal/executor"
)

// errorResponse is the error body of every non-2xx JSON response:
// {"message": "...", "details": ...}.
type errorResponse struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeJSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errJSON writes a JSON error response with the given status and message.
func errJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

// errJSONDetails writes a JSON error response carrying extra details.
func errJSONDetails(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, errorResponse{Message: message, Details: details})
}

// backendError maps the executor error taxonomy onto HTTP statuses. Worker
// failures carry their own status in the classified exception.
func backendError(w http.ResponseWriter, err error) {
	var failure *executor.JobFailure
	switch {
	case errors.Is(err, executor.ErrJobNotFound):
		errJSON(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, executor.ErrProcessNotFound):
		errJSON(w, http.StatusNotFound, "Process not found")
	case errors.Is(err, executor.ErrFileNotFound):
		errJSON(w, http.StatusNotFound, "Resource not found")
	case errors.Is(err, executor.ErrServiceNotAvailable):
		errJSON(w, http.StatusServiceUnavailable, "Service not available")
	case errors.Is(err, executor.ErrUnreachableDestination):
		errJSON(w, http.StatusServiceUnavailable, "Service not available")
	case errors.Is(err, executor.ErrAlreadyDismissed):
		errJSON(w, http.StatusForbidden, "Job already dismissed")
	case errors.Is(err, executor.ErrResultsNotReady):
		errJSON(w, http.StatusNotFound, "Job results not ready")
	case errors.As(err, &failure):
		jobFailureError(w, failure)
	case errors.Is(err, context.DeadlineExceeded):
		errJSON(w, http.StatusGatewayTimeout, "Backend timeout")
	default:
		errJSON(w, http.StatusInternalServerError, "Internal error")
	}
}

// jobFailureError reports a failed or dismissed job with the status the
// failure was classified under.
func jobFailureError(w http.ResponseWriter, failure *executor.JobFailure) {
	if failure.Dismissed {
		errJSONDetails(w, http.StatusNotFound, "Job dismissed", map[string]string{"jobId": failure.JobID})
		return
	}
	status := failure.Exception.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	errJSONDetails(w, status, failure.Exception.Detail, map[string]string{"jobId": failure.JobID})
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		errJSON(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}
