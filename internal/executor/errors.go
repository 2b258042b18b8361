package executor

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

var (
	// ErrServiceNotAvailable means no worker of the target service is
	// present.
	ErrServiceNotAvailable = errors.New("service not available")

	// ErrUnreachableDestination means a destination was addressed but no
	// reply arrived within the deadline.
	ErrUnreachableDestination = errors.New("destination unreachable")

	// ErrJobNotFound means no registry record is visible for the job.
	ErrJobNotFound = errors.New("job not found")

	// ErrProcessNotFound means the worker knows no process by that ident.
	ErrProcessNotFound = errors.New("process not found")

	// ErrAlreadyDismissed rejects dismissing a job twice.
	ErrAlreadyDismissed = errors.New("job already dismissed")

	// ErrResultsNotReady means the job has not reached a terminal state.
	ErrResultsNotReady = errors.New("job results not ready")

	// ErrFileNotFound means the requested resource is not part of the job
	// workspace.
	ErrFileNotFound = errors.New("file not found")
)

// JobFailure carries the classified failure of a completed job.
type JobFailure struct {
	JobID     string
	Dismissed bool
	Exception models.JobException
}

func (e *JobFailure) Error() string {
	if e.Dismissed {
		return fmt.Sprintf("job %s dismissed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Exception.Detail)
}

// classifyFailure maps a FAILURE task state to the reported status and
// exception. Only input validation errors surface their message verbatim;
// anything unexpected is reported generically and kept in the job log.
func classifyFailure(jobID string, meta *resultstore.TaskMeta) (models.Status, *models.JobException) {
	switch meta.ExcType {
	case resultstore.MarkerDismissed:
		return models.StatusDismissed, nil
	case resultstore.MarkerInputValue:
		return models.StatusFailed, &models.JobException{
			Type:   resultstore.MarkerInputValue,
			Title:  "Invalid input",
			Detail: meta.ExcMessage,
			Status: http.StatusBadRequest,
		}
	case resultstore.MarkerProjectRequired:
		return models.StatusFailed, &models.JobException{
			Type:   resultstore.MarkerProjectRequired,
			Title:  "Project required",
			Detail: meta.ExcMessage,
			Status: http.StatusBadRequest,
		}
	case resultstore.MarkerProcessNotFound:
		return models.StatusFailed, &models.JobException{
			Type:   resultstore.MarkerProcessNotFound,
			Title:  "Process not found",
			Detail: meta.ExcMessage,
			Status: http.StatusNotFound,
		}
	case resultstore.MarkerRunProcess:
		return models.StatusFailed, &models.JobException{
			Type:   resultstore.MarkerRunProcess,
			Title:  "Processing error",
			Detail: "Internal processing error",
			Status: http.StatusInternalServerError,
		}
	default:
		return models.StatusFailed, &models.JobException{
			Type:   "InternalError",
			Title:  "Internal error",
			Detail: "Internal worker error",
			Status: http.StatusInternalServerError,
		}
	}
}

// parseRemoteError maps a worker error reply, formatted "Marker: message",
// back to the local error taxonomy.
func parseRemoteError(s string) error {
	marker, msg, _ := strings.Cut(s, ":")
	msg = strings.TrimSpace(msg)
	switch strings.TrimSpace(marker) {
	case resultstore.MarkerProcessNotFound:
		return ErrProcessNotFound
	case resultstore.MarkerDismissed:
		return ErrAlreadyDismissed
	case broker.ReplyFileNotFound:
		return ErrFileNotFound
	default:
		if msg == "" {
			msg = s
		}
		return fmt.Errorf("worker error: %s", msg)
	}
}
