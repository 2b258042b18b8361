package models

import (
	"encoding/json"
	"time"
)

// Status is the reported lifecycle state of a job. The "pending" state is
// an extension to the OGC set: the task is enqueued but no worker has
// reserved it yet.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusDismissed  Status = "dismissed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusDismissed:
		return true
	}
	return false
}

// JobStatus is the OGC statusInfo payload returned by the jobs endpoints.
type JobStatus struct {
	JobID     string     `json:"jobID"`
	ProcessID string     `json:"processID,omitempty"`
	Type      string     `json:"type"`
	Status    Status     `json:"status"`
	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	Progress  *int       `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	Tag       string     `json:"tag,omitempty"`

	// RunConfig and ExpiresAt are populated only on detailed status queries.
	RunConfig json.RawMessage `json:"runConfig,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`

	Exception *JobException `json:"exception,omitempty"`
	Links     []Link        `json:"links"`
}

// JobException carries failure details in a status payload.
type JobException struct {
	Type   string `json:"type"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}

// JobList is the paginated payload of the jobs listing endpoint. NextCursor
// is opaque to clients and is carried in the "next" link; it is included in
// the body as well so non-hypermedia clients can page without parsing links.
type JobList struct {
	Jobs       []JobStatus `json:"jobs"`
	Links      []Link      `json:"links"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// JobMeta is the immutable envelope attached to every task and echoed back
// in result metadata. Expires is in seconds.
type JobMeta struct {
	Created   time.Time `json:"created"`
	Realm     string    `json:"realm,omitempty"`
	Service   string    `json:"service"`
	ProcessID string    `json:"process_id"`
	Expires   int64     `json:"expires"`
	Tag       string    `json:"tag,omitempty"`
}

// JobExecute is the OGC execute request body.
type JobExecute struct {
	Inputs     map[string]json.RawMessage `json:"inputs,omitempty"`
	Outputs    map[string]Output          `json:"outputs,omitempty"`
	Subscriber *Subscriber                `json:"subscriber,omitempty"`
}

// Output selects the requested format for a named output.
type Output struct {
	Format *Format `json:"format,omitempty"`
}

// Format is an OGC output format selector.
type Format struct {
	MediaType string `json:"mediaType,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Schema    string `json:"schema,omitempty"`
}

// Subscriber carries the optional per-job callback URIs supplied by the
// client. Dispatch failures never affect the job outcome.
type Subscriber struct {
	SuccessURI    string `json:"successUri,omitempty"`
	InProgressURI string `json:"inProgressUri,omitempty"`
	FailedURI     string `json:"failedUri,omitempty"`
}

// JobResults is the raw results document of a successful job.
type JobResults map[string]json.RawMessage

// JobLog is the response of the job log endpoint.
type JobLog struct {
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Log       []string  `json:"log"`
}

// JobFiles lists the downloadable artifacts of a job.
type JobFiles struct {
	Links []Link `json:"links"`
}
