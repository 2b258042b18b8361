package broker

import (
	"encoding/json"
	"time"

	"github.com/3liz/qjazz-sub000/internal/models"
)

// TaskProcessExecute is the single canonical task name carried on the
// service queues.
const TaskProcessExecute = "process_execute"

// Inspect commands answered by every matching worker.
const (
	CommandPresence        = "presence"
	CommandListProcesses   = "list_processes"
	CommandDescribeProcess = "describe_process"
	CommandJobLog          = "job_log"
	CommandJobFiles        = "job_files"
	CommandDownloadURL     = "download_url"
	CommandQueryTask       = "query_task"
)

// Control commands changing worker state.
const (
	CommandPing        = "ping"
	CommandCleanup     = "cleanup"
	CommandReloadCache = "reload_processes_cache"
	CommandRestartPool = "restart_pool"
	CommandRevoke      = "revoke"
	CommandShutdown    = "shutdown"
)

// ReplyFileNotFound marks error replies for a download_url request whose
// resource does not exist in the job workspace.
const ReplyFileNotFound = "FileNotFound"

// TaskMessage is the queue envelope. Kwargs content depends on Task; for
// process_execute it decodes as ProcessExecuteKwargs.
type TaskMessage struct {
	ID       string          `json:"id"`
	Task     string          `json:"task"`
	Priority int             `json:"priority,omitempty"`
	Expires  *time.Time      `json:"expires,omitempty"`
	ETA      *time.Time      `json:"eta,omitempty"`
	Kwargs   json.RawMessage `json:"kwargs"`
}

// Expired reports whether the message passed its expiration at the given
// instant.
func (m *TaskMessage) Expired(now time.Time) bool {
	return m.Expires != nil && now.After(*m.Expires)
}

// ProcessExecuteKwargs is the kwargs payload of a process_execute task.
type ProcessExecuteKwargs struct {
	Meta      models.JobMeta `json:"__meta__"`
	Context   RunContext     `json:"__context__"`
	RunConfig RunConfig      `json:"__run_config__"`
}

// RunContext is the caller-supplied execution context forwarded verbatim to
// the worker.
type RunContext struct {
	PublicURL string `json:"public_url,omitempty"`
}

// RunConfig identifies the process to run and its request. It is preserved
// in the task result metadata for detailed status queries.
type RunConfig struct {
	Ident       string            `json:"ident"`
	Request     models.JobExecute `json:"request"`
	ProjectPath string            `json:"project_path,omitempty"`
}

// Args payloads for addressed inspect commands.

type DescribeArgs struct {
	Ident       string `json:"ident"`
	ProjectPath string `json:"project_path,omitempty"`
}

type JobLogArgs struct {
	JobID string `json:"job_id"`
	Count int    `json:"count,omitempty"`
}

type JobFilesArgs struct {
	JobID     string `json:"job_id"`
	PublicURL string `json:"public_url,omitempty"`
}

type DownloadURLArgs struct {
	JobID      string `json:"job_id"`
	Resource   string `json:"resource"`
	Expiration int64  `json:"expiration,omitempty"`
}

type QueryTaskArgs struct {
	JobID string `json:"job_id"`
}

type RevokeArgs struct {
	JobID     string `json:"job_id"`
	Terminate bool   `json:"terminate,omitempty"`
}

// TaskState is a worker's local knowledge of a queued or running task,
// returned by query_task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskReserved  TaskState = "reserved"
	TaskScheduled TaskState = "scheduled"
	TaskRevoked   TaskState = "revoked"
	TaskAbsent    TaskState = "absent"
)

// QueryTaskReply is the body of a query_task reply.
type QueryTaskReply struct {
	State TaskState `json:"state"`
}

// DownloadURLReply is the body of a download_url reply.
type DownloadURLReply struct {
	URL string `json:"url"`
}
