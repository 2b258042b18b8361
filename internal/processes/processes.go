// Package processes defines the contract between the worker and the
// process implementations it can run, and a registry to look them up by
// ident.
package processes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/3liz/qjazz-sub000/internal/models"
)

// ErrProcessNotFound is returned when an ident resolves to no registered
// process.
var ErrProcessNotFound = errors.New("process not found")

// InputError rejects an execution request because of invalid inputs. Its
// message is reported verbatim to the caller.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// InputErrorf builds an InputError from a format string.
func InputErrorf(format string, args ...any) *InputError {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// ProjectRequiredError rejects an execution request that names no project
// while the process needs one.
type ProjectRequiredError struct {
	Ident string
}

func (e *ProjectRequiredError) Error() string {
	return fmt.Sprintf("process %s requires a project", e.Ident)
}

// Feedback receives progress reports from a running process.
type Feedback interface {
	Progress(percent float64)
	Message(msg string)
}

// ExecuteRequest is the decoded run configuration handed to a process.
type ExecuteRequest struct {
	Ident   string
	Inputs  map[string]json.RawMessage
	Outputs map[string]models.Output
}

// Input decodes a named input into dst. It reports whether the input was
// present; a decoding failure is returned as an InputError.
func (r *ExecuteRequest) Input(name string, dst any) (bool, error) {
	raw, ok := r.Inputs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, InputErrorf("invalid value for input '%s': %s", name, err)
	}
	return true, nil
}

// JobContext is the per-job execution environment. Files published through
// it are advertised in the job file listing once the run completes.
type JobContext struct {
	JobID       string
	Workdir     string
	ProjectPath string
	PublicURL   string

	feedback Feedback

	mu        sync.Mutex
	published []string
}

// NewJobContext binds a feedback sink to a job environment.
func NewJobContext(jobID, workdir string, feedback Feedback) *JobContext {
	return &JobContext{JobID: jobID, Workdir: workdir, feedback: feedback}
}

// Progress reports completion in percent.
func (c *JobContext) Progress(percent float64) {
	if c.feedback != nil {
		c.feedback.Progress(percent)
	}
}

// Message reports a human readable status line.
func (c *JobContext) Message(msg string) {
	if c.feedback != nil {
		c.feedback.Message(msg)
	}
}

// PublishFile registers a file path, relative to the job workdir, as a job
// artifact.
func (c *JobContext) PublishFile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, name)
}

// Published returns the artifact paths registered so far.
func (c *JobContext) Published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	copy(out, c.published)
	return out
}

// Handler runs one process execution. Cancellation of ctx means the job
// was dismissed; handlers should stop and return ctx.Err().
type Handler func(ctx context.Context, req *ExecuteRequest, job *JobContext) (models.JobResults, error)

// Process couples a description with its implementation.
type Process struct {
	Description    models.ProcessDescription
	RequireProject bool
	Run            Handler
}

// Registry indexes processes by ident. Registration happens at startup;
// lookups are safe for concurrent use afterwards.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*Process
}

// NewRegistry returns an empty process registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]*Process)}
}

// Register adds a process under its description ident, replacing any
// previous registration.
func (r *Registry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[p.Description.ID] = p
}

// Find resolves an ident to its process.
func (r *Registry) Find(ident string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[ident]
	return p, ok
}

// List returns the summaries of all registered processes, sorted by ident.
func (r *Registry) List() []models.ProcessSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProcessSummary, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p.Description.ProcessSummary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Describe returns the full description of a process.
func (r *Registry) Describe(ident string) (*models.ProcessDescription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[ident]
	if !ok {
		return nil, false
	}
	desc := p.Description
	return &desc, true
}
