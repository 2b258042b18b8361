package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/registry"
)

// ExecuteOptions parameterizes one job submission.
type ExecuteOptions struct {
	Service string
	Ident   string
	Request models.JobExecute
	Project string
	Realm   string
	// PendingTimeout bounds how long the task may wait unreserved; zero
	// applies the executor default. It is capped by the service's result
	// expiration.
	PendingTimeout time.Duration
	// Countdown delays execution.
	Countdown time.Duration
	// Priority selects a higher priority queue, 0 to MaxPriority.
	Priority int
	Tag      string
	// PublicURL is the caller-facing base URL forwarded to the worker for
	// link building.
	PublicURL string
}

// Job is the handle returned by Execute.
type Job struct {
	ID      string
	Service string
	Realm   string

	e    *Executor
	meta models.JobMeta
}

// Execute enqueues a process execution and registers its pending record.
func (e *Executor) Execute(ctx context.Context, opts ExecuteOptions) (*Job, error) {
	entry, err := e.service(opts.Service)
	if err != nil {
		return nil, err
	}

	resultExpires := entry.Presence.ResultExpires
	if resultExpires <= 0 {
		resultExpires = 86400
	}
	pending := opts.PendingTimeout
	if pending <= 0 {
		pending = e.opts.PendingTimeout
	}
	if max := time.Duration(resultExpires) * time.Second; pending > max {
		pending = max
	}
	pending += opts.Countdown

	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > broker.MaxPriority {
		priority = broker.MaxPriority
	}

	now := time.Now()
	jobID := uuid.NewString()
	meta := models.JobMeta{
		Created:   now,
		Realm:     opts.Realm,
		Service:   opts.Service,
		ProcessID: opts.Ident,
		Expires:   resultExpires,
		Tag:       opts.Tag,
	}
	kwargs, err := json.Marshal(broker.ProcessExecuteKwargs{
		Meta:    meta,
		Context: broker.RunContext{PublicURL: opts.PublicURL},
		RunConfig: broker.RunConfig{
			Ident:       opts.Ident,
			Request:     opts.Request,
			ProjectPath: opts.Project,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding run config: %w", err)
	}

	msg := &broker.TaskMessage{
		ID:       jobID,
		Task:     broker.TaskProcessExecute,
		Priority: priority,
		Kwargs:   kwargs,
	}
	expiresAt := now.Add(pending)
	msg.Expires = &expiresAt
	if opts.Countdown > 0 {
		eta := now.Add(opts.Countdown)
		msg.ETA = &eta
	}

	if err := e.broker.Publish(ctx, opts.Service, msg); err != nil {
		return nil, fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}
	if err := e.registry.Register(ctx, &registry.Record{
		JobID:          jobID,
		Created:        now,
		Service:        opts.Service,
		Realm:          opts.Realm,
		ProcessID:      opts.Ident,
		PendingTimeout: int64(pending.Seconds()),
		Expires:        resultExpires,
		Tag:            opts.Tag,
	}); err != nil {
		return nil, fmt.Errorf("registering job %s: %w", jobID, err)
	}

	e.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("service", opts.Service),
		zap.String("process_id", opts.Ident),
		zap.Int("priority", priority))

	return &Job{ID: jobID, Service: opts.Service, Realm: opts.Realm, e: e, meta: meta}, nil
}

// Status composes the current job status.
func (j *Job) Status(ctx context.Context) (*models.JobStatus, error) {
	return j.e.JobStatus(ctx, j.ID, j.Realm, false)
}

// Wait blocks until the job reaches a terminal state and returns its
// results. With a positive timeout the wait is bounded; expiry surfaces
// as context.DeadlineExceeded and leaves the job running.
func (j *Job) Wait(ctx context.Context, timeout time.Duration) (models.JobResults, error) {
	return j.e.WaitResults(ctx, j.ID, timeout)
}

// WaitResults blocks until the job reaches a terminal state and returns
// its results. With a positive timeout the wait is bounded; expiry
// surfaces as context.DeadlineExceeded and leaves the job running.
func (e *Executor) WaitResults(ctx context.Context, jobID string, timeout time.Duration) (models.JobResults, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	meta, err := e.store.Wait(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}
	return e.resultsFromMeta(jobID, meta)
}
