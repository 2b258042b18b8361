package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/metrics"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/processes"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

// filesManifest lists the artifact paths a run published, one per line.
const filesManifest = ".files"

// runTask executes one task end to end and always leaves a terminal state
// in the result store.
func (w *Worker) runTask(ctx context.Context, msg *broker.TaskMessage) {
	defer w.sem.Release(1)
	defer w.tasks.finish(msg.ID)

	var kwargs broker.ProcessExecuteKwargs
	if err := json.Unmarshal(msg.Kwargs, &kwargs); err != nil {
		w.logger.Error("undecodable task payload", zap.String("job_id", msg.ID), zap.Error(err))
		w.writeFailure(ctx, msg.ID, nil, resultstore.MarkerWorkerError, "invalid task payload", nil, 24*time.Hour)
		return
	}
	ttl := time.Duration(kwargs.Meta.Expires) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	runConfig, _ := json.Marshal(kwargs.RunConfig)

	// Abort before any side effect when the job was dismissed or its
	// record already expired.
	rec, err := w.registry.FindJob(ctx, msg.ID, "")
	if err != nil {
		w.logger.Error("registry lookup failed", zap.String("job_id", msg.ID), zap.Error(err))
		w.writeFailure(ctx, msg.ID, runConfig, resultstore.MarkerWorkerError, "registry unavailable", nil, ttl)
		return
	}
	if rec == nil || rec.Dismissed {
		w.writeFailure(ctx, msg.ID, runConfig, resultstore.MarkerDismissed, "job dismissed", nil, ttl)
		metrics.JobsTotal.WithLabelValues(w.service, string(models.StatusDismissed)).Inc()
		return
	}

	metrics.ActiveJobs.WithLabelValues(w.service).Inc()
	defer metrics.ActiveJobs.WithLabelValues(w.service).Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.tasks.activate(msg.ID, cancel)

	started := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(w.service).Observe(time.Since(started).Seconds())
	}()
	w.setState(ctx, &resultstore.TaskMeta{
		TaskID:    msg.ID,
		Status:    resultstore.StateStarted,
		RunConfig: runConfig,
		Started:   &started,
	}, ttl)

	workdir := filepath.Join(w.cfg.Worker.Workdir, msg.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		w.logger.Error("creating workdir failed", zap.String("job_id", msg.ID), zap.Error(err))
		w.writeFailure(ctx, msg.ID, runConfig, resultstore.MarkerWorkerError, "cannot create workdir", &started, ttl)
		return
	}
	if err := os.WriteFile(filepath.Join(workdir, ".job-expire-"+w.service), nil, 0o644); err != nil {
		w.logger.Warn("writing expire sentinel failed", zap.String("job_id", msg.ID), zap.Error(err))
	}

	jlog, err := openJobLog(workdir)
	if err != nil {
		w.logger.Warn("opening job log failed", zap.String("job_id", msg.ID), zap.Error(err))
	}
	defer jlog.Close()
	jlog.Printf("job %s started: process %q service %q", msg.ID, kwargs.RunConfig.Ident, w.service)

	fb := newFeedback(ctx, w.store, msg.ID, runConfig, &started, ttl, jlog, w.logger)

	sub := kwargs.RunConfig.Request.Subscriber
	w.callbacks.InProgress(ctx, sub, w.statusSnapshot(msg.ID, &kwargs, models.StatusRunning, &started, nil))

	jc := processes.NewJobContext(msg.ID, workdir, fb)
	jc.ProjectPath = kwargs.RunConfig.ProjectPath
	jc.PublicURL = kwargs.Context.PublicURL

	results, runErr := w.execute(jobCtx, &kwargs, jc)
	fb.stop()

	finished := time.Now()
	if runErr != nil {
		w.finishWithError(ctx, msg.ID, &kwargs, runConfig, runErr, &started, &finished, ttl, jlog)
		return
	}

	// Persist the artifact manifest and move outputs into the store.
	published := jc.Published()
	w.writeManifest(workdir, published)
	if err := w.storage.Move(ctx, msg.ID, workdir, published); err != nil {
		w.logger.Error("storing artifacts failed", zap.String("job_id", msg.ID), zap.Error(err))
		jlog.Printf("storing artifacts failed: %s", err)
		w.writeFailure(ctx, msg.ID, runConfig, resultstore.MarkerWorkerError, "failed to store artifacts", &started, ttl)
		metrics.JobsTotal.WithLabelValues(w.service, string(models.StatusFailed)).Inc()
		return
	}
	w.writeLinks(ctx, workdir, msg.ID, kwargs.Context.PublicURL)

	resultDoc, err := json.Marshal(results)
	if err != nil {
		w.writeFailure(ctx, msg.ID, runConfig, resultstore.MarkerWorkerError, "unencodable results", &started, ttl)
		metrics.JobsTotal.WithLabelValues(w.service, string(models.StatusFailed)).Inc()
		return
	}
	w.setState(ctx, &resultstore.TaskMeta{
		TaskID:    msg.ID,
		Status:    resultstore.StateSuccess,
		Result:    resultDoc,
		RunConfig: runConfig,
		Started:   &started,
		DateDone:  &finished,
	}, ttl)
	jlog.Printf("job %s succeeded in %s", msg.ID, finished.Sub(started).Round(time.Millisecond))
	metrics.JobsTotal.WithLabelValues(w.service, string(models.StatusSuccessful)).Inc()

	w.callbacks.OnSuccess(ctx, sub, w.statusSnapshot(msg.ID, &kwargs, models.StatusSuccessful, &started, &finished), results)
}

// execute resolves the process and runs it.
func (w *Worker) execute(ctx context.Context, kwargs *broker.ProcessExecuteKwargs, jc *processes.JobContext) (models.JobResults, error) {
	ident := kwargs.RunConfig.Ident
	proc, ok := w.procs.Find(ident)
	if !ok {
		return nil, fmt.Errorf("%w: %s", processes.ErrProcessNotFound, ident)
	}
	if proc.RequireProject && kwargs.RunConfig.ProjectPath == "" {
		return nil, &processes.ProjectRequiredError{Ident: ident}
	}
	req := &processes.ExecuteRequest{
		Ident:   ident,
		Inputs:  kwargs.RunConfig.Request.Inputs,
		Outputs: kwargs.RunConfig.Request.Outputs,
	}
	return proc.Run(ctx, req, jc)
}

// finishWithError writes the terminal state for a failed run and fires
// the failure callback. Revocations become REVOKED, everything else a
// FAILURE with its marker.
func (w *Worker) finishWithError(ctx context.Context, jobID string, kwargs *broker.ProcessExecuteKwargs, runConfig json.RawMessage, runErr error, started, finished *time.Time, ttl time.Duration, jlog *jobLog) {
	if errors.Is(runErr, context.Canceled) && w.tasks.wasRevoked(jobID) {
		jlog.Printf("job %s revoked", jobID)
		w.setState(ctx, &resultstore.TaskMeta{
			TaskID:    jobID,
			Status:    resultstore.StateRevoked,
			RunConfig: runConfig,
			Started:   started,
			DateDone:  finished,
		}, ttl)
		metrics.JobsTotal.WithLabelValues(w.service, string(models.StatusDismissed)).Inc()
		return
	}

	marker := resultstore.MarkerRunProcess
	message := runErr.Error()
	var inputErr *processes.InputError
	var projectErr *processes.ProjectRequiredError
	switch {
	case errors.As(runErr, &inputErr):
		marker = resultstore.MarkerInputValue
		message = inputErr.Message
	case errors.As(runErr, &projectErr):
		marker = resultstore.MarkerProjectRequired
		message = projectErr.Error()
	case errors.Is(runErr, processes.ErrProcessNotFound):
		marker = resultstore.MarkerProcessNotFound
	case errors.Is(runErr, context.Canceled):
		// Worker shutdown, not a revocation.
		marker = resultstore.MarkerWorkerError
		message = "worker shutting down"
	}

	jlog.Printf("job %s failed (%s): %s", jobID, marker, message)
	w.writeFailureMeta(ctx, &resultstore.TaskMeta{
		TaskID:     jobID,
		Status:     resultstore.StateFailure,
		ExcType:    marker,
		ExcMessage: message,
		RunConfig:  runConfig,
		Started:    started,
		DateDone:   finished,
	}, ttl)
	metrics.JobsTotal.WithLabelValues(w.service, string(models.StatusFailed)).Inc()

	status := w.statusSnapshot(jobID, kwargs, models.StatusFailed, started, finished)
	status.Message = message
	w.callbacks.OnFailure(ctx, kwargs.RunConfig.Request.Subscriber, status)
}

// writeRevoked records the terminal state for a task revoked before
// pickup.
func (w *Worker) writeRevoked(ctx context.Context, msg *broker.TaskMessage) {
	var kwargs broker.ProcessExecuteKwargs
	ttl := 24 * time.Hour
	var runConfig json.RawMessage
	if err := json.Unmarshal(msg.Kwargs, &kwargs); err == nil {
		if kwargs.Meta.Expires > 0 {
			ttl = time.Duration(kwargs.Meta.Expires) * time.Second
		}
		runConfig, _ = json.Marshal(kwargs.RunConfig)
	}
	now := time.Now()
	w.setState(ctx, &resultstore.TaskMeta{
		TaskID:    msg.ID,
		Status:    resultstore.StateRevoked,
		RunConfig: runConfig,
		DateDone:  &now,
	}, ttl)
	w.logger.Info("revoked task dropped at pickup", zap.String("job_id", msg.ID))
}

func (w *Worker) writeFailure(ctx context.Context, jobID string, runConfig json.RawMessage, marker, message string, started *time.Time, ttl time.Duration) {
	now := time.Now()
	w.writeFailureMeta(ctx, &resultstore.TaskMeta{
		TaskID:     jobID,
		Status:     resultstore.StateFailure,
		ExcType:    marker,
		ExcMessage: message,
		RunConfig:  runConfig,
		Started:    started,
		DateDone:   &now,
	}, ttl)
}

func (w *Worker) writeFailureMeta(ctx context.Context, meta *resultstore.TaskMeta, ttl time.Duration) {
	if meta.DateDone == nil {
		now := time.Now()
		meta.DateDone = &now
	}
	w.setState(ctx, meta, ttl)
}

// setState persists a task state. Final states must land even during
// shutdown, so cancellation of ctx is ignored for the write itself.
func (w *Worker) setState(ctx context.Context, meta *resultstore.TaskMeta, ttl time.Duration) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.Set(writeCtx, meta, ttl); err != nil {
		w.logger.Error("state write failed",
			zap.String("job_id", meta.TaskID),
			zap.String("status", meta.Status),
			zap.Error(err))
	}
}

func (w *Worker) statusSnapshot(jobID string, kwargs *broker.ProcessExecuteKwargs, status models.Status, started, finished *time.Time) *models.JobStatus {
	return &models.JobStatus{
		JobID:     jobID,
		ProcessID: kwargs.Meta.ProcessID,
		Type:      "process",
		Status:    status,
		Created:   kwargs.Meta.Created,
		Started:   started,
		Finished:  finished,
		Tag:       kwargs.Meta.Tag,
	}
}

// writeManifest persists the artifact list next to the outputs.
func (w *Worker) writeManifest(workdir string, files []string) {
	if len(files) == 0 {
		return
	}
	content := strings.Join(files, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(workdir, filesManifest), []byte(content), 0o644); err != nil {
		w.logger.Warn("writing artifact manifest failed", zap.Error(err))
	}
}

// writeLinks resolves download links for the stored artifacts and writes
// them as links.json in the workdir.
func (w *Worker) writeLinks(ctx context.Context, workdir, jobID, publicURL string) {
	links := w.fileLinks(ctx, jobID, publicURL)
	if len(links) == 0 {
		return
	}
	doc, err := json.Marshal(models.JobFiles{Links: links})
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(workdir, "links.json"), doc, 0o644); err != nil {
		w.logger.Warn("writing links.json failed", zap.Error(err))
	}
}

// fileLinks builds download links for every stored artifact of a job.
func (w *Worker) fileLinks(ctx context.Context, jobID, publicURL string) []models.Link {
	files, err := w.storage.List(ctx, jobID)
	if err != nil {
		w.logger.Warn("listing artifacts failed", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	base := strings.TrimSuffix(publicURL, "/")
	links := make([]models.Link, 0, len(files))
	for _, f := range files {
		links = append(links, models.Link{
			Href:     fmt.Sprintf("%s/jobs/%s/files/%s", base, jobID, f.Name),
			Rel:      "enclosure",
			MimeType: f.ContentType,
			Title:    f.Name,
			Length:   f.Size,
		})
	}
	return links
}
