package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

// scanPageSize is the SCAN count hint for registry enumerations.
const scanPageSize = 100

// JobStatus composes the reported status of a job from its registry
// record, the stored task state and, for still-pending tasks, the
// workers' own view of the queue.
func (e *Executor) JobStatus(ctx context.Context, jobID, realm string, withDetails bool) (*models.JobStatus, error) {
	rec, err := e.registry.FindJob(ctx, jobID, realm)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrJobNotFound
	}
	return e.composeStatus(ctx, rec, withDetails)
}

func (e *Executor) composeStatus(ctx context.Context, rec *registry.Record, withDetails bool) (*models.JobStatus, error) {
	status := &models.JobStatus{
		JobID:     rec.JobID,
		ProcessID: rec.ProcessID,
		Type:      "process",
		Status:    models.StatusPending,
		Created:   rec.Created,
		Tag:       rec.Tag,
	}
	if rec.Dismissed {
		status.Status = models.StatusDismissed
		return status, nil
	}

	meta, err := e.store.TaskMeta(ctx, rec.JobID)
	if err != nil {
		return nil, err
	}
	switch meta.Status {
	case resultstore.StatePending:
		st, err := e.pendingState(ctx, rec)
		if err != nil {
			return nil, err
		}
		status.Status = st

	case resultstore.StateStarted:
		status.Status = models.StatusRunning
		status.Started = meta.Started

	case resultstore.StateUpdated:
		status.Status = models.StatusRunning
		status.Started = meta.Started
		var progress resultstore.Progress
		if err := json.Unmarshal(meta.Result, &progress); err == nil {
			p := progress.Progress
			updated := progress.Updated
			status.Progress = &p
			status.Message = progress.Message
			status.Updated = &updated
		}

	case resultstore.StateSuccess:
		status.Status = models.StatusSuccessful
		p := 100
		status.Progress = &p
		status.Started = meta.Started
		status.Finished = meta.DateDone

	case resultstore.StateFailure:
		st, exc := classifyFailure(rec.JobID, meta)
		status.Status = st
		status.Exception = exc
		status.Started = meta.Started
		status.Finished = meta.DateDone
		if exc != nil {
			status.Message = exc.Detail
		}

	case resultstore.StateRevoked:
		status.Status = models.StatusDismissed
		status.Finished = meta.DateDone

	default:
		return nil, fmt.Errorf("unexpected task state %q for job %s", meta.Status, rec.JobID)
	}

	if withDetails {
		status.RunConfig = meta.RunConfig
		if meta.DateDone != nil {
			expires := meta.DateDone.Add(time.Duration(rec.Expires) * time.Second)
			status.ExpiresAt = &expires
		}
	}
	return status, nil
}

// pendingState resolves the status of a task the result store knows
// nothing about yet: the workers may have reserved or revoked it, or it
// may still sit in the queue within its pending window.
func (e *Executor) pendingState(ctx context.Context, rec *registry.Record) (models.Status, error) {
	switch e.queryTask(ctx, rec.Service, rec.JobID) {
	case broker.TaskActive:
		return models.StatusRunning, nil
	case broker.TaskScheduled, broker.TaskReserved:
		return models.StatusAccepted, nil
	case broker.TaskRevoked:
		return models.StatusDismissed, nil
	default:
		if time.Now().Before(rec.PendingDeadline()) {
			return models.StatusPending, nil
		}
		// The queue dropped the task; the record just outlived it.
		return "", ErrJobNotFound
	}
}

// queryTask asks every worker of the service about a task. Absence of the
// service or of any reply degrades to TaskAbsent.
func (e *Executor) queryTask(ctx context.Context, service, jobID string) broker.TaskState {
	entry, err := e.service(service)
	if err != nil {
		return broker.TaskAbsent
	}
	replies, err := e.broker.Broadcast(ctx, broker.CommandQueryTask, broker.QueryTaskArgs{JobID: jobID}, broker.BroadcastOptions{
		Service:      service,
		Destinations: entry.Destinations,
		Expect:       len(entry.Destinations),
		Timeout:      e.opts.CallTimeout,
	})
	if err != nil {
		e.logger.Warn("query_task failed", zap.String("job_id", jobID), zap.Error(err))
		return broker.TaskAbsent
	}
	for _, rep := range replies {
		if !rep.Ok {
			continue
		}
		var q broker.QueryTaskReply
		if err := rep.DecodeBody(&q); err != nil {
			continue
		}
		if q.State != "" && q.State != broker.TaskAbsent {
			return q.State
		}
	}
	return broker.TaskAbsent
}

// JobResults returns the results document of a successfully completed
// job. Failed or dismissed jobs yield a JobFailure; non-terminal jobs
// yield ErrResultsNotReady.
func (e *Executor) JobResults(ctx context.Context, jobID, realm string) (models.JobResults, error) {
	rec, err := e.registry.FindJob(ctx, jobID, realm)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrJobNotFound
	}
	if rec.Dismissed {
		return nil, &JobFailure{JobID: jobID, Dismissed: true}
	}
	meta, err := e.store.TaskMeta(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return e.resultsFromMeta(jobID, meta)
}

func (e *Executor) resultsFromMeta(jobID string, meta *resultstore.TaskMeta) (models.JobResults, error) {
	switch meta.Status {
	case resultstore.StateSuccess:
		var results models.JobResults
		if err := json.Unmarshal(meta.Result, &results); err != nil {
			return nil, fmt.Errorf("decoding results of %s: %w", jobID, err)
		}
		return results, nil
	case resultstore.StateFailure:
		st, exc := classifyFailure(jobID, meta)
		failure := &JobFailure{JobID: jobID, Dismissed: st == models.StatusDismissed}
		if exc != nil {
			failure.Exception = *exc
		}
		return nil, failure
	case resultstore.StateRevoked:
		return nil, &JobFailure{JobID: jobID, Dismissed: true}
	default:
		return nil, ErrResultsNotReady
	}
}

// Jobs enumerates registry records matching the service and realm filters
// and composes each job's status. The cursor is an offset into the live
// enumeration: records whose pending window lapsed are skipped and do not
// count against it. A page shorter than limit means the enumeration is
// exhausted.
func (e *Executor) Jobs(ctx context.Context, service, realm string, cursor, limit int64) ([]models.JobStatus, error) {
	if limit <= 0 {
		return nil, nil
	}
	jobs := make([]models.JobStatus, 0, limit)
	var seen int64
	var scan uint64
	for {
		infos, next, err := e.registry.FindKeys(ctx, service, realm, scan, scanPageSize)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			rec, err := e.registry.Job(ctx, info)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				continue
			}
			status, err := e.composeStatus(ctx, rec, false)
			if err != nil {
				if errors.Is(err, ErrJobNotFound) {
					continue
				}
				e.logger.Warn("skipping job with broken status",
					zap.String("job_id", info.JobID),
					zap.Error(err))
				continue
			}
			if seen >= cursor {
				jobs = append(jobs, *status)
				if int64(len(jobs)) >= limit {
					return jobs, nil
				}
			}
			seen++
		}
		if next == 0 {
			return jobs, nil
		}
		scan = next
	}
}

// LogDetails fetches the tail of the job processing log from a worker of
// the job's service.
func (e *Executor) LogDetails(ctx context.Context, jobID, realm string, count int) (*models.JobLog, error) {
	rec, err := e.registry.FindJob(ctx, jobID, realm)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrJobNotFound
	}
	var log models.JobLog
	if err := e.inspect(ctx, rec.Service, broker.CommandJobLog, broker.JobLogArgs{JobID: jobID, Count: count}, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// Files lists the downloadable artifacts of a job, with links rooted at
// publicURL.
func (e *Executor) Files(ctx context.Context, jobID, realm, publicURL string) (*models.JobFiles, error) {
	rec, err := e.registry.FindJob(ctx, jobID, realm)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrJobNotFound
	}
	var files models.JobFiles
	if err := e.inspect(ctx, rec.Service, broker.CommandJobFiles, broker.JobFilesArgs{JobID: jobID, PublicURL: publicURL}, &files); err != nil {
		return nil, err
	}
	return &files, nil
}

// DownloadURL asks a worker of the job's service for a signed download
// reference to one artifact.
func (e *Executor) DownloadURL(ctx context.Context, jobID, realm, resource string, expiration time.Duration) (string, error) {
	rec, err := e.registry.FindJob(ctx, jobID, realm)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrJobNotFound
	}
	var reply broker.DownloadURLReply
	err = e.inspect(ctx, rec.Service, broker.CommandDownloadURL, broker.DownloadURLArgs{
		JobID:      jobID,
		Resource:   resource,
		Expiration: int64(expiration.Seconds()),
	}, &reply)
	if err != nil {
		return "", err
	}
	return reply.URL, nil
}
