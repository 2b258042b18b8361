package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

// Dismiss cancels a job: running tasks are revoked on their workers,
// queued tasks are refused at pickup once the registry record is gone.
// The whole operation is serialized per job by a distributed lock.
func (e *Executor) Dismiss(ctx context.Context, jobID, realm string) (*models.JobStatus, error) {
	lock, err := e.registry.Lock(ctx, "lock:job:"+jobID, registry.LockOptions{
		BlockingTimeout: e.opts.LockTimeout,
		Lease:           time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("dismissing %s: %w", jobID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("dismiss lock release failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	rec, err := e.registry.FindJob(ctx, jobID, realm)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrJobNotFound
	}
	if rec.Dismissed {
		return nil, ErrAlreadyDismissed
	}

	if err := e.registry.Dismiss(ctx, jobID, false); err != nil {
		return nil, err
	}
	if err := e.dismissTask(ctx, rec); err != nil {
		// Roll back the flag so a later attempt runs the full path again.
		if rerr := e.registry.Dismiss(context.WithoutCancel(ctx), jobID, true); rerr != nil {
			e.logger.Error("resetting dismissed flag failed",
				zap.String("job_id", jobID),
				zap.Error(rerr))
		}
		return nil, err
	}

	// The worker observes the missing record on its next cleanup tick and
	// reclaims the job directory.
	if err := e.registry.Delete(context.WithoutCancel(ctx), jobID); err != nil {
		e.logger.Error("deleting registry record failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}

	e.logger.Info("job dismissed",
		zap.String("job_id", jobID),
		zap.String("service", rec.Service))

	now := time.Now()
	return &models.JobStatus{
		JobID:     jobID,
		ProcessID: rec.ProcessID,
		Type:      "process",
		Status:    models.StatusDismissed,
		Created:   rec.Created,
		Finished:  &now,
		Tag:       rec.Tag,
	}, nil
}

// dismissTask decides whether a revoke broadcast is needed and issues it.
func (e *Executor) dismissTask(ctx context.Context, rec *registry.Record) error {
	meta, err := e.store.TaskMeta(ctx, rec.JobID)
	if err != nil {
		return err
	}
	active := false
	switch meta.Status {
	case resultstore.StatePending:
		// No state written yet: revoke only when a worker holds the task;
		// a still-queued task is refused at pickup.
		state := e.queryTask(ctx, rec.Service, rec.JobID)
		active = state == broker.TaskActive || state == broker.TaskReserved
	case resultstore.StateStarted, resultstore.StateUpdated:
		active = true
	default:
		// Terminal; nothing to revoke.
		return nil
	}
	if !active {
		return nil
	}
	return e.revoke(ctx, rec)
}

func (e *Executor) revoke(ctx context.Context, rec *registry.Record) error {
	entry, err := e.service(rec.Service)
	if err != nil {
		// No destination left to revoke on: acceptable only when the task
		// meanwhile reached a terminal state.
		if meta, merr := e.store.TaskMeta(ctx, rec.JobID); merr == nil && meta.Terminal() {
			return nil
		}
		return err
	}
	replies, err := e.broker.Broadcast(ctx, broker.CommandRevoke, broker.RevokeArgs{
		JobID:     rec.JobID,
		Terminate: true,
	}, broker.BroadcastOptions{
		Service:      rec.Service,
		Destinations: entry.Destinations,
		Expect:       len(entry.Destinations),
		Timeout:      e.opts.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("revoke rpc: %w", err)
	}
	if len(replies) == 0 {
		if meta, merr := e.store.TaskMeta(ctx, rec.JobID); merr == nil && meta.Terminal() {
			return nil
		}
		return ErrUnreachableDestination
	}
	return nil
}
