package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/registry"
)

// cleanupLease bounds one cleanup batch; a stale holder loses the lock
// after that long.
const cleanupLease = time.Minute

// Cleanup removes the work directories and stored artifacts of jobs whose
// registry record has expired. Only one worker of a service runs a batch
// at a time; contenders skip their turn instead of queueing up.
func (w *Worker) Cleanup(ctx context.Context) {
	lock, err := w.registry.Lock(ctx, "lock:"+w.service+":cleanup-batch", registry.LockOptions{
		BlockingTimeout: 0,
		Lease:           cleanupLease,
	})
	if err != nil {
		if !errors.Is(err, registry.ErrLockNotAcquired) {
			w.logger.Error("cleanup lock failed", zap.Error(err))
		}
		return
	}
	defer lock.Release(context.WithoutCancel(ctx))

	w.logger.Debug("running cleanup batch")

	sentinels, err := filepath.Glob(filepath.Join(w.cfg.Worker.Workdir, "*", ".job-expire-"+w.service))
	if err != nil {
		w.logger.Error("cleanup glob failed", zap.Error(err))
		return
	}
	for _, sentinel := range sentinels {
		if ctx.Err() != nil {
			return
		}
		jobdir := filepath.Dir(sentinel)
		jobID := filepath.Base(jobdir)

		exists, err := w.registry.Exists(ctx, jobID)
		if err != nil {
			w.logger.Error("cleanup registry lookup failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		w.logger.Info("cleaning job resources", zap.String("job_id", jobID))
		if err := w.storage.Remove(ctx, jobID); err != nil {
			w.logger.Error("removing stored artifacts failed", zap.String("job_id", jobID), zap.Error(err))
		}
		if err := os.RemoveAll(jobdir); err != nil {
			w.logger.Error("removing work directory failed", zap.String("dir", jobdir), zap.Error(err))
		}
	}
}
