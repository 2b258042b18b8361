package worker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchReload reloads the process catalogue whenever the monitor file is
// touched. The parent directory is watched so the file may be created or
// replaced after startup.
func (w *Worker) watchReload(ctx context.Context) error {
	path, err := filepath.Abs(w.cfg.Worker.ReloadMonitor)
	if err != nil {
		return fmt.Errorf("resolving reload monitor path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating reload watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	w.logger.Info("watching reload monitor", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) {
				continue
			}
			w.logger.Info("reload monitor touched, reloading processes")
			if err := w.catalog.Update(ctx); err != nil {
				w.logger.Error("reloading processes failed", zap.Error(err))
				continue
			}
			w.restartPool(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("reload watcher error", zap.Error(err))
		}
	}
}
