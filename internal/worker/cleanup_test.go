package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz-sub000/internal/registry"
)

// seedJobDir creates a work directory carrying an expire sentinel for the
// given service.
func seedJobDir(t *testing.T, workdir, jobID, service string) string {
	t.Helper()
	dir := filepath.Join(workdir, jobID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".job-expire-"+service), nil, 0o644))
	return dir
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Expired: sentinel present, registry record gone, artifacts stored.
	expiredDir := seedJobDir(t, env.cfg.Worker.Workdir, "job-old", "demo")
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "out.txt"), []byte("x"), 0o644))
	require.NoError(t, env.w.storage.Move(ctx, "job-old", src, []string{"out.txt"}))

	// Still registered: kept.
	liveDir := seedJobDir(t, env.cfg.Worker.Workdir, "job-live", "demo")
	env.registerJob(t, "job-live", "echo")

	// Another service's job: not ours to clean.
	otherDir := seedJobDir(t, env.cfg.Worker.Workdir, "job-other", "tiles")

	env.w.Cleanup(ctx)

	assert.NoDirExists(t, expiredDir)
	assert.NoDirExists(t, filepath.Join(env.cfg.Storage.Root, "job-old"))
	assert.DirExists(t, liveDir)
	assert.DirExists(t, otherDir)
}

func TestCleanupSkipsWhenLocked(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	expiredDir := seedJobDir(t, env.cfg.Worker.Workdir, "job-old", "demo")

	lock, err := env.reg.Lock(ctx, "lock:demo:cleanup-batch", registry.LockOptions{Lease: time.Minute})
	require.NoError(t, err)

	// A concurrent batch holds the lock; this run must yield untouched.
	env.w.Cleanup(ctx)
	assert.DirExists(t, expiredDir)

	require.NoError(t, lock.Release(ctx))
	env.w.Cleanup(ctx)
	assert.NoDirExists(t, expiredDir)
}
