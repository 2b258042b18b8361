package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the blocking timeout elapses before
// the lock becomes free.
var ErrLockNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock key only when it still holds our token,
// so a lease that expired and was re-acquired elsewhere is never released
// by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const lockRetryInterval = 100 * time.Millisecond

// LockOptions tunes lock acquisition. A zero BlockingTimeout makes the
// attempt non-blocking: either the lock is free now or acquisition fails.
type LockOptions struct {
	BlockingTimeout time.Duration
	Lease           time.Duration
}

// Lock is a held distributed lock. Release it with Release; an unreleased
// lock frees itself when the lease expires.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Lock acquires a named lock, retrying until the blocking timeout.
func (r *Registry) Lock(ctx context.Context, name string, opts LockOptions) (*Lock, error) {
	lease := opts.Lease
	if lease <= 0 {
		lease = time.Minute
	}
	token := uuid.NewString()
	deadline := time.Now().Add(opts.BlockingTimeout)
	for {
		ok, err := r.rdb.SetNX(ctx, name, token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
		}
		if ok {
			return &Lock{rdb: r.rdb, key: name, token: token}, nil
		}
		if opts.BlockingTimeout <= 0 || time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	return nil
}
