// Package lock provides distributed mutual exclusion over the shared
// coordination cache. Every mutation of a lead routes through a lock on its
// id, so at most one handler can advance an entity at any instant.
package lock

import (
	"context"
	"errors"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAcquireTimeout is returned when the lock could not be acquired within
// the caller's maxWait. Callers treat it as "a concurrent handler already
// owns this entity", not as a failure.
var ErrAcquireTimeout = errors.New("lock: acquire timed out")

// pollInterval is how often Acquire re-attempts the conditional set. The
// wait is timer-driven, never a tight loop.
const pollInterval = 50 * time.Millisecond

// releaseScript deletes the key only while it still holds our token. A lock
// that expired and was reassigned to another holder is left untouched.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock acquires and releases per-key distributed locks.
type Lock struct {
	client *redis.Client
	log    *logger.Logger
}

// Handle represents a held lock. It exists only for the duration of the
// critical section and is never persisted.
type Handle struct {
	lock     *Lock
	key      string
	token    string
	degraded bool
}

// New creates a Lock backed by the given cache client.
func New(client *redis.Client, log *logger.Logger) *Lock {
	return &Lock{client: client, log: log}
}

// Acquire polls an atomic conditional set until the lock is held or maxWait
// elapses. On cache unavailability the lock fails open: availability is
// favored over strict exclusion, and the degradation is logged.
func (l *Lock) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (*Handle, error) {
	token := uuid.NewString()
	started := time.Now()
	deadline := started.Add(maxWait)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			l.log.CacheDegraded("lock", "acquire", err)
			return &Handle{degraded: true, key: key}, nil
		}
		if ok {
			return &Handle{lock: l, key: key, token: token}, nil
		}

		if time.Now().After(deadline) {
			l.log.LockTimeout(key, time.Since(started).Milliseconds())
			return nil, ErrAcquireTimeout
		}
		timer.Reset(pollInterval)
	}
}

// Release deletes the lock if and only if it is still held by this handle's
// token. Releasing a lock that expired and was taken over by another holder
// is a no-op. Degraded (fail-open) handles release nothing.
func (h *Handle) Release(ctx context.Context) {
	if h == nil || h.degraded {
		return
	}
	if err := releaseScript.Run(ctx, h.lock.client, []string{h.key}, h.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		h.lock.log.CacheDegraded("lock", "release", err)
	}
}

// Key returns the resource key this handle guards.
func (h *Handle) Key() string {
	if h == nil {
		return ""
	}
	return h.key
}
