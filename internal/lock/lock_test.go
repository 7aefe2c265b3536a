package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T) (*Lock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, logger.New("development")), mr
}

func TestAcquireRelease(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "lead:abc", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Key() != "lead:abc" {
		t.Fatalf("unexpected key %q", h.Key())
	}

	// A second holder must time out while the first holds the lock.
	if _, err := l.Acquire(ctx, "lead:abc", time.Minute, 150*time.Millisecond); err != ErrAcquireTimeout {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}

	h.Release(ctx)

	h2, err := l.Acquire(ctx, "lead:abc", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	h2.Release(ctx)
}

func TestMutualExclusion(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	var (
		inside  int
		maxSeen int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.Acquire(ctx, "lead:race", 5*time.Second, 5*time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			h.Release(ctx)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder inside the critical section, saw %d", maxSeen)
	}
}

func TestReleaseWithStaleTokenIsNoOp(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "lead:ttl", 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Simulate TTL expiry followed by reassignment to another holder.
	mr.FastForward(100 * time.Millisecond)
	h2, err := l.Acquire(ctx, "lead:ttl", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("reacquire after expiry: %v", err)
	}

	// The stale handle's release must not delete the new holder's lock.
	h.Release(ctx)
	if !mr.Exists("lead:ttl") {
		t.Fatal("stale release deleted a lock held by another holder")
	}

	h2.Release(ctx)
	if mr.Exists("lead:ttl") {
		t.Fatal("current holder failed to release its own lock")
	}
}

func TestFailsOpenOnCacheUnavailability(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	mr.Close()

	h, err := l.Acquire(ctx, "lead:down", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("expected fail-open grant, got %v", err)
	}
	// Release on a degraded handle must not panic or touch the cache.
	h.Release(ctx)
}
