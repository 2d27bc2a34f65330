package latch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
)

// CommitLatch supports highly concurrent shared requests, but exclusive
// requests are a little more expensive. It coordinates bulk checkpoint
// operations against all other writers: writers acquire shared, the
// checkpointer acquires exclusive. Shared acquisition is reentrant per
// goroutine; exclusive is not.
//
// The shared count is kept as two striped counters, one for acquires and one
// for releases, so that the hot shared path is a single striped increment
// with no shared cache line. The exclusive path raises a gate (the inner
// Latch plus the exclusive owner ID), then waits for the two sums to agree.
type CommitLatch struct {
	sharedAcquire *striped
	sharedRelease *striped

	exclusiveLatch Latch

	// Goroutine ID of the exclusive acquirer, 0 when none. Shared fast paths
	// read this before incrementing, which is what keeps a continuous stream
	// of readers from starving the exclusive request.
	exclusiveG atomic.Int64

	// Wakes the exclusive acquirer when the last shared locker releases.
	drained chan struct{}

	// Per-goroutine reentrancy counts. An entry exists only while its count
	// is nonzero. Only the owning goroutine touches its own entry.
	reentrants sync.Map
}

// NewCommitLatch returns a commit latch with no holders.
func NewCommitLatch() *CommitLatch {
	return &CommitLatch{
		sharedAcquire: newStriped(),
		sharedRelease: newStriped(),
		drained:       make(chan struct{}, 1),
	}
}

func (c *CommitLatch) reentrantCount() int {
	if v, ok := c.reentrants.Load(goid.Get()); ok {
		return v.(int)
	}
	return 0
}

func (c *CommitLatch) adjustReentrant(delta int) {
	g := goid.Get()
	n := delta
	if v, ok := c.reentrants.Load(g); ok {
		n += v.(int)
	}
	if n == 0 {
		c.reentrants.Delete(g)
	} else {
		c.reentrants.Store(g, n)
	}
}

// TryAcquireShared acquires a shared hold without blocking. It fails only
// while an exclusive request is pending or held by another goroutine and the
// caller holds no reentrant share.
func (c *CommitLatch) TryAcquireShared() bool {
	if c.exclusiveG.Load() == 0 || c.reentrantCount() > 0 {
		c.sharedAcquire.Add(1)
		c.adjustReentrant(1)
		return true
	}
	return false
}

// AcquireShared acquires a shared hold, blocking while an exclusive request
// is in progress.
func (c *CommitLatch) AcquireShared() {
	if c.exclusiveG.Load() == 0 || c.reentrantCount() > 0 {
		c.sharedAcquire.Add(1)
	} else {
		c.exclusiveLatch.AcquireShared()
		c.sharedAcquire.Add(1)
		c.exclusiveLatch.ReleaseShared()
	}
	c.adjustReentrant(1)
}

// AcquireSharedTimed acquires a shared hold, aborting on timeout or context
// cancellation. A negative timeout means wait forever.
func (c *CommitLatch) AcquireSharedTimed(ctx context.Context, timeout time.Duration) (bool, error) {
	if c.exclusiveG.Load() == 0 || c.reentrantCount() > 0 {
		c.sharedAcquire.Add(1)
	} else {
		ok, err := c.exclusiveLatch.AcquireSharedTimed(ctx, timeout)
		if !ok {
			return false, err
		}
		c.sharedAcquire.Add(1)
		c.exclusiveLatch.ReleaseShared()
	}
	c.adjustReentrant(1)
	return true, nil
}

// ReleaseShared releases one shared hold. If an exclusive acquirer is waiting
// and this was the last outstanding hold, the acquirer is woken.
func (c *CommitLatch) ReleaseShared() {
	c.sharedRelease.Add(1)
	if c.exclusiveG.Load() != 0 && !c.HasSharedLockers() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	}
	c.adjustReentrant(-1)
}

// AcquireExclusive blocks new shared holds and waits for outstanding ones to
// drain. Only one goroutine can hold the exclusive side at a time.
//
// If the full exclusive hold cannot be obtained immediately, a shared hold is
// being kept for a long time. While waiting, all new shared requests queue on
// the inner latch. By waiting a timed amount and giving up, the exclusive
// request is effectively de-prioritized; each retry doubles the timeout so
// the request is never starved outright.
func (c *CommitLatch) AcquireExclusive(ctx context.Context) error {
	ok, err := c.exclusiveLatch.AcquireExclusiveTimed(ctx, -1)
	if !ok {
		return err
	}

	timeout := time.Microsecond
	for {
		done, err := c.finishAcquireExclusive(ctx, timeout)
		if err != nil {
			c.exclusiveG.Store(0)
			c.exclusiveLatch.ReleaseExclusive()
			return err
		}
		if done {
			return nil
		}
		timeout <<= 1
	}
}

// finishAcquireExclusive publishes this goroutine as the exclusive acquirer
// and waits up to timeout for shared holds to drain. Returns false on timeout
// so the caller can retry with a longer bound.
func (c *CommitLatch) finishAcquireExclusive(ctx context.Context, timeout time.Duration) (bool, error) {
	// Signal that shared holds cannot be granted anymore.
	c.exclusiveG.Store(goid.Get())

	if c.HasSharedLockers() {
		// Drop any stale drain signal before waiting.
		select {
		case <-c.drained:
		default:
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		var done <-chan struct{}
		if ctx != nil {
			done = ctx.Done()
		}

		for c.HasSharedLockers() {
			select {
			case <-c.drained:
			case <-timer.C:
				if c.HasSharedLockers() {
					c.exclusiveG.Store(0)
					return false, nil
				}
			case <-done:
				return false, ctx.Err()
			}
		}
	}

	c.adjustReentrant(1)
	return true, nil
}

// ReleaseExclusive releases the exclusive hold and reopens the gate for
// shared acquisitions.
func (c *CommitLatch) ReleaseExclusive() {
	c.exclusiveG.Store(0)
	c.exclusiveLatch.ReleaseExclusive()
	c.adjustReentrant(-1)
}

// HasQueued reports whether any goroutines are parked on the inner latch.
func (c *CommitLatch) HasQueued() bool {
	return c.exclusiveLatch.HasQueued()
}

// HasSharedLockers reports whether any shared holds are outstanding. The
// release sum is read before the acquire sum; the reverse order could observe
// a release before its matching acquire.
func (c *CommitLatch) HasSharedLockers() bool {
	return c.sharedRelease.Sum() != c.sharedAcquire.Sum()
}
