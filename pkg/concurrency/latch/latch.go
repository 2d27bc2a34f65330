package latch

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Latch state word encoding. The entire mode of the latch lives in one 32-bit
// word so that the uncontended paths are a single compare-and-swap:
//
//	unlatched:  0                        latch is available
//	shared:     1..0x7fffffff           latch is held shared by N readers
//	exclusive:  minInt32                 latch is held exclusively
//	xshared:    minInt32|1..             latch is held shared AND exclusive is
//	                                     requested; new shared requests queue
const (
	Unlatched = int32(0)
	Exclusive = int32(math.MinInt32)
	Shared    = int32(1)
)

var spinLimit = runtime.NumCPU()

// spin cooperatively yields once the CAS retry budget is exhausted.
func spin(trials int) int {
	trials++
	if trials >= spinLimit {
		runtime.Gosched()
		trials = 0
	}
	return trials
}

// Latch is a multi-mode reader/writer gate tuned for very high reader
// concurrency. Acquisition barges ahead of queued waiters when the state word
// permits it; a waiter that loses such a race marks itself denied, forcing
// the next releaser to hand the latch off fairly instead. FIFO order is
// preserved among queued waiters of the same mode.
//
// The zero value is an unheld latch, ready for use. A Latch must not be
// copied after first use.
type Latch struct {
	state atomic.Int32

	// Wait queue, guarded by qmu. Fast-path acquires never take the queue
	// mutex; ReleaseExclusive, and a ReleaseShared that drops the count to
	// zero, take it to check for waiters.
	qmu   sync.Mutex
	qhead *waitNode
	qtail *waitNode
}

// waitNode is one queued waiter. The flags granted and denied are only read
// and written under the owning latch's qmu, which is what makes the handoff
// race-free: a releaser either grants under qmu or wakes for a re-race, never
// both.
type waitNode struct {
	next    *waitNode
	wake    chan struct{}
	shared  bool
	denied  bool
	granted bool
	removed bool
}

func newWaitNode(shared bool) *waitNode {
	return &waitNode{wake: make(chan struct{}, 1), shared: shared}
}

func (n *waitNode) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// TryAcquireExclusive tries to acquire the exclusive latch, barging ahead of
// any waiting goroutines if possible.
func (l *Latch) TryAcquireExclusive() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, Exclusive)
}

// AcquireExclusive acquires the exclusive latch, barging ahead of any waiting
// goroutines if possible.
func (l *Latch) AcquireExclusive() {
	trials := 0
	for {
		s := l.state.Load()
		if s == 0 {
			if l.state.CompareAndSwap(0, Exclusive) {
				return
			}
		} else {
			// Shared latches prevent an exclusive latch from being
			// immediately acquired, but no new shared latches can be granted
			// once the exclusive bit is set.
			if s > 0 && !l.state.CompareAndSwap(s, s|Exclusive) {
				trials = spin(trials)
				continue
			}
			l.acquireQueued(newWaitNode(false), nil, -1)
			return
		}
		trials = spin(trials)
	}
}

// AcquireExclusiveTimed acquires the exclusive latch, aborting on timeout or
// context cancellation. A negative timeout means wait forever. Returns false
// with a nil error on timeout, and false with ctx.Err() on cancellation.
func (l *Latch) AcquireExclusiveTimed(ctx context.Context, timeout time.Duration) (bool, error) {
	trials := 0
	for {
		s := l.state.Load()
		if s == 0 {
			if l.state.CompareAndSwap(0, Exclusive) {
				return true, nil
			}
		} else {
			if timeout == 0 {
				return false, nil
			}
			if s > 0 && !l.state.CompareAndSwap(s, s|Exclusive) {
				trials = spin(trials)
				continue
			}
			return l.acquireQueued(newWaitNode(false), ctx, timeout)
		}
		trials = spin(trials)
	}
}

// TryAcquireShared tries to acquire a shared latch, barging ahead of any
// waiting goroutines if possible.
func (l *Latch) TryAcquireShared() bool {
	s := l.state.Load()
	return s >= 0 && l.state.CompareAndSwap(s, s+1)
}

// WeakAcquireShared is like TryAcquireShared, except it parks and waits when
// the latch is held exclusively instead of failing. It never spins: a single
// lost CAS race reports failure.
func (l *Latch) WeakAcquireShared() bool {
	s := l.state.Load()
	if s < 0 {
		l.acquireQueued(newWaitNode(true), nil, -1)
		return true
	}
	return l.state.CompareAndSwap(s, s+1)
}

// AcquireShared acquires a shared latch, barging ahead of any waiting
// goroutines if possible.
func (l *Latch) AcquireShared() {
	trials := 0
	for {
		s := l.state.Load()
		if s < 0 {
			l.acquireQueued(newWaitNode(true), nil, -1)
			return
		}
		if l.state.CompareAndSwap(s, s+1) {
			return
		}
		trials = spin(trials)
	}
}

// AcquireSharedTimed acquires a shared latch, aborting on timeout or context
// cancellation. A negative timeout means wait forever.
func (l *Latch) AcquireSharedTimed(ctx context.Context, timeout time.Duration) (bool, error) {
	trials := 0
	for {
		s := l.state.Load()
		if s < 0 {
			if timeout == 0 {
				return false, nil
			}
			return l.acquireQueued(newWaitNode(true), ctx, timeout)
		}
		if l.state.CompareAndSwap(s, s+1) {
			return true, nil
		}
		trials = spin(trials)
	}
}

// TryUpgrade attempts to convert a held shared latch into an exclusive latch.
// Upgrade fails if the shared latch is held by more than one goroutine. On
// success the caller must later call ReleaseExclusive instead of
// ReleaseShared.
func (l *Latch) TryUpgrade() bool {
	for {
		s := l.state.Load()
		if s&^Exclusive != 1 {
			return false
		}
		if l.state.CompareAndSwap(s, Exclusive) {
			return true
		}
		// Retry if only the exclusive bit flipped. The bit usually switches
		// on, not off, so spin yielding doesn't help here.
	}
}

// Downgrade converts the held exclusive latch into a shared latch. The caller
// must later call ReleaseShared instead of ReleaseExclusive. A contiguous
// prefix of queued shared waiters is woken; if an exclusive waiter is
// reached, the exclusive bit is set so no new shared latches are granted
// ahead of it.
func (l *Latch) Downgrade() {
	l.state.Store(1)

	l.qmu.Lock()
	l.grantSharedPrefixLocked()
	l.qmu.Unlock()
}

// grantSharedPrefixLocked wakes the contiguous run of shared waiters at the
// head of the queue, transferring one shared count to each. If the head is an
// exclusive waiter instead, the exclusive bit is set. Caller must hold qmu.
func (l *Latch) grantSharedPrefixLocked() {
	for {
		n := l.qhead
		if n == nil {
			return
		}
		if !n.shared {
			// An exclusive waiter is in the queue, so disallow new shared
			// latches by setting the exclusive bit alongside the nonzero
			// shared count.
			for {
				s := l.state.Load()
				if s < 0 || l.state.CompareAndSwap(s, s|Exclusive) {
					return
				}
			}
		}
		l.dequeueLocked(n)
		l.state.Add(1)
		n.granted = true
		n.signal()
	}
}

// ReleaseExclusive releases the held exclusive latch. If the head waiter is
// shared, the release behaves as a combined downgrade and shared release. If
// the head waiter is exclusive and was previously denied a handoff, ownership
// transfers to it directly; otherwise it is woken to race for the latch.
func (l *Latch) ReleaseExclusive() {
	l.qmu.Lock()
	n := l.qhead

	if n == nil {
		l.state.Store(0)
		l.qmu.Unlock()
		return
	}

	if n.shared {
		// Combined downgrade and shared release: hold one shared count while
		// waking the prefix, so an exclusive barger cannot take ownership
		// mid-grant, then give the count back.
		l.state.Store(1)
		l.grantSharedPrefixLocked()
		l.qmu.Unlock()
		l.ReleaseShared()
		return
	}

	if n.denied {
		// Fair handoff: the state word stays exclusive and ownership passes
		// to the head waiter.
		l.dequeueLocked(n)
		n.granted = true
		l.qmu.Unlock()
		n.signal()
		return
	}

	// Unpark the waiter, but allow another goroutine to barge in.
	l.state.Store(0)
	l.qmu.Unlock()
	n.signal()
}

// Release releases the held latch in the given mode.
func (l *Latch) Release(exclusive bool) {
	if exclusive {
		l.ReleaseExclusive()
	} else {
		l.ReleaseShared()
	}
}

// ReleaseEither releases an exclusive or shared latch, inferring the mode
// from the state word.
func (l *Latch) ReleaseEither() {
	if l.state.Load() == Exclusive {
		l.ReleaseExclusive()
	} else {
		l.ReleaseShared()
	}
}

// ReleaseShared releases a held shared latch.
func (l *Latch) ReleaseShared() {
	trials := 0
	for {
		s := l.state.Load()
		if s < 0 {
			// An exclusive request is pending in the queue.
			if l.state.CompareAndSwap(s, s-1) {
				if s-1 == Exclusive {
					// This goroutine just released the last shared latch and
					// now owns the exclusive latch. Release it for the next
					// in the queue.
					l.ReleaseExclusive()
				}
				return
			}
		} else {
			if l.state.CompareAndSwap(s, s-1) {
				if s-1 == 0 {
					l.wakeIfQueuedAfterZero()
				}
				return
			}
		}
		trials = spin(trials)
	}
}

// wakeIfQueuedAfterZero handles the race between dropping the count to zero
// and a concurrent enqueue. If waiters are present and the latch can be
// immediately re-acquired, ownership is taken and handed off through
// ReleaseExclusive. If it cannot be re-acquired, the barger that took it will
// unpark the waiters when it releases.
func (l *Latch) wakeIfQueuedAfterZero() {
	l.qmu.Lock()
	queued := l.qhead != nil
	l.qmu.Unlock()
	if queued && l.state.CompareAndSwap(0, Exclusive) {
		l.ReleaseExclusive()
	}
}

// acquireQueued enqueues the node, makes one more acquisition attempt to
// close the race with a release that happened before the enqueue, and then
// parks until granted, acquired, timed out, or cancelled. A negative timeout
// parks forever; ctx may be nil.
func (l *Latch) acquireQueued(n *waitNode, ctx context.Context, timeout time.Duration) (bool, error) {
	l.qmu.Lock()
	if l.qtail == nil {
		l.qhead = n
	} else {
		l.qtail.next = n
	}
	l.qtail = n
	l.qmu.Unlock()

	var timer *time.Timer
	var timec <-chan time.Time
	if timeout >= 0 {
		timer = time.NewTimer(timeout)
		timec = timer.C
		defer timer.Stop()
	}
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	for {
		if l.selfAcquire(n) {
			return true, nil
		}

		select {
		case <-n.wake:
			l.qmu.Lock()
			granted := n.granted
			l.qmu.Unlock()
			if granted {
				return true, nil
			}
			// Lost the race to a barger. Request fair handoff next time.
			if !n.shared {
				l.qmu.Lock()
				n.denied = true
				// The wake and the barge may interleave such that the grant
				// arrives while the denied flag is being set.
				granted = n.granted
				l.qmu.Unlock()
				if granted {
					return true, nil
				}
			}

		case <-timec:
			if l.abandon(n) {
				return true, nil
			}
			return false, nil

		case <-done:
			if l.abandon(n) {
				return true, nil
			}
			return false, ctx.Err()
		}
	}
}

// selfAcquire attempts to take the latch while the node remains queued,
// mirroring the barging acquisition of an unqueued caller. Returns true if
// the latch was acquired (the node is dequeued); false if the caller should
// park.
func (l *Latch) selfAcquire(n *waitNode) bool {
	if n.shared {
		for {
			s := l.state.Load()
			if s < 0 {
				return false
			}
			if l.state.CompareAndSwap(s, s+1) {
				l.qmu.Lock()
				if n.granted {
					// A releaser granted this node a count concurrently with
					// the self acquisition. Give one of the two back.
					l.state.Add(-1)
				} else {
					l.dequeueLocked(n)
				}
				l.qmu.Unlock()
				return true
			}
		}
	}
	for {
		s := l.state.Load()
		if s < 0 {
			return false
		}
		if l.state.CompareAndSwap(s, s|Exclusive) {
			if s != 0 {
				// The exclusive bit is set but shared latches remain; park
				// until the count drains.
				return false
			}
			l.qmu.Lock()
			if n.granted {
				// Cannot happen for exclusive: grants keep the state word
				// exclusive, which the CAS above would have observed. Kept as
				// a consistency check.
				l.qmu.Unlock()
				return true
			}
			l.dequeueLocked(n)
			l.qmu.Unlock()
			return true
		}
	}
}

// abandon removes a timed-out or cancelled node from the queue. If a grant
// raced with the abort, the grant wins and abandon reports true: the caller
// owns the latch in the requested mode. For an abandoned exclusive request,
// a stray xshared state left with no remaining exclusive waiter is repaired,
// otherwise the state could later become exclusive without an owner.
func (l *Latch) abandon(n *waitNode) bool {
	l.qmu.Lock()
	if n.granted {
		l.qmu.Unlock()
		return true
	}
	l.dequeueLocked(n)

	if !n.shared && !l.exclusiveQueuedLocked() {
		for {
			s := l.state.Load()
			if s >= 0 || s == Exclusive {
				// Unheld, shared-only, or genuinely owned exclusive.
				break
			}
			if l.state.CompareAndSwap(s, s&^Exclusive) {
				// The bit is clear again; shared waiters queued behind the
				// abandoned request would otherwise park forever.
				l.grantSharedPrefixLocked()
				break
			}
		}
	}
	l.qmu.Unlock()
	return false
}

// exclusiveQueuedLocked reports whether any queued waiter wants the exclusive
// mode. Caller must hold qmu.
func (l *Latch) exclusiveQueuedLocked() bool {
	for n := l.qhead; n != nil; n = n.next {
		if !n.shared {
			return true
		}
	}
	return false
}

// HasQueued reports whether any goroutines are parked on this latch.
func (l *Latch) HasQueued() bool {
	l.qmu.Lock()
	queued := l.qhead != nil
	l.qmu.Unlock()
	return queued
}

// dequeueLocked splices the node out of the queue. Caller must hold qmu.
// Safe to call for a node that was already removed.
func (l *Latch) dequeueLocked(n *waitNode) {
	if n.removed {
		return
	}
	var prev *waitNode
	for cur := l.qhead; cur != nil; cur = cur.next {
		if cur == n {
			if prev == nil {
				l.qhead = cur.next
			} else {
				prev.next = cur.next
			}
			if l.qtail == cur {
				l.qtail = prev
			}
			n.next = nil
			n.removed = true
			return
		}
		prev = cur
	}
}
