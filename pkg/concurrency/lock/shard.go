package lock

import (
	"bytes"
	"context"
	"time"

	"lockstore/pkg/concurrency/latch"
)

const (
	initialBuckets = 16

	// Records released back to a shard's pool, to bound retained memory.
	maxPooledLocks = 32
)

// shard is one bucket of the lock manager: a latch-guarded chained hash
// table of Lock records. All record state, queue membership, and bucket
// structure mutate only under the shard latch held exclusively.
type shard struct {
	latch latch.Latch

	buckets   []*Lock
	size      int
	shardBits uint32
	rule      UpgradeRule

	// Pooled records, chained through their next links.
	free      *Lock
	freeCount int
}

func newShard(shardBits uint32, rule UpgradeRule) *shard {
	return &shard{
		buckets:   make([]*Lock, initialBuckets),
		shardBits: shardBits,
		rule:      rule,
	}
}

func (sh *shard) bucketIndex(hash uint32) uint32 {
	return (hash >> sh.shardBits) & uint32(len(sh.buckets)-1)
}

// find locates an existing record. Caller must hold the shard latch.
func (sh *shard) find(indexID uint64, key []byte, hash uint32) *Lock {
	for lk := sh.buckets[sh.bucketIndex(hash)]; lk != nil; lk = lk.next {
		if lk.indexID == indexID && bytes.Equal(lk.key, key) {
			return lk
		}
	}
	return nil
}

// findOrCreate locates or inserts a record, growing the table when the load
// threshold is crossed. Caller must hold the shard latch.
func (sh *shard) findOrCreate(indexID uint64, key []byte, hash uint32) *Lock {
	if lk := sh.find(indexID, key, hash); lk != nil {
		return lk
	}

	if sh.size >= len(sh.buckets)*3/4 {
		sh.grow()
	}

	lk := sh.allocLock()
	lk.indexID = indexID
	lk.key = key
	lk.hash = hash

	idx := sh.bucketIndex(hash)
	lk.next = sh.buckets[idx]
	sh.buckets[idx] = lk
	sh.size++
	return lk
}

func (sh *shard) grow() {
	old := sh.buckets
	sh.buckets = make([]*Lock, len(old)*2)
	for _, lk := range old {
		for lk != nil {
			next := lk.next
			idx := sh.bucketIndex(lk.hash)
			lk.next = sh.buckets[idx]
			sh.buckets[idx] = lk
			lk = next
		}
	}
}

func (sh *shard) allocLock() *Lock {
	if lk := sh.free; lk != nil {
		sh.free = lk.next
		sh.freeCount--
		lk.next = nil
		return lk
	}
	return &Lock{}
}

// discardIfUnreferenced removes a record that no locker holds or waits on
// and returns it to the pool. Caller must hold the shard latch.
func (sh *shard) discardIfUnreferenced(lk *Lock) {
	if !lk.unreferenced() {
		return
	}

	idx := sh.bucketIndex(lk.hash)
	var prev *Lock
	for cur := sh.buckets[idx]; cur != nil; cur = cur.next {
		if cur == lk {
			if prev == nil {
				sh.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			sh.size--
			break
		}
		prev = cur
	}

	*lk = Lock{}
	if sh.freeCount < maxPooledLocks {
		lk.next = sh.free
		sh.free = lk
		sh.freeCount++
	}
}

// lockShared implements the shared try-lock protocol of the manager.
func (sh *shard) lockShared(ctx context.Context, l *Locker, indexID uint64, key []byte, hash uint32, timeout time.Duration) (Result, *Lock) {
	sh.latch.AcquireExclusive()
	lk := sh.findOrCreate(indexID, key, hash)

	r, wait := lk.tryShared(l)
	if !wait {
		sh.latch.ReleaseExclusive()
		return r, lk
	}
	if timeout == 0 {
		sh.discardIfUnreferenced(lk)
		sh.latch.ReleaseExclusive()
		return TimedOutLock, lk
	}

	w := newLockWaiter(l, waitShared)
	lk.queueSX.enqueue(w)
	l.waitingFor.Store(lk)
	sh.latch.ReleaseExclusive()

	return sh.await(ctx, lk, w, timeout, nil), lk
}

// lockUpgradable implements the upgradable try-lock protocol.
func (sh *shard) lockUpgradable(ctx context.Context, l *Locker, indexID uint64, key []byte, hash uint32, timeout time.Duration) (Result, *Lock) {
	sh.latch.AcquireExclusive()
	lk := sh.findOrCreate(indexID, key, hash)

	r, wait := lk.tryUpgradable(l, sh.rule)
	if !wait {
		sh.discardIfUnreferenced(lk)
		sh.latch.ReleaseExclusive()
		return r, lk
	}
	if timeout == 0 {
		sh.discardIfUnreferenced(lk)
		sh.latch.ReleaseExclusive()
		return TimedOutLock, lk
	}

	w := newLockWaiter(l, waitUpgradable)
	lk.queueU.enqueue(w)
	l.waitingFor.Store(lk)
	sh.latch.ReleaseExclusive()

	return sh.await(ctx, lk, w, timeout, nil), lk
}

// lockExclusive implements the two-phase exclusive protocol: first obtain
// the upgradable mode (possibly waiting in queueU), then wait in queueSX for
// the shared count to drain before converting. A phase-two abort backs out
// whatever phase one acquired within this request.
func (sh *shard) lockExclusive(ctx context.Context, l *Locker, indexID uint64, key []byte, hash uint32, timeout time.Duration) (Result, *Lock) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	sh.latch.AcquireExclusive()
	lk := sh.findOrCreate(indexID, key, hash)

	r1, wait := lk.tryUpgradable(l, sh.rule)
	if r1 == OwnedExclusive || r1 == Illegal {
		sh.discardIfUnreferenced(lk)
		sh.latch.ReleaseExclusive()
		return r1, lk
	}
	if wait {
		if timeout == 0 {
			sh.discardIfUnreferenced(lk)
			sh.latch.ReleaseExclusive()
			return TimedOutLock, lk
		}
		w := newLockWaiter(l, waitUpgradableForX)
		lk.queueU.enqueue(w)
		l.waitingFor.Store(lk)
		sh.latch.ReleaseExclusive()

		r1 = sh.await(ctx, lk, w, remaining(deadline, timeout), nil)
		if !r1.IsHeld() {
			return r1, lk
		}
		sh.latch.AcquireExclusive()
	}

	// The upgradable mode is now held. Acquired means it was taken fresh in
	// this request; Upgraded means promoted from this locker's shared hold;
	// OwnedUpgradable means it was held before the call.
	terminal := Upgraded
	if r1 == Acquired {
		terminal = Acquired
	}

	if lk.canConvertExclusive(l) {
		lk.convertExclusive(l)
		sh.latch.ReleaseExclusive()
		return terminal, lk
	}

	if timeout == 0 {
		sh.backoutUpgradable(l, lk, r1)
		sh.discardIfUnreferenced(lk)
		sh.latch.ReleaseExclusive()
		return TimedOutLock, lk
	}

	w := newLockWaiter(l, waitExclusive)
	w.terminal = terminal
	lk.queueSX.enqueue(w)
	l.waitingFor.Store(lk)
	sh.latch.ReleaseExclusive()

	return sh.await(ctx, lk, w, remaining(deadline, timeout), func() {
		sh.backoutUpgradable(l, lk, r1)
	}), lk
}

// backoutUpgradable undoes the upgradable acquisition of an aborted
// exclusive request: a fresh acquisition is fully released, a promotion is
// demoted back to the shared hold it came from, and a mode held before the
// request is left alone. Caller must hold the shard latch.
func (sh *shard) backoutUpgradable(l *Locker, lk *Lock, r1 Result) {
	switch r1 {
	case Acquired:
		lk.release(l)
	case Upgraded:
		lk.owner = nil
		lk.addSharedOwner(l)
		lk.count = (lk.count &^ countUpgradable) + 1
		lk.wakeWaiters()
	}
}

// remaining converts an absolute deadline back into a wait bound. A negative
// timeout means no deadline was set.
func remaining(deadline time.Time, timeout time.Duration) time.Duration {
	if timeout < 0 {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// await parks the caller until granted, timed out, or cancelled. On an abort
// the waiter removes itself from the lock's queues under the shard latch,
// runs onAbort (if any) to restore lock state, and discards the record if it
// became unreferenced. A grant that raced with the abort wins. The locker's
// waitingFor field is cleared on success and on cancellation, but left set
// after a timeout so the deadlock detector can inspect it.
func (sh *shard) await(ctx context.Context, lk *Lock, w *lockWaiter, timeout time.Duration, onAbort func()) Result {
	var timec <-chan time.Time
	if timeout == 0 {
		// Deadline elapsed between phases.
		return sh.abortWait(lk, w, TimedOutLock, onAbort)
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timec = timer.C
	}
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	select {
	case r := <-w.wake:
		w.locker.waitingFor.Store(nil)
		return r
	case <-timec:
		return sh.abortWait(lk, w, TimedOutLock, onAbort)
	case <-done:
		return sh.abortWait(lk, w, Interrupted, onAbort)
	}
}

func (sh *shard) abortWait(lk *Lock, w *lockWaiter, r Result, onAbort func()) Result {
	sh.latch.AcquireExclusive()
	if w.granted {
		sh.latch.ReleaseExclusive()
		w.locker.waitingFor.Store(nil)
		return w.result
	}
	switch w.kind {
	case waitShared, waitExclusive:
		lk.queueSX.remove(w)
	default:
		lk.queueU.remove(w)
	}
	if onAbort != nil {
		onAbort()
	}
	sh.discardIfUnreferenced(lk)
	sh.latch.ReleaseExclusive()

	if r == Interrupted {
		w.locker.waitingFor.Store(nil)
	}
	return r
}

// unlock fully releases a held lock and discards the record if unreferenced.
func (sh *shard) unlock(h holder, lk *Lock) {
	sh.latch.AcquireExclusive()
	lk.release(h)
	sh.discardIfUnreferenced(lk)
	sh.latch.ReleaseExclusive()
}

func (sh *shard) unlockToShared(l *Locker, lk *Lock) {
	sh.latch.AcquireExclusive()
	lk.releaseToShared(l)
	sh.latch.ReleaseExclusive()
}

func (sh *shard) unlockToUpgradable(l *Locker, lk *Lock) {
	sh.latch.AcquireExclusive()
	lk.releaseToUpgradable(l)
	sh.latch.ReleaseExclusive()
}

// transferExclusive moves an exclusively held lock onto a pending
// transaction, leaving the wait queues untouched. Any other held mode is
// fully released instead. The pending object is created lazily.
func (sh *shard) transferExclusive(l *Locker, lk *Lock, p *PendingTxn) *PendingTxn {
	sh.latch.AcquireExclusive()
	if lk.count == countExclusive && lk.ownedBy(l) {
		if p == nil {
			p = newPendingTxn(l.manager)
		}
		lk.owner = p
		p.locks = append(p.locks, lk)
	} else {
		lk.release(l)
		sh.discardIfUnreferenced(lk)
	}
	sh.latch.ReleaseExclusive()
	return p
}

// check reports how l holds the identified lock, if at all.
func (sh *shard) check(l *Locker, indexID uint64, key []byte, hash uint32) Result {
	sh.latch.AcquireExclusive()
	r := Unowned
	if lk := sh.find(indexID, key, hash); lk != nil {
		r = lk.checkOwnership(l)
	}
	sh.latch.ReleaseExclusive()
	return r
}
