package lock

import (
	"context"
	"sync/atomic"
	"time"

	"lockstore/pkg/logging"
)

// Locker accumulates a scoped stack of locks, bound to arbitrary keys. A
// Locker is not safe for concurrent use: at most one goroutine may invoke
// operations on it at a time. Lockers can be exchanged between goroutines,
// as long as a happens-before relationship is established by the caller.
// Without proper exclusion, multiple goroutines interacting with a Locker
// may corrupt its stack blocks.
type Locker struct {
	manager *Manager

	parent *scopeFrame

	// Stack tail. The first acquisition is stored inline in tailLock to
	// avoid allocating a block for small transactions; once a second entry
	// is pushed, the stack switches to chained blocks. It returns to the
	// inline form only when the stack empties or a scope exit restores an
	// inline snapshot. At most one of the two fields is non-nil.
	tailLock  *Lock
	tailBlock *block

	// waitingFor is set while blocked on a lock and read by the deadlock
	// detector from other goroutines.
	waitingFor atomic.Pointer[Lock]

	// Timeout is the default wait bound callers may pass to lock
	// operations. It is saved and restored across scopes. Negative means
	// wait forever.
	Timeout time.Duration
}

// scopeFrame remembers the stack tail at a scope entry, so the scope exit
// can release exactly what was acquired since.
type scopeFrame struct {
	parent *scopeFrame

	tailLock  *Lock
	tailBlock *block
	// Must be zero unless tailBlock is set.
	tailBlockSize int

	timeout time.Duration
}

func (l *Locker) asLocker() *Locker {
	return l
}

// lockType selects the requested mode in the internal lock path.
type lockType int

const (
	typeShared lockType = iota
	typeUpgradable
	typeExclusive
)

// doLock dispatches one lock request to the owning shard and performs the
// stack bookkeeping for a fresh acquisition or upgrade.
func (l *Locker) doLock(ctx context.Context, t lockType, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	m := l.manager
	if m == nil {
		return Unowned, ErrBogusLocker
	}
	if err := m.errIfUnusable(); err != nil {
		return Unowned, err
	}

	hash := m.hash(indexID, key)
	sh := m.shardFor(hash)

	var r Result
	var lk *Lock
	switch t {
	case typeShared:
		r, lk = sh.lockShared(ctx, l, indexID, key, hash, timeout)
	case typeUpgradable:
		r, lk = sh.lockUpgradable(ctx, l, indexID, key, hash, timeout)
	default:
		r, lk = sh.lockExclusive(ctx, l, indexID, key, hash, timeout)
	}

	switch r {
	case Acquired:
		l.push(lk, false)
	case Upgraded:
		l.push(lk, true)
	}
	return r, nil
}

// detectDeadlock runs after a timed-out request. If the detector proves a
// cycle through this locker's waited-for lock, a DeadlockError replaces the
// plain timeout. The waitingFor reference is cleared either way.
func (l *Locker) detectDeadlock(timeout time.Duration) error {
	if l.waitingFor.Load() == nil {
		return nil
	}
	defer l.waitingFor.Store(nil)

	d := newDeadlockDetector(l)
	if !d.scan() {
		return nil
	}
	logging.GetLogger().Debugw("deadlock detected",
		"participants", d.set.Len(), "timeout", timeout)
	return &DeadlockError{Timeout: timeout, Guilty: d.guilty, Set: d.set}
}

// tryLock makes one lock attempt, reporting failures through the result
// rather than an error. The only error returned is a DeadlockError raised
// after a timed-out wait, or a usage failure (bogus locker, closed manager).
func (l *Locker) tryLock(ctx context.Context, t lockType, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	r, err := l.doLock(ctx, t, indexID, key, timeout)
	if err != nil {
		return r, err
	}
	if r == TimedOutLock {
		if derr := l.detectDeadlock(timeout); derr != nil {
			return r, derr
		}
	}
	return r, nil
}

// lock makes one lock attempt and converts any non-held result into an
// error.
func (l *Locker) lock(ctx context.Context, t lockType, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	r, err := l.doLock(ctx, t, indexID, key, timeout)
	if err != nil {
		return r, err
	}
	if r.IsHeld() {
		return r, nil
	}
	if r == TimedOutLock {
		if derr := l.detectDeadlock(timeout); derr != nil {
			return r, derr
		}
	}
	return r, failed(r, timeout)
}

// TryLockShared attempts to acquire a shared lock for the given key, denying
// exclusive locks. If the result reports the lock as already owned, the
// locker held a strong enough lock and no extra unlock should be performed.
// A negative timeout waits forever. The key buffer is not cloned.
func (l *Locker) TryLockShared(ctx context.Context, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.tryLock(ctx, typeShared, indexID, key, timeout)
}

// LockShared is like TryLockShared, but a result other than held converts
// into an error.
func (l *Locker) LockShared(ctx context.Context, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.lock(ctx, typeShared, indexID, key, timeout)
}

// TryLockUpgradable attempts to acquire an upgradable lock for the given
// key, denying exclusive and additional upgradable locks. An Illegal result
// means the locker holds a shared lock which the upgrade rule refuses to
// promote.
func (l *Locker) TryLockUpgradable(ctx context.Context, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.tryLock(ctx, typeUpgradable, indexID, key, timeout)
}

// LockUpgradable is like TryLockUpgradable, but a result other than held
// converts into an error.
func (l *Locker) LockUpgradable(ctx context.Context, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.lock(ctx, typeUpgradable, indexID, key, timeout)
}

// TryLockExclusive attempts to acquire an exclusive lock for the given key,
// denying any additional locks. The result is Upgraded when a mode already
// held was promoted within this request.
func (l *Locker) TryLockExclusive(ctx context.Context, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.tryLock(ctx, typeExclusive, indexID, key, timeout)
}

// LockExclusive is like TryLockExclusive, but a result other than held
// converts into an error.
func (l *Locker) LockExclusive(ctx context.Context, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.lock(ctx, typeExclusive, indexID, key, timeout)
}

// Check reports the lock ownership this locker has for the given key.
func (l *Locker) Check(indexID uint64, key []byte) Result {
	if l.manager == nil {
		return Unowned
	}
	return l.manager.Check(l, indexID, key)
}

// IsNested reports whether the current scope is nested.
func (l *Locker) IsNested() bool {
	return l.parent != nil
}

// NestingLevel counts the scope nesting level; zero when non-nested.
func (l *Locker) NestingLevel() int {
	count := 0
	for f := l.parent; f != nil; f = f.parent {
		count++
	}
	return count
}

func (l *Locker) peek() (*Lock, error) {
	if l.tailLock != nil {
		return l.tailLock, nil
	}
	if l.tailBlock != nil {
		return l.tailBlock.last(), nil
	}
	return nil, errNoLocksHeld
}

// LastLockedIndex returns the index ID of the last lock acquired within the
// current scope.
func (l *Locker) LastLockedIndex() (uint64, error) {
	lk, err := l.peek()
	if err != nil {
		return 0, err
	}
	return lk.indexID, nil
}

// LastLockedKey returns the key of the last lock acquired within the current
// scope. The returned buffer is not cloned.
func (l *Locker) LastLockedKey() ([]byte, error) {
	lk, err := l.peek()
	if err != nil {
		return nil, err
	}
	return lk.key, nil
}

// topCrossesScope reports whether the top stack entry was acquired in an
// enclosing scope, in which case immediate-release operations refuse it.
func (l *Locker) topCrossesScope() bool {
	p := l.parent
	if p == nil {
		return false
	}
	if l.tailLock != nil {
		return p.tailLock == l.tailLock
	}
	b := l.tailBlock
	if b == nil {
		return false
	}
	if p.tailLock != nil {
		// The inline snapshot moved into slot 0 of the bottom block when
		// this scope grew the stack.
		return b.prev == nil && b.size == 1 && b.locks[0] == p.tailLock
	}
	return p.tailBlock == b && p.tailBlockSize == b.size
}

// Unlock fully releases the last lock acquired within the current scope. If
// the last operation was an upgrade of a lock not immediately acquired,
// unlock is not allowed and an error is returned. Releasing a lock acquired
// in an enclosing scope is an explicit error rather than undefined behavior.
func (l *Locker) Unlock() error {
	if l.tailLock == nil && l.tailBlock == nil {
		return errNoLocksHeld
	}
	if l.topCrossesScope() {
		return errCrossScopeUnlock
	}
	if l.tailLock != nil {
		lk := l.tailLock
		l.tailLock = nil
		l.manager.unlock(l, lk)
		return nil
	}
	return l.tailBlock.unlockLast(l)
}

// UnlockToShared releases the last lock acquired within the current scope,
// retaining a shared lock.
func (l *Locker) UnlockToShared() error {
	if l.tailLock == nil && l.tailBlock == nil {
		return errNoLocksHeld
	}
	if l.topCrossesScope() {
		return errCrossScopeUnlock
	}
	if l.tailLock != nil {
		l.manager.unlockToShared(l, l.tailLock)
		return nil
	}
	return l.tailBlock.unlockLastToShared(l)
}

// UnlockToUpgradable releases the last lock acquired or upgraded within the
// current scope, retaining an upgradable lock.
func (l *Locker) UnlockToUpgradable() error {
	if l.tailLock == nil && l.tailBlock == nil {
		return errNoLocksHeld
	}
	if l.topCrossesScope() {
		return errCrossScopeUnlock
	}
	if l.tailLock != nil {
		l.manager.unlockToUpgradable(l, l.tailLock)
		return nil
	}
	l.tailBlock.unlockLastToUpgradable(l)
	return nil
}

// ScopeEnter pushes a new scope, snapshotting the current stack tail.
func (l *Locker) ScopeEnter() {
	f := &scopeFrame{
		parent:    l.parent,
		tailLock:  l.tailLock,
		tailBlock: l.tailBlock,
		timeout:   l.Timeout,
	}
	if f.tailBlock != nil {
		f.tailBlockSize = f.tailBlock.size
	}
	l.parent = f
}

// Promote merges all locks acquired within this scope into the parent scope.
func (l *Locker) Promote() {
	p := l.parent
	if p == nil {
		return
	}
	if l.tailBlock != nil {
		p.tailLock = nil
		p.tailBlock = l.tailBlock
		p.tailBlockSize = l.tailBlock.size
	} else if l.tailLock != nil {
		p.tailLock = l.tailLock
		p.tailBlock = nil
		p.tailBlockSize = 0
	}
}

// ScopeUnlockAll releases all locks acquired within the current scope,
// without popping the scope frame. If not in a scope, all held locks are
// released.
func (l *Locker) ScopeUnlockAll() {
	p := l.parent
	if p == nil || (p.tailLock == nil && p.tailBlock == nil) {
		// Unlock everything.
		if l.tailLock != nil {
			l.manager.unlock(l, l.tailLock)
			l.tailLock = nil
		} else {
			for b := l.tailBlock; b != nil; {
				b.unlockToSavepoint(l, 0)
				b = b.pop()
			}
			l.tailBlock = nil
		}
		return
	}

	if p.tailLock != nil {
		// The parent snapshot is a single inline lock. If this scope grew
		// the stack into blocks, that lock sits in slot 0 of the bottom
		// block; release everything above it. The stack stays in block
		// representation until the scope frame is popped.
		if l.tailBlock != nil {
			tail := l.tailBlock
			for {
				prev := tail.prev
				if prev == nil {
					tail.unlockToSavepoint(l, 1)
					break
				}
				tail.unlockToSavepoint(l, 0)
				tail.prev = nil
				tail = prev
			}
			l.tailBlock = tail
		}
		return
	}

	tail := l.tailBlock
	for tail != p.tailBlock {
		tail.unlockToSavepoint(l, 0)
		tail = tail.pop()
	}
	tail.unlockToSavepoint(l, p.tailBlockSize)
	l.tailBlock = tail
}

// ScopeExit exits the current scope, releasing all locks acquired within it
// and restoring the stack to its state at the matching ScopeEnter.
func (l *Locker) ScopeExit() {
	l.ScopeUnlockAll()
	l.popScope()
}

// ScopeExitAll releases all held locks and exits all scopes.
func (l *Locker) ScopeExitAll() {
	l.parent = nil
	l.ScopeUnlockAll()
	l.tailBlock = nil
	l.tailLock = nil
}

// DiscardAllLocks abandons all held locks and exits all scopes. The locks
// are never released; they leak deliberately. Only call in response to a
// fatal error, when releasing could expose inconsistent state.
func (l *Locker) DiscardAllLocks() {
	l.parent = nil
	l.tailLock = nil
	l.tailBlock = nil
}

// TransferExclusive hands every exclusively held lock to a pending
// transaction that will release them later; all other held locks are
// released immediately. The stack is emptied, so the locker can be discarded
// or reused.
func (l *Locker) TransferExclusive() *PendingTxn {
	var p *PendingTxn
	if l.tailLock != nil {
		p = l.manager.transferExclusive(l, l.tailLock, nil)
	} else {
		for b := l.tailBlock; b != nil; b = b.pop() {
			p = b.transferExclusive(l, p)
		}
	}
	if p == nil {
		p = newPendingTxn(l.manager)
	}
	l.tailLock = nil
	l.tailBlock = nil
	return p
}

func (l *Locker) popScope() {
	p := l.parent
	if p == nil {
		l.tailLock = nil
		l.tailBlock = nil
		return
	}
	l.tailLock = p.tailLock
	l.tailBlock = p.tailBlock
	l.Timeout = p.timeout
	l.parent = p.parent
}

// push appends a lock to the stack. An upgrade push records that the entry
// duplicates a lock already on the stack within this scope, which scope exit
// must demote rather than fully release. An upgrade of the immediately
// preceding acquisition in the same unnested scope is suppressed, keeping
// Unlock correct for immediate upgrades.
func (l *Locker) push(lk *Lock, upgrade bool) {
	if l.tailLock == nil && l.tailBlock == nil {
		if !upgrade {
			l.tailLock = lk
		} else {
			l.tailBlock = newBlockUpgrade(lk)
		}
		return
	}
	if l.tailLock != nil {
		if l.tailLock == lk && l.parent == nil {
			return
		}
		l.tailBlock = newBlockPair(l.tailLock, lk, upgrade)
		l.tailLock = nil
		return
	}
	l.tailBlock.pushLock(l, lk, upgrade)
}

// block is a stack segment of up to 64 lock entries. Capacities double from
// 8 to 64; the limit matches the width of the upgrades bitmap.
type block struct {
	locks    []*Lock
	upgrades uint64
	// Size is always at least 1.
	size int
	prev *block
}

const (
	firstBlockCapacity   = 8
	highestBlockCapacity = 64
)

// newBlockUpgrade starts a block whose first entry is an upgrade, for a
// promotion pushed onto an empty stack.
func newBlockUpgrade(first *Lock) *block {
	b := &block{locks: make([]*Lock, firstBlockCapacity), upgrades: 1, size: 1}
	b.locks[0] = first
	return b
}

// newBlockPair converts the inline tail into a block. The first entry is
// never an upgrade.
func newBlockPair(first, second *Lock, upgrade bool) *block {
	b := &block{locks: make([]*Lock, firstBlockCapacity), size: 2}
	b.locks[0] = first
	b.locks[1] = second
	if upgrade {
		b.upgrades = 1 << 1
	}
	return b
}

func newBlockChained(prev *block, first *Lock, upgrade bool) *block {
	capacity := len(prev.locks)
	if capacity < firstBlockCapacity {
		capacity = firstBlockCapacity
	} else if capacity < highestBlockCapacity {
		capacity <<= 1
	}
	b := &block{locks: make([]*Lock, capacity), size: 1, prev: prev}
	b.locks[0] = first
	if upgrade {
		b.upgrades = 1
	}
	return b
}

func (b *block) pushLock(l *Locker, lk *Lock, upgrade bool) {
	// Don't push a lock upgrade if it applies to the last acquisition within
	// this scope. This is required for Unlock.
	if upgrade {
		p := l.parent
		if (p == nil || p.tailBlockSize != b.size) && b.locks[b.size-1] == lk {
			return
		}
	}

	if b.size < len(b.locks) {
		b.locks[b.size] = lk
		if upgrade {
			b.upgrades |= 1 << uint(b.size)
		}
		b.size++
		return
	}
	l.tailBlock = newBlockChained(b, lk, upgrade)
}

func (b *block) last() *Lock {
	return b.locks[b.size-1]
}

func (b *block) unlockLast(l *Locker) error {
	size := b.size - 1

	mask := uint64(1) << uint(size)
	if b.upgrades&mask != 0 {
		return errNonImmediateUpgrade
	}

	l.manager.unlock(l, b.locks[size])

	// Only pop the entry once the unlock succeeded.
	b.locks[size] = nil
	if size == 0 {
		l.tailBlock = b.prev
		b.prev = nil
	} else {
		b.upgrades &^= mask
		b.size = size
	}
	return nil
}

func (b *block) unlockLastToShared(l *Locker) error {
	size := b.size - 1
	if b.upgrades&(1<<uint(size)) != 0 {
		return errNonImmediateUpgrade
	}
	l.manager.unlockToShared(l, b.locks[size])
	return nil
}

func (b *block) unlockLastToUpgradable(l *Locker) {
	size := b.size - 1
	l.manager.unlockToUpgradable(l, b.locks[size])

	mask := uint64(1) << uint(size)
	if b.upgrades&mask != 0 {
		// Pop the upgrade off the stack, but only once the demote succeeded.
		b.locks[size] = nil
		if size == 0 {
			l.tailBlock = b.prev
			b.prev = nil
		} else {
			b.upgrades &^= mask
			b.size = size
		}
	}
}

// unlockToSavepoint releases entries down to the target size, demoting
// upgrade entries instead of fully releasing them. If the target size is
// zero the caller must pop and discard the block afterwards, because a block
// size of zero is illegal.
func (b *block) unlockToSavepoint(l *Locker, targetSize int) {
	size := b.size
	if size <= targetSize {
		return
	}
	m := l.manager
	size--
	mask := uint64(1) << uint(size)
	upgrades := b.upgrades
	for {
		lk := b.locks[size]
		if upgrades&mask != 0 {
			m.unlockToUpgradable(l, lk)
		} else {
			m.unlock(l, lk)
		}
		b.locks[size] = nil
		if size == targetSize {
			break
		}
		size--
		mask >>= 1
	}
	if size == 0 {
		b.upgrades = 0
	} else {
		b.upgrades = upgrades & ^(^uint64(0) << uint(size))
	}
	b.size = size
}

// transferExclusive walks the block in reverse, transferring exclusive holds
// to the pending transaction and releasing the rest. The caller must pop and
// discard the block afterwards.
func (b *block) transferExclusive(l *Locker, p *PendingTxn) *PendingTxn {
	for size := b.size; size > 0; {
		size--
		p = l.manager.transferExclusive(l, b.locks[size], p)
	}
	return p
}

func (b *block) pop() *block {
	prev := b.prev
	b.prev = nil
	return prev
}
