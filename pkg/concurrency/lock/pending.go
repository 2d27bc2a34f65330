package lock

// PendingTxn is a detached exclusive-lock holder, produced when a committing
// transaction transfers its exclusive locks instead of releasing them. The
// caller schedules the pending object to release once the commit becomes
// durable, letting the originating Locker be discarded immediately.
//
// A PendingTxn is not safe for concurrent use; like a Locker, at most one
// goroutine may operate on it at a time.
type PendingTxn struct {
	manager *Manager
	locks   []*Lock
}

func newPendingTxn(m *Manager) *PendingTxn {
	return &PendingTxn{manager: m}
}

// asLocker reports no backing Locker: the deadlock detector does not follow
// edges into detached holders, because a pending transaction never waits.
func (p *PendingTxn) asLocker() *Locker {
	return nil
}

// Count returns the number of transferred locks.
func (p *PendingTxn) Count() int {
	return len(p.locks)
}

// Release releases every transferred lock, waking waiters as usual. The
// pending object must not be used afterwards.
func (p *PendingTxn) Release() {
	m := p.manager
	for i := len(p.locks) - 1; i >= 0; i-- {
		lk := p.locks[i]
		m.shardFor(lk.hash).unlock(p, lk)
	}
	p.locks = nil
}

// Discard abandons the transferred locks without releasing them. They leak
// deliberately; only call in response to a fatal failure.
func (p *PendingTxn) Discard() {
	p.locks = nil
}
