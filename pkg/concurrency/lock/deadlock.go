package lock

// Deadlock detection runs only after a lock request has timed out, walking
// the wait-for graph transiently: no edges are cached across acquisitions,
// because the graph is valid only for the instant it is observed. The scan
// holds at most one shard latch at a time and never blocks on one; if a latch
// cannot be taken promptly the traversal is abandoned and the original
// timeout stands. The detector is advisory, not a victim selector.

// detectLatchSpins bounds how many acquisition attempts the detector makes on
// a busy shard latch before giving up on the traversal.
const detectLatchSpins = 16

// maxScanned bounds the traversal so a pathological graph cannot stall the
// timed-out caller.
const maxScanned = 1000

// DeadlockInfo describes one participant of a detected cycle by the lock it
// was waiting for when observed; the locker itself is not recorded.
type DeadlockInfo struct {
	IndexID uint64
	Key     []byte
}

// DeadlockSet describes the lockers participating in a deadlock.
type DeadlockSet struct {
	infos []DeadlockInfo
}

// Len returns the number of participants.
func (s *DeadlockSet) Len() int {
	return len(s.infos)
}

// Infos returns the participants' waited-for lock identities. Keys are
// cloned; mutating them does not affect the lock table.
func (s *DeadlockSet) Infos() []DeadlockInfo {
	return s.infos
}

type deadlockDetector struct {
	origin  *Locker
	manager *Manager

	visited map[*Locker]struct{}
	scanned int

	// Lockers observed on the path back to the origin, recorded when a cycle
	// is proven.
	set *DeadlockSet

	// guilty is set when the origin waits directly on a member of the cycle,
	// which in a timeout-triggered scan it always does.
	guilty bool
}

func newDeadlockDetector(origin *Locker) *deadlockDetector {
	return &deadlockDetector{
		origin:  origin,
		manager: origin.manager,
		visited: make(map[*Locker]struct{}),
	}
}

// scan walks the wait-for graph from the origin and reports whether a cycle
// reaching the origin exists. A partial traversal reports no cycle.
func (d *deadlockDetector) scan() bool {
	return d.walk(d.origin)
}

func (d *deadlockDetector) walk(l *Locker) bool {
	if d.scanned >= maxScanned {
		return false
	}
	d.scanned++
	d.visited[l] = struct{}{}

	lk := l.waitingFor.Load()
	if lk == nil {
		return false
	}

	holders, ok := d.snapshotHolders(lk)
	if !ok {
		return false
	}

	for _, h := range holders {
		if h == l {
			// A converting owner waits on its own lock's shared count; that
			// is not a wait-for edge.
			continue
		}
		if h == d.origin {
			if l == d.origin {
				d.guilty = true
			}
			d.record(l, lk)
			return true
		}
		if _, seen := d.visited[h]; seen {
			continue
		}
		if d.walk(h) {
			d.record(l, lk)
			return true
		}
	}
	return false
}

func (d *deadlockDetector) record(l *Locker, lk *Lock) {
	if d.set == nil {
		d.set = &DeadlockSet{}
	}
	key := make([]byte, len(lk.key))
	copy(key, lk.key)
	d.set.infos = append(d.set.infos, DeadlockInfo{IndexID: lk.indexID, Key: key})
	if l == d.origin {
		d.guilty = true
	}
}

// snapshotHolders copies the owner and shared owners of a lock under its
// shard latch. The latch is only tried, never waited on.
func (d *deadlockDetector) snapshotHolders(lk *Lock) ([]*Locker, bool) {
	sh := d.manager.shardFor(lk.hash)

	acquired := false
	for i := 0; i < detectLatchSpins; i++ {
		if sh.latch.TryAcquireExclusive() {
			acquired = true
			break
		}
	}
	if !acquired {
		return nil, false
	}

	var holders []*Locker
	if lk.owner != nil {
		if o := lk.owner.asLocker(); o != nil {
			holders = append(holders, o)
		}
	}
	if lk.sharedOwner != nil {
		holders = append(holders, lk.sharedOwner)
	}
	for o := range lk.sharedSet {
		holders = append(holders, o)
	}
	sh.latch.ReleaseExclusive()
	return holders, true
}
