package lock

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// Two lockers hold shared locks on each other's target keys and both request
// exclusive: a classic two-party cycle. The timed request diagnoses the
// deadlock; once its locks are rolled back, the other proceeds.
func TestTwoPartyDeadlock(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	t1 := m.NewLocker()
	t2 := m.NewLocker()

	if _, err := t1.LockShared(ctx, idx, keyA, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := t2.LockShared(ctx, idx, keyB, -1); err != nil {
		t.Fatal(err)
	}

	// t2 waits (indefinitely) for exclusive on A, which t1 holds shared.
	t2done := make(chan Result, 1)
	go func() {
		r, err := t2.LockExclusive(ctx, idx, keyA, -1)
		if err != nil {
			t.Error(err)
		}
		t2done <- r
	}()

	// Wait until t2 is parked on A.
	deadline := time.Now().Add(2 * time.Second)
	for t2.waitingFor.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("t2 never blocked")
		}
		time.Sleep(time.Millisecond)
	}

	// t1 now waits for exclusive on B, closing the cycle. Its bounded
	// timeout expires and the detector proves the deadlock.
	_, err := t1.LockExclusive(ctx, idx, keyB, 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected deadlock error")
	}
	var derr *DeadlockError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeadlockError, got %v", err)
	}
	if !derr.Guilty {
		t.Error("timed-out requester should be in the cycle")
	}
	if derr.Set.Len() == 0 {
		t.Error("deadlock set is empty")
	}

	// Rolling back the guilty locker unblocks the other.
	t1.ScopeExitAll()
	select {
	case r := <-t2done:
		if r != Acquired {
			t.Errorf("t2 result: %s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("t2 never proceeded after rollback")
	}
	t2.ScopeExitAll()
}

// A timeout with no cycle present stays a plain timeout.
func TestTimeoutWithoutCycleIsNotDeadlock(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	t1 := m.NewLocker()
	t2 := m.NewLocker()

	if _, err := t1.LockExclusive(ctx, idx, keyA, -1); err != nil {
		t.Fatal(err)
	}

	_, err := t2.LockShared(ctx, idx, keyA, 50*time.Millisecond)
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	var derr *DeadlockError
	if errors.As(err, &derr) {
		t.Fatal("no cycle exists, but deadlock reported")
	}

	t1.ScopeExitAll()
}

// Three-party cycle: each locker holds one key shared and wants the next
// exclusively.
func TestThreePartyDeadlock(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	keys := [][]byte{keyA, keyB, keyC}
	lockers := []*Locker{m.NewLocker(), m.NewLocker(), m.NewLocker()}

	for i, l := range lockers {
		if _, err := l.LockShared(ctx, idx, keys[i], -1); err != nil {
			t.Fatal(err)
		}
	}

	// Lockers 1 and 2 wait indefinitely for the next key in the ring.
	for i := 1; i < 3; i++ {
		l, target := lockers[i], keys[(i+1)%3]
		go func() {
			l.LockExclusive(ctx, idx, target, -1)
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for lockers[1].waitingFor.Load() == nil || lockers[2].waitingFor.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("ring waiters never blocked")
		}
		time.Sleep(time.Millisecond)
	}

	// Locker 0 closes the ring with a bounded timeout.
	_, err := lockers[0].LockExclusive(ctx, idx, keys[1], 300*time.Millisecond)
	var derr *DeadlockError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeadlockError, got %v", err)
	}

	lockers[0].ScopeExitAll()
}
