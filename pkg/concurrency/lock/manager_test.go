package lock

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	keyA = []byte("apple")
	keyB = []byte("banana")
	keyC = []byte("cherry")
)

const idx = uint64(1)

func newTestManager() *Manager {
	return NewManager(Config{Shards: 4})
}

func TestLockSharedBasic(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l := m.NewLocker()

	r, err := l.LockShared(ctx, idx, keyA, -1)
	if err != nil {
		t.Fatalf("failed to acquire shared lock: %v", err)
	}
	if r != Acquired {
		t.Fatalf("expected ACQUIRED, got %s", r)
	}

	if got := l.Check(idx, keyA); got != OwnedShared {
		t.Errorf("check reported %s, want OWNED_SHARED", got)
	}

	// Re-acquiring reports prior ownership.
	r, err = l.LockShared(ctx, idx, keyA, -1)
	if err != nil || r != OwnedShared {
		t.Fatalf("expected OWNED_SHARED, got %s err=%v", r, err)
	}

	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}
	if got := l.Check(idx, keyA); got != Unowned {
		t.Errorf("lock still owned after unlock: %s", got)
	}
}

func TestSharedCompatibleWithShared(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l1 := m.NewLocker()
	l2 := m.NewLocker()

	if r, err := l1.LockShared(ctx, idx, keyA, -1); err != nil || r != Acquired {
		t.Fatalf("l1 shared: %s %v", r, err)
	}
	if r, err := l2.LockShared(ctx, idx, keyA, -1); err != nil || r != Acquired {
		t.Fatalf("l2 shared: %s %v", r, err)
	}

	l1.ScopeExitAll()
	l2.ScopeExitAll()
}

// Scenario: a shared holder forces a timed exclusive request to expire.
func TestExclusiveTimesOutAgainstShared(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l1 := m.NewLocker()
	l2 := m.NewLocker()

	if _, err := l1.LockShared(ctx, idx, keyA, -1); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r, err := l2.TryLockExclusive(ctx, idx, keyA, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != TimedOutLock {
		t.Fatalf("expected TIMED_OUT_LOCK, got %s", r)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("timed out too early: %s", elapsed)
	}

	// The holder is unaffected.
	if got := l1.Check(idx, keyA); got != OwnedShared {
		t.Errorf("holder lost its lock: %s", got)
	}
	l1.ScopeExitAll()

	// And the key is fully usable afterwards.
	if r, err := l2.LockExclusive(ctx, idx, keyA, -1); err != nil || r != Acquired {
		t.Fatalf("post-timeout exclusive: %s %v", r, err)
	}
	l2.ScopeExitAll()
}

// Scenario: upgradable does not block shared.
func TestUpgradableCompatibleWithShared(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l1 := m.NewLocker()
	l2 := m.NewLocker()

	if r, err := l1.LockUpgradable(ctx, idx, keyA, -1); err != nil || r != Acquired {
		t.Fatalf("upgradable: %s %v", r, err)
	}
	if r, err := l2.LockShared(ctx, idx, keyA, -1); err != nil || r != Acquired {
		t.Fatalf("shared against upgradable: %s %v", r, err)
	}

	// But a second upgradable waits.
	l3 := m.NewLocker()
	if r, err := l3.TryLockUpgradable(ctx, idx, keyA, 30*time.Millisecond); err != nil || r != TimedOutLock {
		t.Fatalf("second upgradable: %s %v", r, err)
	}

	l1.ScopeExitAll()
	l2.ScopeExitAll()
}

// Scenario: a queued exclusive request blocks later shared requests, and
// grants resolve in order once the holders release.
func TestQueuedExclusiveBlocksNewShared(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l1 := m.NewLocker()
	l2 := m.NewLocker()
	l3 := m.NewLocker()

	if _, err := l1.LockShared(ctx, idx, keyA, -1); err != nil {
		t.Fatal(err)
	}

	exclusiveDone := make(chan Result, 1)
	go func() {
		r, err := l2.LockExclusive(ctx, idx, keyA, -1)
		if err != nil {
			t.Error(err)
		}
		exclusiveDone <- r
	}()

	// Wait for the exclusive request to be queued: a zero-timeout shared
	// probe fails once the conversion waiter is in place.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if r, _ := l3.TryLockShared(ctx, idx, keyA, 0); r == TimedOutLock {
			break
		}
		// The probe was granted before the exclusive queued; give it back.
		if err := l3.Unlock(); err != nil {
			t.Fatal(err)
		}
		if time.Now().After(deadline) {
			t.Fatal("exclusive request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	sharedDone := make(chan Result, 1)
	go func() {
		r, err := l3.LockShared(ctx, idx, keyA, -1)
		if err != nil {
			t.Error(err)
		}
		sharedDone <- r
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-sharedDone:
		t.Fatal("shared granted ahead of queued exclusive")
	default:
	}

	// Release the original shared hold: the exclusive converts first.
	l1.ScopeExitAll()
	select {
	case r := <-exclusiveDone:
		if r != Acquired {
			t.Fatalf("exclusive result: %s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exclusive never granted")
	}

	select {
	case <-sharedDone:
		t.Fatal("shared granted while exclusive held")
	default:
	}

	// And once the exclusive releases, the queued shared is granted.
	l2.ScopeExitAll()
	select {
	case r := <-sharedDone:
		if r != Acquired {
			t.Fatalf("shared result: %s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued shared never granted")
	}
	l3.ScopeExitAll()
}

func TestUpgradeRuleMatrix(t *testing.T) {
	ctx := context.Background()

	t.Run("strict", func(t *testing.T) {
		m := NewManager(Config{Shards: 4, UpgradeRule: Strict})
		l := m.NewLocker()
		if _, err := l.LockShared(ctx, idx, keyA, -1); err != nil {
			t.Fatal(err)
		}
		r, err := l.TryLockUpgradable(ctx, idx, keyA, -1)
		if err != nil || r != Illegal {
			t.Fatalf("strict promotion: %s %v", r, err)
		}
		if _, err := l.LockUpgradable(ctx, idx, keyA, -1); !errors.Is(err, ErrIllegalUpgrade) {
			t.Fatalf("expected ErrIllegalUpgrade, got %v", err)
		}
		l.ScopeExitAll()
	})

	t.Run("lenient sole holder", func(t *testing.T) {
		m := NewManager(Config{Shards: 4, UpgradeRule: Lenient})
		l := m.NewLocker()
		if _, err := l.LockShared(ctx, idx, keyA, -1); err != nil {
			t.Fatal(err)
		}
		r, err := l.LockUpgradable(ctx, idx, keyA, -1)
		if err != nil || r != Upgraded {
			t.Fatalf("lenient promotion: %s %v", r, err)
		}
		if got := l.Check(idx, keyA); got != OwnedUpgradable {
			t.Errorf("check after promotion: %s", got)
		}
		l.ScopeExitAll()
		if got := l.Check(idx, keyA); got != Unowned {
			t.Errorf("promotion leaked a hold: %s", got)
		}
	})

	t.Run("lenient two holders", func(t *testing.T) {
		m := NewManager(Config{Shards: 4, UpgradeRule: Lenient})
		l1 := m.NewLocker()
		l2 := m.NewLocker()
		if _, err := l1.LockShared(ctx, idx, keyA, -1); err != nil {
			t.Fatal(err)
		}
		if _, err := l2.LockShared(ctx, idx, keyA, -1); err != nil {
			t.Fatal(err)
		}
		r, err := l1.TryLockUpgradable(ctx, idx, keyA, -1)
		if err != nil || r != Illegal {
			t.Fatalf("lenient with two holders: %s %v", r, err)
		}
		l1.ScopeExitAll()
		l2.ScopeExitAll()
	})

	t.Run("unchecked waits out other holders", func(t *testing.T) {
		m := NewManager(Config{Shards: 4, UpgradeRule: Unchecked})
		l1 := m.NewLocker()
		l2 := m.NewLocker()
		if _, err := l1.LockShared(ctx, idx, keyA, -1); err != nil {
			t.Fatal(err)
		}
		if _, err := l2.LockShared(ctx, idx, keyA, -1); err != nil {
			t.Fatal(err)
		}
		// The promotion itself is permitted and granted: upgradable is
		// compatible with the other shared holder.
		r, err := l1.LockUpgradable(ctx, idx, keyA, -1)
		if err != nil || r != Upgraded {
			t.Fatalf("unchecked promotion: %s %v", r, err)
		}
		// Conversion to exclusive must wait for the other shared holder.
		if r, _ := l1.TryLockExclusive(ctx, idx, keyA, 30*time.Millisecond); r != TimedOutLock {
			t.Fatalf("conversion against foreign shared: %s", r)
		}
		l2.ScopeExitAll()
		r, err = l1.LockExclusive(ctx, idx, keyA, -1)
		if err != nil || r != Upgraded {
			t.Fatalf("conversion after drain: %s %v", r, err)
		}
		l1.ScopeExitAll()
		if got := l1.Check(idx, keyA); got != Unowned {
			t.Errorf("locks leaked: %s", got)
		}
	})
}

func TestExclusiveUpgradePath(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l := m.NewLocker()

	r, err := l.LockUpgradable(ctx, idx, keyA, -1)
	if err != nil || r != Acquired {
		t.Fatalf("upgradable: %s %v", r, err)
	}
	r, err = l.LockExclusive(ctx, idx, keyA, -1)
	if err != nil || r != Upgraded {
		t.Fatalf("exclusive upgrade: %s %v", r, err)
	}
	if got := l.Check(idx, keyA); got != OwnedExclusive {
		t.Errorf("check after upgrade: %s", got)
	}

	// Demote back to upgradable, then release fully.
	if err := l.UnlockToUpgradable(); err != nil {
		t.Fatal(err)
	}
	if got := l.Check(idx, keyA); got != OwnedUpgradable {
		t.Errorf("check after demote: %s", got)
	}
	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}
	if got := l.Check(idx, keyA); got != Unowned {
		t.Errorf("check after unlock: %s", got)
	}
}

func TestUnlockToShared(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l := m.NewLocker()
	l2 := m.NewLocker()

	if _, err := l.LockExclusive(ctx, idx, keyA, -1); err != nil {
		t.Fatal(err)
	}
	if err := l.UnlockToShared(); err != nil {
		t.Fatal(err)
	}
	if got := l.Check(idx, keyA); got != OwnedShared {
		t.Fatalf("check after demote to shared: %s", got)
	}

	// Another locker can now share the key.
	if r, err := l2.LockShared(ctx, idx, keyA, -1); err != nil || r != Acquired {
		t.Fatalf("foreign shared after demote: %s %v", r, err)
	}

	l.ScopeExitAll()
	l2.ScopeExitAll()
}

func TestInterruptedWait(t *testing.T) {
	m := newTestManager()
	l1 := m.NewLocker()
	l2 := m.NewLocker()

	if _, err := l1.LockExclusive(context.Background(), idx, keyA, -1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r, err := l2.TryLockShared(ctx, idx, keyA, -1)
	if err != nil {
		t.Fatalf("unexpected error from try variant: %v", err)
	}
	if r != Interrupted {
		t.Fatalf("expected INTERRUPTED, got %s", r)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel2()
	}()
	if _, err := l2.LockShared(ctx2, idx, keyA, -1); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	l1.ScopeExitAll()
}

func TestRoundTripLaws(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l := m.NewLocker()
	probe := m.NewLocker()

	// lockShared; unlock leaves the lock as before.
	if _, err := l.LockShared(ctx, idx, keyB, -1); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}
	if r, err := probe.LockExclusive(ctx, idx, keyB, 0); err != nil || r != Acquired {
		t.Fatalf("key not free after round trip: %s %v", r, err)
	}
	probe.ScopeExitAll()

	// lockUpgradable; lockExclusive; unlockToUpgradable; unlock is
	// equivalent to lockUpgradable; unlock.
	if _, err := l.LockUpgradable(ctx, idx, keyB, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LockExclusive(ctx, idx, keyB, -1); err != nil {
		t.Fatal(err)
	}
	if err := l.UnlockToUpgradable(); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}
	if r, err := probe.LockExclusive(ctx, idx, keyB, 0); err != nil || r != Acquired {
		t.Fatalf("key not free after upgrade round trip: %s %v", r, err)
	}
	probe.ScopeExitAll()
}

func TestBogusLockerAndClosedManager(t *testing.T) {
	ctx := context.Background()

	var bogus Locker
	if _, err := bogus.LockShared(ctx, idx, keyA, -1); !errors.Is(err, ErrBogusLocker) {
		t.Fatalf("expected ErrBogusLocker, got %v", err)
	}

	m := newTestManager()
	l := m.NewLocker()
	m.Close()
	if _, err := l.LockShared(ctx, idx, keyA, -1); !errors.Is(err, ErrLockFailure) {
		t.Fatalf("expected ErrLockFailure after close, got %v", err)
	}
}

func TestManagerEntryPoints(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	l := m.NewLocker()

	if r, err := m.LockShared(ctx, l, idx, keyC, -1); err != nil || r != Acquired {
		t.Fatalf("manager shared: %s %v", r, err)
	}
	if r := m.Check(l, idx, keyC); r != OwnedShared {
		t.Fatalf("manager check: %s", r)
	}
	l.ScopeExitAll()

	if r, err := m.LockUpgradable(ctx, l, idx, keyC, -1); err != nil || r != Acquired {
		t.Fatalf("manager upgradable: %s %v", r, err)
	}
	if r, err := m.LockExclusive(ctx, l, idx, keyC, -1); err != nil || r != Upgraded {
		t.Fatalf("manager exclusive: %s %v", r, err)
	}
	l.ScopeExitAll()
}
