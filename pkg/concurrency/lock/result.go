package lock

// Result describes the outcome of a lock request or an ownership check.
type Result int

const (
	// Illegal means the request was not permitted, such as a shared-to-
	// upgradable promotion under the strict upgrade rule.
	Illegal Result = iota

	// Interrupted means the wait was aborted by context cancellation.
	Interrupted

	// TimedOutLock means the full wait timeout elapsed without a grant.
	TimedOutLock

	// Acquired means the lock was not previously held by the requester and
	// is now held in the requested mode.
	Acquired

	// Upgraded means a lock already held by the requester was promoted to a
	// stronger mode: shared to upgradable, or upgradable to exclusive.
	Upgraded

	// OwnedShared means the requester already held a shared lock.
	OwnedShared

	// OwnedUpgradable means the requester already held the upgradable lock.
	OwnedUpgradable

	// OwnedExclusive means the requester already held the exclusive lock.
	OwnedExclusive

	// Unowned is returned by ownership checks when the requester holds
	// nothing.
	Unowned
)

var resultNames = map[Result]string{
	Illegal:         "ILLEGAL",
	Interrupted:     "INTERRUPTED",
	TimedOutLock:    "TIMED_OUT_LOCK",
	Acquired:        "ACQUIRED",
	Upgraded:        "UPGRADED",
	OwnedShared:     "OWNED_SHARED",
	OwnedUpgradable: "OWNED_UPGRADABLE",
	OwnedExclusive:  "OWNED_EXCLUSIVE",
	Unowned:         "UNOWNED",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// IsHeld reports whether the requester holds the lock after this result:
// true for Acquired, Upgraded, and all Owned variants.
func (r Result) IsHeld() bool {
	switch r {
	case Acquired, Upgraded, OwnedShared, OwnedUpgradable, OwnedExclusive:
		return true
	}
	return false
}

// AlreadyOwned reports whether the requester held a sufficient lock before
// the request, meaning no extra unlock should be performed.
func (r Result) AlreadyOwned() bool {
	switch r {
	case OwnedShared, OwnedUpgradable, OwnedExclusive:
		return true
	}
	return false
}

func (r Result) isTimedOut() bool {
	return r == TimedOutLock
}

// UpgradeRule controls whether a locker holding only a shared lock may
// request the upgradable mode on the same key.
type UpgradeRule int

const (
	// Strict forbids shared-to-upgradable promotion outright; the request
	// returns Illegal. This is the default, because the promotion deadlocks
	// whenever two shared holders attempt it concurrently.
	Strict UpgradeRule = iota

	// Lenient permits the promotion only when the requester is the sole
	// shared holder, which is the one case that cannot deadlock against
	// another promoter.
	Lenient

	// Unchecked always permits the promotion. The caller takes
	// responsibility for avoiding deadlocks.
	Unchecked
)

func (u UpgradeRule) String() string {
	switch u {
	case Strict:
		return "STRICT"
	case Lenient:
		return "LENIENT"
	case Unchecked:
		return "UNCHECKED"
	default:
		return "UNKNOWN"
	}
}

// canAttemptUpgrade reports whether a locker holding only a shared lock may
// attempt the upgradable mode, given the current shared count.
func (u UpgradeRule) canAttemptUpgrade(count uint32) bool {
	return u == Unchecked || (u == Lenient && count == 1)
}
