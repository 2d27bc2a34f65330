package lock

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"lockstore/pkg/dberr"
)

// Sentinel failures surfaced by lock operations. All are matchable with
// errors.Is.
var (
	// ErrIllegalUpgrade is returned when a locker holding only a shared lock
	// requests the upgradable or exclusive mode and the upgrade rule forbids
	// the promotion.
	ErrIllegalUpgrade = dberr.New(dberr.CategoryUser, "ILLEGAL_UPGRADE",
		"shared lock cannot be upgraded")

	// ErrInterrupted is returned when a lock wait is aborted by context
	// cancellation.
	ErrInterrupted = dberr.New(dberr.CategoryTransient, "LOCK_INTERRUPTED",
		"lock wait interrupted")

	// ErrLockFailure is the generic failure for requests against a closed
	// manager. A locker with no manager fails with ErrBogusLocker instead.
	ErrLockFailure = dberr.New(dberr.CategoryConcurrency, "LOCK_FAILURE",
		"lock acquisition failed")

	// ErrBogusLocker is returned by lock operations on a Locker that has no
	// manager.
	ErrBogusLocker = dberr.New(dberr.CategoryUser, "BOGUS_LOCKER",
		"locker is bogus")

	errNoLocksHeld = dberr.New(dberr.CategoryUser, "NO_LOCKS_HELD",
		"no locks held")

	errNonImmediateUpgrade = dberr.New(dberr.CategoryUser, "NON_IMMEDIATE_UPGRADE",
		"cannot unlock non-immediate upgrade")

	errCrossScopeUnlock = dberr.New(dberr.CategoryUser, "CROSS_SCOPE_UNLOCK",
		"cannot unlock lock acquired in an enclosing scope")
)

// TimeoutError is returned when the full wait timeout elapsed without a
// grant and no deadlock was diagnosed.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout < 0 {
		return "lock wait timed out"
	}
	return fmt.Sprintf("lock wait timed out after %s", e.Timeout)
}

// DeadlockError is raised when the detector proves a wait-for cycle after a
// timed-out request.
type DeadlockError struct {
	// Timeout is the wait bound of the request that triggered detection.
	Timeout time.Duration

	// Guilty is true when the requester is itself a member of the cycle, as
	// opposed to merely waiting on it.
	Guilty bool

	// Set describes the participating lockers and the locks they wait for.
	Set *DeadlockSet
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected (guilty: %t, participants: %d, timeout: %s)",
		e.Guilty, e.Set.Len(), e.Timeout)
}

// failed converts a non-held result into the error the caller observes.
// TimedOutLock has already been through deadlock detection by this point.
func failed(result Result, timeout time.Duration) error {
	switch result {
	case Illegal:
		return ErrIllegalUpgrade
	case Interrupted:
		return ErrInterrupted
	}
	if result.isTimedOut() {
		return &TimeoutError{Timeout: timeout}
	}
	return errors.WithDetailf(ErrLockFailure, "result: %s", result)
}
