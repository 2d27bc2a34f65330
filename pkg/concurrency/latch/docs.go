// Package latch implements the multi-mode synchronization primitives used
// throughout lockstore's storage engine.
//
// # Overview
//
// Two gates are provided:
//
//   - [Latch] — a reader/writer gate whose entire mode lives in a single
//     32-bit state word, designed for very high reader concurrency. It
//     supports shared, exclusive, upgrade, and downgrade operations, with
//     timed and context-cancellable variants of every blocking acquire.
//   - [CommitLatch] — a reader-majority gate built from a Latch plus split
//     striped counters, used to coordinate bulk checkpoint operations
//     against all other writers. Shared acquisition is reentrant per
//     goroutine; exclusive acquisition backs off with doubling park
//     timeouts so it is neither starved nor allowed to stall readers.
//
// # Fairness
//
// Latch acquisition barges: a new acquirer may take the latch ahead of
// queued waiters whenever a compare-and-swap on the state word succeeds.
// A waiter that is woken but loses the race marks itself denied, and the
// next releaser must then hand the latch off to it directly instead of
// reopening the race. FIFO order is preserved among queued waiters of the
// same mode.
//
// # Waiting
//
// Waiters park on a buffered channel held in their queue node. The wait
// queue itself is a mutex-guarded FIFO list. Uncontended acquires touch
// nothing but the state word; an exclusive release, and a shared release
// that drops the count to zero, take the queue mutex briefly to look for
// waiters. Timed
// or cancelled waiters splice their node out of the queue, and an abandoned
// exclusive request repairs the state word so the exclusive-requested bit
// never outlives its requester.
package latch
