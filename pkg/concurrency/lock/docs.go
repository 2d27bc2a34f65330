// Package lock implements the transactional key-range lock manager of the
// lockstore storage engine.
//
// # Overview
//
// Locks bind to opaque (indexID, key) pairs and come in three modes forming
// a compatibility lattice:
//
//   - shared      — compatible with shared and upgradable.
//   - upgradable  — compatible only with shared; at most one holder.
//   - exclusive   — compatible with nothing.
//
// The package provides strict two-phase locking primitives; higher-level
// isolation is layered on top by the transaction code.
//
// # Components
//
// [Manager] is the top-level lock table: a fixed power-of-two array of
// shards, each a latch-guarded chained hash table of [Lock] records with
// FIFO wait queues. [Locker] is the lock-holding identity of a single
// transaction, accumulating held locks on a scoped stack with savepoints;
// scope exit restores exactly the lock set of the matching scope entry.
// The deadlock detector runs only after a timed-out wait, scanning the
// wait-for graph transiently without ever blocking on a shard latch.
// [PendingTxn] carries exclusive locks detached from a committing locker,
// releasing them once the commit is durable.
//
// # Lock Acquisition Flow
//
// A request hashes its key, dispatches to a shard, and under the shard
// latch either mutates the record and returns, or enqueues itself in the
// record's wait queue and parks. Grants are performed by the releasing
// side under the shard latch, preserving FIFO order within a queue. An
// exclusive request runs in two phases: take the upgradable mode, then
// drain the shared count; a queued conversion blocks new shared grants.
//
// # Invariants
//
//   - At most one locker holds the upgradable or exclusive mode of a lock.
//   - A Lock record exists in a shard exactly while some locker holds or
//     waits on it.
//   - Every lock on a locker's stack is held by that locker in some mode.
//   - After ScopeExit, the observable lock set equals what it was at the
//     matching ScopeEnter.
//   - A timed-out or cancelled waiter removes itself from the record's
//     queue under the shard latch before returning.
package lock
