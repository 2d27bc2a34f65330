// Package fio provides the memory-mapped file layer the storage engine uses
// for page access.
//
// Files are mapped in fixed chunks of 2³⁰ bytes. Structural remaps are
// serialized by an exclusive remap latch, while readers and writers observe
// the mapping array under a shared access latch; shrinking a file unmaps
// before truncating. A long-running sync publishes its start time so that
// concurrent writers throttle themselves behind it instead of competing for
// I/O bandwidth. The latches are the same multi-mode primitives used by the
// lock manager.
package fio
