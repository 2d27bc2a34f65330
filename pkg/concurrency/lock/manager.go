package lock

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"lockstore/pkg/logging"
)

// Config carries the tunables of a lock manager. The zero value selects the
// defaults: NumCPU×4 shards (rounded up to a power of two), the Strict
// upgrade rule, and the built-in xxh3 key hash.
type Config struct {
	// Shards is the number of lock shards; it is rounded up to a power of
	// two. More shards reduce latch contention at the cost of memory.
	Shards int

	// UpgradeRule controls shared-to-upgradable promotion.
	UpgradeRule UpgradeRule

	// Hash overrides the key hash function.
	Hash HashFunc
}

// Manager is the top-level lock table: a fixed power-of-two array of shards,
// dispatched by key hash. All per-key state lives in the shards; the manager
// itself is immutable after construction apart from the closed flag.
type Manager struct {
	shards    []*shard
	shardMask uint32
	rule      UpgradeRule
	hash      HashFunc
	closed    atomic.Bool
}

// NewManager builds a lock manager from the given configuration.
func NewManager(cfg Config) *Manager {
	n := cfg.Shards
	if n <= 0 {
		n = runtime.NumCPU() * 4
	}
	shardCount := 1
	shardBits := uint32(0)
	for shardCount < n {
		shardCount <<= 1
		shardBits++
	}

	h := cfg.Hash
	if h == nil {
		h = defaultHash
	}

	m := &Manager{
		shards:    make([]*shard, shardCount),
		shardMask: uint32(shardCount - 1),
		rule:      cfg.UpgradeRule,
		hash:      h,
	}
	for i := range m.shards {
		m.shards[i] = newShard(shardBits, cfg.UpgradeRule)
	}
	return m
}

// NewLocker returns a fresh lock-holding identity bound to this manager. A
// Locker must only be used by one goroutine at a time.
func (m *Manager) NewLocker() *Locker {
	return &Locker{manager: m, Timeout: -1}
}

// Close marks the manager closed. Subsequent lock requests fail with a
// generic lock failure; locks already held can still be released.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		logging.GetLogger().Debugw("lock manager closed")
	}
}

func (m *Manager) shardFor(hash uint32) *shard {
	return m.shards[hash&m.shardMask]
}

// Check reports the lock ownership the locker has for the given key.
func (m *Manager) Check(l *Locker, indexID uint64, key []byte) Result {
	hash := m.hash(indexID, key)
	return m.shardFor(hash).check(l, indexID, key, hash)
}

// LockShared acquires a shared lock on behalf of the locker, failing with an
// error when the result is not held. See Locker.LockShared.
func (m *Manager) LockShared(ctx context.Context, l *Locker, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.LockShared(ctx, indexID, key, timeout)
}

// LockUpgradable acquires an upgradable lock on behalf of the locker. See
// Locker.LockUpgradable.
func (m *Manager) LockUpgradable(ctx context.Context, l *Locker, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.LockUpgradable(ctx, indexID, key, timeout)
}

// LockExclusive acquires an exclusive lock on behalf of the locker. See
// Locker.LockExclusive.
func (m *Manager) LockExclusive(ctx context.Context, l *Locker, indexID uint64, key []byte, timeout time.Duration) (Result, error) {
	return l.LockExclusive(ctx, indexID, key, timeout)
}

// errIfUnusable reports the failure for requests against a closed manager.
func (m *Manager) errIfUnusable() error {
	if m.closed.Load() {
		return errors.WithDetail(ErrLockFailure, "lock manager is closed")
	}
	return nil
}

func (m *Manager) unlock(h holder, lk *Lock) {
	m.shardFor(lk.hash).unlock(h, lk)
}

func (m *Manager) unlockToShared(l *Locker, lk *Lock) {
	m.shardFor(lk.hash).unlockToShared(l, lk)
}

func (m *Manager) unlockToUpgradable(l *Locker, lk *Lock) {
	m.shardFor(lk.hash).unlockToUpgradable(l, lk)
}

func (m *Manager) transferExclusive(l *Locker, lk *Lock, p *PendingTxn) *PendingTxn {
	return m.shardFor(lk.hash).transferExclusive(l, lk, p)
}
