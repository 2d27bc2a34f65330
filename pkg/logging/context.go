package logging

import (
	"go.uber.org/zap"
)

// WithComponent creates a logger with a component context field.
// Use this so subsystem logs are filterable by origin.
//
// Example:
//
//	log := logging.WithComponent("LockManager")
//	log.Debugw("deadlock detected", "participants", n)
func WithComponent(name string) *zap.SugaredLogger {
	return GetLogger().With("component", name)
}

// WithLocker creates a logger with a locker (transaction) context field.
//
// Example:
//
//	log := logging.WithLocker(id)
//	log.Debugw("lock wait timed out", "index", indexID)
func WithLocker(id uint64) *zap.SugaredLogger {
	return GetLogger().With("locker_id", id)
}

// WithIndex creates a logger with an index context field.
//
// Example:
//
//	log := logging.WithIndex(indexID)
//	log.Debugw("range lock acquired", "keys", count)
func WithIndex(indexID uint64) *zap.SugaredLogger {
	return GetLogger().With("index_id", indexID)
}

// WithFile creates a logger with a file path context field, used by the
// mapped-file layer.
func WithFile(path string) *zap.SugaredLogger {
	return GetLogger().With("file", path)
}
