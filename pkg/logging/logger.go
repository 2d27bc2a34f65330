package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cockroachdb/errors"
)

// Global logger instance and synchronization
var (
	logger   *zap.SugaredLogger
	loggerMu sync.RWMutex
	isInited bool
	initOnce sync.Once // For lazy initialization in GetLogger
)

// LogLevel represents logging verbosity
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	OutputPath string // Empty for stderr, or file path
	Format     string // "json" or "console"
}

// Init initializes the global logger with the given configuration.
// This should be called once at application startup.
// Subsequent calls to Init will return an error to prevent multiple
// initialization.
//
// Example:
//
//	logging.Init(logging.Config{
//	    Level: logging.LevelInfo,
//	    OutputPath: "logs/engine.log",
//	    Format: "json",
//	})
func Init(config Config) error {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if isInited {
		return errors.New("logger already initialized; call Close() first to reinitialize")
	}

	var level zapcore.Level
	switch config.Level {
	case LevelDebug:
		level = zapcore.DebugLevel
	case LevelWarn:
		level = zapcore.WarnLevel
	case LevelError:
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if config.Format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if config.OutputPath != "" {
		cfg.OutputPaths = []string{config.OutputPath}
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}

	base, err := cfg.Build()
	if err != nil {
		return err
	}

	logger = base.Sugar()
	isInited = true
	return nil
}

// InitDefault initializes the logger with sensible defaults:
// INFO level, console format, stderr output.
// This is safe to call multiple times and will only initialize once.
func InitDefault() {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if isInited {
		return
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base, err := cfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	logger = base.Sugar()
	isInited = true
}

// Close flushes and tears down the logger. After calling Close, Init can be
// called again to reinitialize. It's safe to call Close multiple times.
func Close() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if !isInited {
		return nil
	}

	err := logger.Sync()
	logger = nil
	isInited = false
	initOnce = sync.Once{}
	return err
}

// GetLogger returns the current logger instance in a thread-safe manner.
// If the logger is not initialized, it initializes with defaults using
// sync.Once for efficient lazy initialization.
func GetLogger() *zap.SugaredLogger {
	loggerMu.RLock()
	if isInited {
		l := logger
		loggerMu.RUnlock()
		return l
	}
	loggerMu.RUnlock()

	initOnce.Do(InitDefault)

	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return l
}

// Debug logs a debug message with key-value context
func Debug(msg string, args ...any) {
	GetLogger().Debugw(msg, args...)
}

// Info logs an info message with key-value context
func Info(msg string, args ...any) {
	GetLogger().Infow(msg, args...)
}

// Warn logs a warning message with key-value context
func Warn(msg string, args ...any) {
	GetLogger().Warnw(msg, args...)
}

// Error logs an error message with key-value context
func Error(msg string, args ...any) {
	GetLogger().Errorw(msg, args...)
}
