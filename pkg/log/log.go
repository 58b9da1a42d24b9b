package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the verbosity of logging
type LogLevel string

const (
	// LevelDebug enables all logs
	LevelDebug LogLevel = "debug"
	// LevelInfo enables info, warning, and error logs
	LevelInfo LogLevel = "info"
	// LevelProgress enables progress, warning, and error logs (default)
	LevelProgress LogLevel = "progress"
	// LevelMinimal enables only warning and error logs
	LevelMinimal LogLevel = "minimal"
	// LevelWarn enables only warning and error logs (alias for minimal)
	LevelWarn LogLevel = "warn"
	// LevelError enables only error logs
	LevelError LogLevel = "error"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// global logger instance
var (
	globalLogger *zap.SugaredLogger
	globalMutex  sync.RWMutex
)

// Config holds logger configuration
type Config struct {
	Level  LogLevel
	Format string // "console" or "json"
	// Output defaults to stderr. Stdout carries protocol traffic in stdio mode.
	Output io.Writer
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  LevelProgress,
		Format: FormatConsole,
	}
}

// ParseLevel converts user input to a LogLevel, reporting whether it was recognised.
func ParseLevel(s string) (LogLevel, bool) {
	level := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	switch level {
	case LevelDebug, LevelInfo, LevelProgress, LevelMinimal, LevelWarn, LevelError:
		return level, true
	default:
		return LevelProgress, false
	}
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	logger := createLogger(cfg)

	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogger = logger
	return nil
}

// mapLevelToZapLevel maps our log level to zap level
func mapLevelToZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelProgress:
		// Progress maps to Info level for now
		return zapcore.InfoLevel
	case LevelMinimal, LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildEncoderConfig creates the encoder configuration for the given format
func buildEncoderConfig(format string) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == FormatJSON {
		cfg.TimeKey = "ts"
		cfg.LevelKey = "level"
		cfg.NameKey = "logger"
		cfg.CallerKey = "caller"
		cfg.MessageKey = "msg"
		cfg.StacktraceKey = "stacktrace"
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	return cfg
}

// Get returns the global logger
// If not initialized, it initializes with default config
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()

	if logger != nil {
		return logger
	}

	// Build outside the lock; Init also acquires it.
	loggerToSet := createLogger(DefaultConfig())

	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalLogger != nil {
		return globalLogger
	}

	globalLogger = loggerToSet
	return globalLogger
}

// createLogger creates a new logger with the given config without acquiring locks
func createLogger(cfg Config) *zap.SugaredLogger {
	encoderConfig := buildEncoderConfig(cfg.Format)

	var encoder zapcore.Encoder
	if cfg.Format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), mapLevelToZapLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	Get().Debugw(msg, args...)
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...interface{}) {
	Get().Debugf(template, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	Get().Infow(msg, args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...interface{}) {
	Get().Infof(template, args...)
}

// Progress logs a progress message (maps to Info level)
func Progress(msg string, args ...interface{}) {
	Get().Infow(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	Get().Warnw(msg, args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...interface{}) {
	Get().Warnf(template, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	Get().Errorw(msg, args...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...interface{}) {
	Get().Errorf(template, args...)
}

// With returns a logger with additional fields
func With(args ...interface{}) *zap.SugaredLogger {
	return Get().With(args...)
}

// Sync flushes any buffered log entries
func Sync() error {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()

	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset resets the global logger (mainly for testing)
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = nil
}
