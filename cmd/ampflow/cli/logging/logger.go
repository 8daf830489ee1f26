// Package logging provides structured logging for ampflow using slog.
//
// Usage:
//
//	// Initialize logger for a scope (typically a session or batch run id)
//	if err := logging.Init(sessionID); err != nil {
//	    // handle error
//	}
//	defer logging.Close()
//
//	// Add context values
//	ctx = logging.WithSession(ctx, sessionID)
//	ctx = logging.WithIteration(ctx, iterationID)
//
//	// Log with context - session/iteration IDs extracted automatically
//	logging.Info(ctx, "iteration started",
//	    slog.String("branch", branch),
//	)
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/validation"
)

// LogLevelEnvVar is the environment variable that controls log level.
const LogLevelEnvVar = "AMPFLOW_LOG_LEVEL"

var (
	// logger is the package-level logger instance
	logger *slog.Logger

	// logFile holds the current log file handle for cleanup
	logFile *os.File

	// logBufWriter wraps logFile with buffered I/O for performance
	logBufWriter *bufio.Writer

	// currentScope stores the scope ID from Init() to include in all logs
	currentScope string

	// mu protects logger, logFile, logBufWriter, and currentScope
	mu sync.RWMutex

	// logLevelGetter is an optional callback to get log level from settings.
	// Set by SetLogLevelGetter before Init is called.
	logLevelGetter func() string
)

// SetLogLevelGetter sets a callback function to get the log level from
// settings. The callback is only used if AMPFLOW_LOG_LEVEL is not set.
// This avoids a circular dependency on the settings package.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	logLevelGetter = getter
}

// Init initializes the logger for a scope, writing JSON logs to
// <config>/logs/<scope>.log.
//
// If the log file cannot be created, falls back to stderr.
// Log level is controlled by the AMPFLOW_LOG_LEVEL environment variable.
func Init(scope string) error {
	// Scope names the log file, so it must be path safe.
	if err := validation.ValidateSessionID(scope); err != nil {
		return fmt.Errorf("invalid scope for logging: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	// Close any existing log file (flush buffer first)
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	levelStr := os.Getenv(LogLevelEnvVar)
	if levelStr == "" && logLevelGetter != nil {
		levelStr = logLevelGetter()
	}
	level := parseLogLevel(levelStr)

	if levelStr != "" && !isValidLogLevel(levelStr) {
		fmt.Fprintf(os.Stderr, "[ampflow] Warning: invalid log level %q, defaulting to INFO\n", levelStr)
	}

	logsPath, err := paths.LogsDir()
	if err != nil {
		logger = createLogger(os.Stderr, level)
		return nil
	}

	logFilePath := filepath.Join(logsPath, scope+".log")
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // scope validated above
	if err != nil {
		logger = createLogger(os.Stderr, level)
		return nil
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192) // 8KB buffer for batched writes
	logger = createLogger(logBufWriter, level)
	currentScope = scope

	return nil
}

// Close closes the log file if one is open.
// Flushes any buffered data before closing.
// Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	currentScope = ""
}

// resetLogger resets the logger to nil (for testing).
func resetLogger() {
	mu.Lock()
	defer mu.Unlock()
	logger = nil
	currentScope = ""
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// getLogger returns the current logger, or a default stderr logger if not initialized.
func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	if logger == nil {
		return slog.Default()
	}
	return logger
}

// getScope returns the current scope (thread-safe).
func getScope() string {
	mu.RLock()
	defer mu.RUnlock()
	return currentScope
}

// createLogger creates a JSON logger writing to the given writer at the specified level.
func createLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewJSONHandler(w, opts)
	return slog.New(handler)
}

// parseLogLevel parses a log level string to slog.Level.
// Returns slog.LevelInfo for empty or invalid values.
func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isValidLogLevel checks if the given string is a valid log level.
func isValidLogLevel(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "":
		return true
	default:
		return false
	}
}

// Debug logs at DEBUG level with context values automatically extracted.
func Debug(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at INFO level with context values automatically extracted.
func Info(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at WARN level with context values automatically extracted.
func Warn(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at ERROR level with context values automatically extracted.
func Error(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration logs a message with duration_ms calculated from the start time.
// Designed for use with defer:
//
//	defer logging.LogDuration(ctx, slog.LevelInfo, "iteration completed", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	attrs = append(attrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	log(ctx, level, msg, attrs...)
}

// log is the internal logging function that extracts context values.
func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := getLogger()
	if !l.Enabled(ctx, level) {
		return
	}

	// Extract context values and prepend them as attributes
	var ctxAttrs []any
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		ctxAttrs = append(ctxAttrs, slog.String("session_id", sessionID))
	} else if scope := getScope(); scope != "" {
		ctxAttrs = append(ctxAttrs, slog.String("session_id", scope))
	}
	if iterationID := IterationIDFromContext(ctx); iterationID != "" {
		ctxAttrs = append(ctxAttrs, slog.String("iteration_id", iterationID))
	}
	if component := ComponentFromContext(ctx); component != "" {
		ctxAttrs = append(ctxAttrs, slog.String("component", component))
	}

	allAttrs := make([]any, 0, len(ctxAttrs)+len(attrs))
	allAttrs = append(allAttrs, ctxAttrs...)
	allAttrs = append(allAttrs, attrs...)

	l.Log(ctx, level, msg, allAttrs...)
}

// Flush flushes any buffered log data to disk without closing the file.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
	}
}
