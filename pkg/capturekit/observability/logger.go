// Package observability provides logging, metrics and tracing for the
// capture pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - In-process capture counters (CaptureMetrics)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"log/slog"
	"time"
)

// EnrichLogger adds client context to a logger.
// Returns a new logger with persistence_name and token fields.
// The token is shortened so full project keys never reach log sinks.
func EnrichLogger(logger *slog.Logger, persistenceName, token string) *slog.Logger {
	if logger == nil {
		return nil
	}
	if len(token) > 8 {
		token = token[:8] + "..."
	}
	return logger.With(
		slog.String("persistence_name", persistenceName),
		slog.String("token", token),
	)
}

// LogCaptured logs an event handed to delivery.
func LogCaptured(logger *slog.Logger, eventName, distinctID string, batched bool) {
	if logger == nil {
		return
	}
	logger.Debug("event captured",
		slog.String("event", eventName),
		slog.String("distinct_id", distinctID),
		slog.Bool("batched", batched),
	)
}

// LogCaptureDropped logs an event that was ignored.
func LogCaptureDropped(logger *slog.Logger, eventName, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped",
		slog.String("event", eventName),
		slog.String("reason", reason),
	)
}

// LogIdentify logs an identity transition.
func LogIdentify(logger *slog.Logger, oldID, newID string, anonymous bool) {
	if logger == nil {
		return
	}
	logger.Debug("identity changed",
		slog.String("old_distinct_id", oldID),
		slog.String("distinct_id", newID),
		slog.Bool("was_anonymous", anonymous),
	)
}

// LogGroup logs a group association.
func LogGroup(logger *slog.Logger, groupType, groupKey string, changed bool) {
	if logger == nil {
		return
	}
	logger.Debug("group set",
		slog.String("group_type", groupType),
		slog.String("group_key", groupKey),
		slog.Bool("changed", changed),
	)
}

// LogHookPanic logs a recovered panic from a caller-supplied hook.
func LogHookPanic(logger *slog.Logger, hook string, recovered any) {
	if logger == nil {
		return
	}
	logger.Error("hook panicked",
		slog.String("hook", hook),
		slog.String("panic", fmt.Sprint(recovered)),
	)
}

// LogPerformanceUnavailable logs an entry type the performance source
// could not supply.
func LogPerformanceUnavailable(logger *slog.Logger, entryType string, err error) {
	if logger == nil {
		return
	}
	logger.Debug("performance entries unavailable",
		slog.String("entry_type", entryType),
		slog.String("error", err.Error()),
	)
}

// LogSendError logs a failed delivery attempt.
func LogSendError(logger *slog.Logger, endpoint string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("send failed",
		slog.String("endpoint", endpoint),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogStorageError logs a storage failure (non-fatal).
func LogStorageError(logger *slog.Logger, op, key string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("storage operation failed",
		slog.String("operation", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// LogUnload logs the unload flush.
func LogUnload(logger *slog.Logger, batched bool, pending int) {
	if logger == nil {
		return
	}
	logger.Info("flushing on unload",
		slog.Bool("batched", batched),
		slog.Int("pending", pending),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... send ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
