// Package events provides structured logging for the transmission engine's
// key lifecycle events.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps a structured JSON logger for engine lifecycle events.
type Logger struct {
	logger *slog.Logger
}

// New creates a Logger with JSON output to stdout.
func New() *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler)}
}

// NewWithWriter creates a Logger with JSON output to an arbitrary writer.
// Useful for tests.
func NewWithWriter(w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler)}
}

// Noop returns a Logger that discards everything.
func Noop() *Logger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler)}
}

// DeviceAdopted logs that the Device Monitor created runtime state for a
// device (spec.md §4.2).
func (l *Logger) DeviceAdopted(deviceID, deviceRef, connectionID string) {
	l.logger.Info("device_adopted",
		"device_id", deviceID,
		"device_ref", deviceRef,
		"connection_id", connectionID,
	)
}

// DeviceDropped logs that runtime state for a device was torn down.
func (l *Logger) DeviceDropped(deviceID, reason string) {
	l.logger.Info("device_dropped",
		"device_id", deviceID,
		"reason", reason,
	)
}

// DevicePaused logs the end-of-dataset pause (spec.md §4.8).
func (l *Logger) DevicePaused(deviceID string, rowIndex int) {
	l.logger.Info("device_paused",
		"device_id", deviceID,
		"row_index", rowIndex,
	)
}

// DispatchFailed logs a dispatch-level error not attributable to a single
// publish attempt (e.g. missing connection config, missing adapter).
func (l *Logger) DispatchFailed(deviceID, reason string, err error) {
	attrs := []any{"device_id", deviceID, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	l.logger.Warn("dispatch_failed", attrs...)
}

// CircuitStateChanged logs a circuit breaker transition (spec.md §4.10).
func (l *Logger) CircuitStateChanged(connectionID, from, to string) {
	l.logger.Warn("circuit_state_changed",
		"connection_id", connectionID,
		"from", from,
		"to", to,
	)
}

// PoolEntryInvalidated logs a connection pool eviction or invalidation.
func (l *Logger) PoolEntryInvalidated(connectionID, reason string) {
	l.logger.Info("pool_entry_invalidated",
		"connection_id", connectionID,
		"reason", reason,
	)
}

// EngineError logs an error the scheduler caught from a device dispatch
// (spec.md §4.1 failure isolation: the error is logged, never propagated
// out of the loop).
func (l *Logger) EngineError(deviceID string, err error) {
	l.logger.Error("engine_error",
		"device_id", deviceID,
		"error", err.Error(),
	)
}

var (
	global   *Logger
	globalMu sync.RWMutex
)

// SetGlobal installs the process-wide default Logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Global returns the process-wide Logger, defaulting to a Noop logger if
// none was installed.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global != nil {
		return global
	}
	return Noop()
}
