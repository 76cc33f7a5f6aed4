// Package events provides structured logging for the agent's key events.
package events

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// EventLogger writes one structured record per agent event.
type EventLogger struct {
	logger *slog.Logger
}

// Options selects the output format and minimum level.
type Options struct {
	Level  string
	Format string
}

// ParseLevel maps a config level name onto a slog level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEventLogger creates an EventLogger writing to stderr.
func NewEventLogger(opts Options) *EventLogger {
	return NewEventLoggerWithWriter(os.Stderr, opts)
}

// NewEventLoggerWithWriter creates an EventLogger writing to w.
// Useful for testing or redirecting output.
func NewEventLoggerWithWriter(w io.Writer, opts Options) *EventLogger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return &EventLogger{logger: slog.New(handler).With("component", "sylon-agent")}
}

// With returns an EventLogger carrying extra base attributes.
func (el *EventLogger) With(args ...any) *EventLogger {
	return &EventLogger{logger: el.logger.With(args...)}
}

// Logger exposes the underlying slog logger.
func (el *EventLogger) Logger() *slog.Logger {
	return el.logger
}

// LogAgentStarting logs the startup banner.
// event: "agent_starting"
func (el *EventLogger) LogAgentStarting(version, endpoint string, interval, updateInterval time.Duration, selfPath string) {
	el.logger.Info("agent_starting",
		"version", version,
		"endpoint", endpoint,
		"interval_s", interval.Seconds(),
		"update_interval_s", updateInterval.Seconds(),
		"self_path", selfPath,
	)
}

// LogShuttingDown logs an orderly shutdown.
// event: "shutting_down"
func (el *EventLogger) LogShuttingDown(reason string) {
	el.logger.Info("shutting_down", "reason", reason)
}

// LogConfigMissing logs that no config file was found and defaults are in use.
// event: "config_missing"
func (el *EventLogger) LogConfigMissing(path string) {
	el.logger.Warn("config_missing", "path", path, "action", "using_defaults")
}

// LogConfigLoadFailed logs a config_load_error.
// event: "config_load_failed"
func (el *EventLogger) LogConfigLoadFailed(path string, err error) {
	el.logger.Error("config_load_failed", "path", path, "error", err.Error(), "action", "using_defaults")
}

// LogTelemetrySetupFailed logs that the agent's own telemetry could not start.
// Delivery continues with no-op providers.
// event: "telemetry_setup_failed"
func (el *EventLogger) LogTelemetrySetupFailed(exporter string, err error) {
	el.logger.Warn("telemetry_setup_failed", "exporter", exporter, "error", err.Error())
}

// LogIdentityResolved logs the machine identifier and where it came from.
// event: "identity_resolved"
func (el *EventLogger) LogIdentityResolved(machineID, source string) {
	el.logger.Debug("identity_resolved", "machine_id", machineID, "source", source)
}

// LogIdentityFallback logs a filesystem failure that forced the hardware-derived id.
// event: "identity_fallback"
func (el *EventLogger) LogIdentityFallback(err error) {
	el.logger.Warn("identity_fallback", "error", err.Error())
}

// LogDeliveryDisabled logs a skipped send because the endpoint is unset.
// event: "delivery_disabled"
func (el *EventLogger) LogDeliveryDisabled() {
	el.logger.Warn("delivery_disabled", "reason", "endpoint_unset")
}

// LogPayloadAccepted logs a terminal delivery success.
// event: "payload_accepted"
func (el *EventLogger) LogPayloadAccepted(status, attempt int) {
	el.logger.Info("payload_accepted", "status", status, "attempt", attempt)
}

// LogPayloadRejected logs a 4xx client rejection. The body is the collector's explanation.
// event: "payload_rejected"
func (el *EventLogger) LogPayloadRejected(status int, body string) {
	el.logger.Error("payload_rejected", "status", status, "body", body)
}

// LogDeliveryRetry logs a retryable failure and the backoff before the next attempt.
// event: "delivery_retry"
func (el *EventLogger) LogDeliveryRetry(attempt, maxAttempts int, kind, reason string, backoff time.Duration) {
	el.logger.Warn("delivery_retry",
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"kind", kind,
		"reason", reason,
		"backoff_ms", backoff.Milliseconds(),
	)
}

// LogDeliveryExhausted logs that every attempt failed.
// event: "delivery_exhausted"
func (el *EventLogger) LogDeliveryExhausted(attempts int, lastErr error) {
	args := []any{"attempts", attempts}
	if lastErr != nil {
		args = append(args, "last_error", lastErr.Error())
	}
	el.logger.Error("delivery_exhausted", args...)
}

// LogUpdateSkipped logs a no-op update check.
// event: "update_skipped"
func (el *EventLogger) LogUpdateSkipped(reason string) {
	el.logger.Debug("update_skipped", "reason", reason)
}

// LogUpdateAttempt logs the start of an artifact fetch.
// event: "update_attempt"
func (el *EventLogger) LogUpdateAttempt(url string) {
	el.logger.Warn("update_attempt", "url", url)
}

// LogUpdateFailed logs a fetch, validation or write failure. The running file is untouched.
// event: "update_failed"
func (el *EventLogger) LogUpdateFailed(kind string, err error) {
	el.logger.Error("update_failed", "kind", kind, "error", err.Error())
}

// LogUpdateApplied logs a replaced program file; the process exits next.
// event: "update_applied"
func (el *EventLogger) LogUpdateApplied(path string, sizeBytes int) {
	el.logger.Warn("update_applied",
		"path", path,
		"size_bytes", sizeBytes,
		"action", "exit_for_restart",
	)
}

// LogUnexpected logs an unexpected_error caught at the scheduler boundary.
// event: "unexpected_error"
func (el *EventLogger) LogUnexpected(task string, err error) {
	el.logger.Error("unexpected_error", "task", task, "error", err.Error())
}

// LogSleep logs the scheduler's wait until the next due task.
// event: "scheduler_sleep"
func (el *EventLogger) LogSleep(d time.Duration) {
	el.logger.Debug("scheduler_sleep", "sleep_ms", d.Milliseconds())
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopOnce     sync.Once
	noopLogger   *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		noopLogger = NewEventLoggerWithWriter(io.Discard, Options{Level: "error"})
	})
	return noopLogger
}
