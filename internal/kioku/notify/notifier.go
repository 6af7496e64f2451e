// Package notify delivers operational conversation events: blocked or
// throttled correspondents, generation failures, artifact completions,
// degraded persistence. Channels are pluggable; all of them are
// fire-and-forget so the message pipeline is never blocked by a slow or
// failing sink.
//
// Supported event kinds:
//   - KindMessageBlocked, KindMessageThrottled
//   - KindGenerationFailed
//   - KindArtifactReady, KindArtifactFailed
//   - KindPersistenceDegraded
//   - KindEngineStarted, KindEngineStopped
//
// Events carry the originating trace ID so operators can correlate a
// notification with the structured log and the events table.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kioku/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindMessageBlocked      Kind = "message.blocked"
	KindMessageThrottled    Kind = "message.throttled"
	KindGenerationFailed    Kind = "generation.failed"
	KindArtifactReady       Kind = "artifact.ready"
	KindArtifactFailed      Kind = "artifact.failed"
	KindPersistenceDegraded Kind = "persistence.degraded"
	KindEngineStarted       Kind = "engine.started"
	KindEngineStopped       Kind = "engine.stopped"
)

// Severity grades an event for filtering and routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a configuration string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("notify: unknown severity %q", s)
}

// rank orders severities for minimum-severity filtering.
func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Event carries the data a notifier formats and delivers.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Severity grades the event.
	Severity Severity
	// CorrespondentID names the affected correspondent, when there is one.
	CorrespondentID string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to the log and events table.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// withDefaults fills TraceID and Timestamp from the context and clock.
func (e Event) withDefaults(ctx context.Context) Event {
	if e.TraceID == "" {
		e.TraceID = trace.FromContext(ctx)
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Notifier delivers conversation events to operators.
type Notifier interface {
	// Notify delivers an event. Implementations MUST NOT block the caller
	// for longer than a short timeout; delivery failures should be logged,
	// not propagated.
	Notify(ctx context.Context, evt Event)
}

// Noop is a no-op Notifier used when notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// LogNotifier writes events to the structured log, mapping severities onto
// log levels. It is the always-on console channel.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. logger may be nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

var _ Notifier = (*LogNotifier)(nil)

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, evt Event) {
	evt = evt.withDefaults(ctx)
	n.logger.Log(ctx, severityLevel(evt.Severity), evt.Message,
		"kind", evt.Kind,
		"severity", evt.Severity,
		"correspondent", evt.CorrespondentID,
		"trace_id", evt.TraceID)
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
