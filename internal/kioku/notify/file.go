package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FileNotifier appends one formatted line per event to a local file. Lines
// look like:
//
//	2026-03-01T12:00:00Z [warning] message.blocked u1: spam score over threshold (trace t_ab12)
type FileNotifier struct {
	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger
}

// NewFileNotifier opens (or creates) path for appending.
func NewFileNotifier(path string, logger *slog.Logger) (*FileNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("notify: open event file: %w", err)
	}
	return &FileNotifier{f: f, logger: logger.With("component", "notify")}, nil
}

var _ Notifier = (*FileNotifier)(nil)

// Notify appends the event line. Write failures are logged, not propagated.
func (n *FileNotifier) Notify(ctx context.Context, evt Event) {
	evt = evt.withDefaults(ctx)

	line := fmt.Sprintf("%s [%s] %s", evt.Timestamp.UTC().Format(time.RFC3339), evt.Severity, evt.Kind)
	if evt.CorrespondentID != "" {
		line += " " + evt.CorrespondentID
	}
	line += ": " + evt.Message
	if evt.TraceID != "" {
		line += fmt.Sprintf(" (trace %s)", evt.TraceID)
	}
	line += "\n"

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.f.WriteString(line); err != nil {
		n.logger.Warn("event file write failed", "error", err)
	}
}

// Close flushes and closes the underlying file.
func (n *FileNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.f.Close()
}
