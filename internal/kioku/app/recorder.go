package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/notify"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// eventRecorder appends every notification to the store's events table so
// operators can query the audit trail after the fact. Write failures are
// logged and swallowed; losing an audit row must never block the pipeline.
type eventRecorder struct {
	store  *store.Store
	logger *slog.Logger
}

func newEventRecorder(st *store.Store, logger *slog.Logger) *eventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventRecorder{
		store:  st,
		logger: logger.With("component", "events"),
	}
}

var _ notify.Notifier = (*eventRecorder)(nil)

// Notify records the event. The insert runs with its own short deadline so
// a stalled database cannot hold up the caller.
func (r *eventRecorder) Notify(ctx context.Context, evt notify.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := r.store.AppendEvent(ctx, store.Event{
		Kind:            string(evt.Kind),
		Severity:        string(evt.Severity),
		CorrespondentID: evt.CorrespondentID,
		Message:         evt.Message,
		TraceID:         evt.TraceID,
		CreatedAt:       evt.Timestamp,
	})
	if err != nil {
		r.logger.Warn("event append failed", "kind", evt.Kind, "error", err)
	}
}
