package store

import (
	"context"
	"fmt"
	"time"
)

// Event is one row of the notification audit trail. Every notification the
// engine emits (message rejected, generation failed, cache degraded, ...)
// can be recorded here so operators can reconstruct what happened without
// tailing logs.
type Event struct {
	ID              int64     `json:"id"`
	Kind            string    `json:"kind"`
	Severity        string    `json:"severity"`
	CorrespondentID string    `json:"correspondent_id,omitempty"`
	Message         string    `json:"message"`
	TraceID         string    `json:"trace_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AppendEvent inserts one audit trail row.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	created := evt.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (kind, severity, correspondent_id, message, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Kind, evt.Severity, evt.CorrespondentID, evt.Message, evt.TraceID,
		created.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, severity, correspondent_id, message, trace_id, created_at
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var created string
		if err := rows.Scan(&evt.ID, &evt.Kind, &evt.Severity, &evt.CorrespondentID,
			&evt.Message, &evt.TraceID, &created); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			evt.CreatedAt = t
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes audit trail rows older than cutoff and returns the
// number removed. Maintenance calls this on a schedule so the table does not
// grow without bound.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
