package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kioku-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kioku-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Re-opening must not try to re-apply migrations.
	s, err = store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

// --- engine_kv ---

func TestValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetValue(ctx, "delivered_total"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := s.SetValue(ctx, "delivered_total", "41"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := s.SetValue(ctx, "delivered_total", "42"); err != nil {
		t.Fatalf("SetValue overwrite: %v", err)
	}

	got, err := s.GetValue(ctx, "delivered_total")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != "42" {
		t.Errorf("got %q, want %q", got, "42")
	}

	all, err := s.Values(ctx)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(all) != 1 || all["delivered_total"] != "42" {
		t.Errorf("Values: got %v", all)
	}
}

// --- gate_blocks ---

func TestGateBlockRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := []store.GateBlock{
		{CorrespondentID: "u1", Strikes: 2, BlockedUntil: until, Score: 0.64},
		{CorrespondentID: "u2", Strikes: 1, Score: 0.31},
	}
	if err := s.ReplaceGateBlocks(ctx, blocks); err != nil {
		t.Fatalf("ReplaceGateBlocks: %v", err)
	}

	loaded, err := s.LoadGateBlocks(ctx)
	if err != nil {
		t.Fatalf("LoadGateBlocks: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(loaded))
	}

	byID := make(map[string]store.GateBlock, len(loaded))
	for _, b := range loaded {
		byID[b.CorrespondentID] = b
	}
	if b := byID["u1"]; b.Strikes != 2 || !b.BlockedUntil.Equal(until) || b.Score != 0.64 {
		t.Errorf("u1: got %+v", b)
	}
	if b := byID["u2"]; b.Strikes != 1 || !b.BlockedUntil.IsZero() {
		t.Errorf("u2: expected zero BlockedUntil, got %+v", b)
	}
}

func TestReplaceGateBlocks_DropsStaleRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceGateBlocks(ctx, []store.GateBlock{
		{CorrespondentID: "u1", Strikes: 1, Score: 0.2},
		{CorrespondentID: "u2", Strikes: 2, Score: 0.5},
	}); err != nil {
		t.Fatalf("first replace: %v", err)
	}

	// u2 was rehabilitated; the next flush must not keep its old row.
	if err := s.ReplaceGateBlocks(ctx, []store.GateBlock{
		{CorrespondentID: "u1", Strikes: 3, Score: 0.8},
	}); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	loaded, err := s.LoadGateBlocks(ctx)
	if err != nil {
		t.Fatalf("LoadGateBlocks: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 row after replace, got %d", len(loaded))
	}
	if loaded[0].CorrespondentID != "u1" || loaded[0].Strikes != 3 || loaded[0].Score != 0.8 {
		t.Errorf("got %+v", loaded[0])
	}
}

func TestReplaceGateBlocks_EmptySnapshotClearsTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceGateBlocks(ctx, []store.GateBlock{{CorrespondentID: "u1", Strikes: 1, Score: 0.5}}); err != nil {
		t.Fatalf("ReplaceGateBlocks: %v", err)
	}
	if err := s.ReplaceGateBlocks(ctx, nil); err != nil {
		t.Fatalf("empty replace: %v", err)
	}

	loaded, err := s.LoadGateBlocks(ctx)
	if err != nil {
		t.Fatalf("LoadGateBlocks: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected no rows, got %d", len(loaded))
	}
}

// --- events ---

func TestEventAuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, kind := range []string{"message.delivered", "message.rejected", "cache.degraded"} {
		evt := store.Event{
			Kind:            kind,
			Severity:        "info",
			CorrespondentID: "u1",
			Message:         "event body",
			TraceID:         "t_0",
			CreatedAt:       time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
		}
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != "cache.degraded" || events[1].Kind != "message.rejected" {
		t.Errorf("wrong order: %q then %q", events[0].Kind, events[1].Kind)
	}
}

func TestPruneEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := store.Event{Kind: "message.delivered", Severity: "info", Message: "old",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	recent := store.Event{Kind: "message.delivered", Severity: "info", Message: "recent",
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.AppendEvent(ctx, old); err != nil {
		t.Fatalf("AppendEvent old: %v", err)
	}
	if err := s.AppendEvent(ctx, recent); err != nil {
		t.Fatalf("AppendEvent recent: %v", err)
	}

	n, err := s.PruneEvents(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}

	events, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 || events[0].Message != "recent" {
		t.Errorf("got %+v", events)
	}
}
