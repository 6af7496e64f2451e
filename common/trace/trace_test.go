package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/common/trace"
)

func TestGenerateID(t *testing.T) {
	a := trace.GenerateID()
	b := trace.GenerateID()

	if !strings.HasPrefix(a, "t_") {
		t.Errorf("expected t_ prefix, got %q", a)
	}
	if a == b {
		t.Errorf("expected distinct IDs, got %q twice", a)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_fixed")
	if got := trace.FromContext(ctx); got != "t_fixed" {
		t.Errorf("got %q, want %q", got, "t_fixed")
	}
}

func TestFromContext_Absent(t *testing.T) {
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("expected empty ID, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" {
		t.Fatal("expected a generated ID")
	}
	if got := trace.FromContext(ctx); got != id {
		t.Errorf("context carries %q, Ensure returned %q", got, id)
	}

	// A second Ensure must not replace an existing ID.
	ctx2, id2 := trace.Ensure(ctx)
	if id2 != id {
		t.Errorf("expected existing ID %q, got %q", id, id2)
	}
	if ctx2 != ctx {
		t.Error("expected context to be returned unchanged")
	}
}
