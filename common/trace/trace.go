// Package trace provides request-scoped trace identifiers carried through
// context.Context. Every inbound message is tagged with a trace ID at the
// edge so log lines, notifications and audit rows for one message can be
// correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey struct{}

// GenerateID returns a fresh trace identifier of the form "t_<hex>".
func GenerateID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; keep a
		// recognisable marker instead of an empty ID just in case.
		return "t_unavailable"
	}
	return "t_" + hex.EncodeToString(b[:])
}

// WithTraceID returns a copy of ctx carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the trace ID carried by ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a trace ID, and
// otherwise a derived context with a freshly generated one. The returned
// string is the effective trace ID either way.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}
