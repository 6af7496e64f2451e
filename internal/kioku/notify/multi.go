package notify

import (
	"context"
	"sync"
	"time"
)

// Multi fans an event out to several channels, applying a minimum-severity
// filter and a per-kind fixed-window rate limit so a flapping condition
// cannot flood operators.
type Multi struct {
	mu      sync.Mutex
	min     Severity
	limiter *kindLimiter
	targets []Notifier
}

// NewMulti builds the fan-out. Events below min severity are dropped; at
// most limit events per kind are delivered per window. A limit of 0
// disables rate limiting.
func NewMulti(min Severity, limit int, window time.Duration, targets ...Notifier) *Multi {
	m := &Multi{min: min, targets: targets}
	if limit > 0 {
		m.limiter = newKindLimiter(limit, window)
	}
	return m
}

var _ Notifier = (*Multi)(nil)

// SetMinSeverity swaps the severity floor, e.g. on a configuration reload.
func (m *Multi) SetMinSeverity(min Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.min = min
}

func (m *Multi) minSeverity() Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.min
}

// Notify filters the event and forwards it to every target.
func (m *Multi) Notify(ctx context.Context, evt Event) {
	evt = evt.withDefaults(ctx)
	if evt.Severity.rank() < m.minSeverity().rank() {
		return
	}
	if m.limiter != nil && !m.limiter.Allow(string(evt.Kind)) {
		return
	}
	for _, t := range m.targets {
		t.Notify(ctx, evt)
	}
}

// kindLimiter is a fixed-window rate limiter keyed by event kind. Each kind
// has an independent counter that resets after the window elapses.
type kindLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*windowBucket
}

type windowBucket struct {
	count   int
	resetAt time.Time
}

func newKindLimiter(limit int, window time.Duration) *kindLimiter {
	return &kindLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow reports whether another event of this kind fits in the current
// window. Safe for concurrent use.
func (l *kindLimiter) Allow(kind string) bool {
	return l.allowAt(kind, time.Now())
}

func (l *kindLimiter) allowAt(kind string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[kind]
	if !ok || now.After(b.resetAt) {
		l.buckets[kind] = &windowBucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}
