package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bdobrica/kioku/internal/kioku/cache"
	"github.com/bdobrica/kioku/internal/kioku/engine"
	"github.com/bdobrica/kioku/internal/kioku/gate"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cleanScorer admits everything.
type cleanScorer struct{}

func (cleanScorer) Score(string, []string) float64 { return 0 }

// spamScorer flags messages containing the word "spam".
type spamScorer struct{}

func (spamScorer) Score(text string, _ []string) float64 {
	if strings.Contains(text, "spam") {
		return 0.9
	}
	return 0
}

// scriptedGenerator counts calls and delegates to fn.
type scriptedGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, snap memory.Snapshot, inbound string) (string, map[string]string, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, snap memory.Snapshot, inbound string) (string, map[string]string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(ctx, snap, inbound)
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// scriptedProducer counts calls and delegates to fn.
type scriptedProducer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req engine.ArtifactRequest) (string, error)
}

func (p *scriptedProducer) Produce(ctx context.Context, req engine.ArtifactRequest) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(ctx, req)
}

func (p *scriptedProducer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// notifyRecorder captures delivered events.
type notifyRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *notifyRecorder) Notify(_ context.Context, evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *notifyRecorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]notify.Kind, len(r.events))
	for i, evt := range r.events {
		kinds[i] = evt.Kind
	}
	return kinds
}

func (r *notifyRecorder) has(kind notify.Kind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// harness wires an engine with in-memory collaborators.
type harness struct {
	engine *engine.Engine
	memory *memory.Store
	gen    *scriptedGenerator
	rec    *notifyRecorder
}

func newHarness(t *testing.T, cfg engine.Config, gcfg gate.Config, scorer gate.Scorer, gen *scriptedGenerator, producer engine.ArtifactProducer) *harness {
	t.Helper()
	logger := discardLogger()
	artifacts := cache.New(cache.Config{MaxEntries: 16}, nil, logger)
	mem := memory.New(memory.Config{}, artifacts, nil, logger)
	rec := &notifyRecorder{}

	eng, err := engine.New(cfg, engine.Deps{
		Gate:      gate.New(gcfg, scorer, logger),
		Memory:    mem,
		Generator: gen,
		Producer:  producer,
		Notifier:  rec,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return &harness{engine: eng, memory: mem, gen: gen, rec: rec}
}

func echoGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		fn: func(_ context.Context, _ memory.Snapshot, inbound string) (string, map[string]string, error) {
			return "re: " + inbound, map[string]string{"last": inbound}, nil
		},
	}
}

func TestNewValidatesDeps(t *testing.T) {
	logger := discardLogger()
	g := gate.New(gate.Config{}, cleanScorer{}, logger)
	mem := memory.New(memory.Config{}, nil, nil, logger)
	gen := echoGenerator()

	cases := []struct {
		name string
		deps engine.Deps
	}{
		{"missing gate", engine.Deps{Memory: mem, Generator: gen}},
		{"missing memory", engine.Deps{Gate: g, Generator: gen}},
		{"missing generator", engine.Deps{Gate: g, Memory: mem}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.New(engine.Config{}, tc.deps); err == nil {
				t.Fatal("expected constructor error")
			}
		})
	}

	if _, err := engine.New(engine.Config{}, engine.Deps{Gate: g, Memory: mem, Generator: gen}); err != nil {
		t.Fatalf("full deps rejected: %v", err)
	}
}

func TestHandleMessageDelivers(t *testing.T) {
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, echoGenerator(), nil)

	out := h.engine.HandleMessage(context.Background(), "u1", "hello there", base)
	if out.Status != engine.StatusDelivered {
		t.Fatalf("outcome = %+v, want delivered", out)
	}
	if out.Reply != "re: hello there" {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.MessageID == "" || out.TraceID == "" {
		t.Errorf("missing identifiers: %+v", out)
	}
	if out.Cached {
		t.Error("first reply marked as cached")
	}

	snap := h.engine.MemorySnapshot("u1")
	if len(snap.ShortTerm) != 1 || snap.ShortTerm[0].Outbound != "re: hello there" {
		t.Errorf("short term = %+v", snap.ShortTerm)
	}
	if snap.Facts["last"] != "hello there" {
		t.Errorf("facts = %v", snap.Facts)
	}
	if !snap.LastActivity.Equal(base) {
		t.Errorf("last activity = %v, want %v", snap.LastActivity, base)
	}
	if stats := h.engine.CacheStats(); stats.Entries != 1 {
		t.Errorf("cache entries = %d, want 1 cached reply", stats.Entries)
	}
}

func TestRepeatedMessageServedFromCache(t *testing.T) {
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, echoGenerator(), nil)
	ctx := context.Background()

	first := h.engine.HandleMessage(ctx, "u1", "tell me a joke", base)
	second := h.engine.HandleMessage(ctx, "u1", "tell me a joke", base.Add(time.Minute))

	if second.Status != engine.StatusDelivered || !second.Cached {
		t.Fatalf("second outcome = %+v, want cached delivery", second)
	}
	if second.Reply != first.Reply {
		t.Errorf("cached reply %q differs from original %q", second.Reply, first.Reply)
	}
	if got := h.gen.callCount(); got != 1 {
		t.Errorf("generator called %d times, want 1", got)
	}

	// The cached exchange still lands in conversation history.
	snap := h.engine.MemorySnapshot("u1")
	if len(snap.ShortTerm) != 2 {
		t.Errorf("short term = %d exchanges, want 2", len(snap.ShortTerm))
	}
}

func TestThrottledMessage(t *testing.T) {
	h := newHarness(t, engine.Config{}, gate.Config{MaxMessages: 1, Window: time.Minute}, cleanScorer{}, echoGenerator(), nil)
	ctx := context.Background()

	if out := h.engine.HandleMessage(ctx, "u1", "one", base); out.Status != engine.StatusDelivered {
		t.Fatalf("first outcome = %+v", out)
	}
	out := h.engine.HandleMessage(ctx, "u1", "two", base.Add(time.Second))
	if out.Status != engine.StatusRejected || out.Reason != engine.ReasonThrottled {
		t.Fatalf("second outcome = %+v, want rejected/throttled", out)
	}
	if got := h.gen.callCount(); got != 1 {
		t.Errorf("generator called %d times, want 1", got)
	}
	if snap := h.engine.MemorySnapshot("u1"); len(snap.ShortTerm) != 1 {
		t.Errorf("throttled message reached memory: %+v", snap.ShortTerm)
	}
	if !h.rec.has(notify.KindMessageThrottled) {
		t.Errorf("notifications = %v, want message.throttled", h.rec.kinds())
	}
}

func TestBlockedMessage(t *testing.T) {
	h := newHarness(t, engine.Config{}, gate.Config{}, spamScorer{}, echoGenerator(), nil)

	out := h.engine.HandleMessage(context.Background(), "u1", "buy my spam", base)
	if out.Status != engine.StatusRejected || out.Reason != engine.ReasonBlocked {
		t.Fatalf("outcome = %+v, want rejected/blocked", out)
	}
	if got := h.gen.callCount(); got != 0 {
		t.Errorf("generator called %d times for a blocked message", got)
	}
	if snap := h.engine.MemorySnapshot("u1"); snap.Profile.MessageCount != 0 {
		t.Errorf("blocked message mutated memory: %+v", snap.Profile)
	}
	if !h.rec.has(notify.KindMessageBlocked) {
		t.Errorf("notifications = %v, want message.blocked", h.rec.kinds())
	}
}

func TestGenerationFailureRetriesThenRejects(t *testing.T) {
	gen := &scriptedGenerator{
		fn: func(context.Context, memory.Snapshot, string) (string, map[string]string, error) {
			return "", nil, errors.New("backend down")
		},
	}
	h := newHarness(t, engine.Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, gate.Config{}, cleanScorer{}, gen, nil)

	out := h.engine.HandleMessage(context.Background(), "u1", "hello", base)
	if out.Status != engine.StatusRejected || out.Reason != engine.ReasonGenerationFailed {
		t.Fatalf("outcome = %+v, want rejected/generation_failed", out)
	}
	if got := h.gen.callCount(); got != 3 {
		t.Errorf("generator called %d times, want 3 attempts", got)
	}
	if snap := h.engine.MemorySnapshot("u1"); len(snap.ShortTerm) != 0 {
		t.Errorf("failed generation committed an exchange: %+v", snap.ShortTerm)
	}
	if !h.rec.has(notify.KindGenerationFailed) {
		t.Errorf("notifications = %v, want generation.failed", h.rec.kinds())
	}
}

func TestGenerationEventualSuccess(t *testing.T) {
	attempts := 0
	gen := &scriptedGenerator{
		fn: func(_ context.Context, _ memory.Snapshot, inbound string) (string, map[string]string, error) {
			attempts++
			if attempts == 1 {
				return "", nil, errors.New("transient")
			}
			return "re: " + inbound, nil, nil
		},
	}
	h := newHarness(t, engine.Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, gate.Config{}, cleanScorer{}, gen, nil)

	out := h.engine.HandleMessage(context.Background(), "u1", "hello", base)
	if out.Status != engine.StatusDelivered {
		t.Fatalf("outcome = %+v, want delivered after retry", out)
	}
	if got := h.gen.callCount(); got != 2 {
		t.Errorf("generator called %d times, want 2", got)
	}
}

func TestGenerationTimeout(t *testing.T) {
	gen := &scriptedGenerator{
		fn: func(ctx context.Context, _ memory.Snapshot, _ string) (string, map[string]string, error) {
			<-ctx.Done()
			return "", nil, ctx.Err()
		},
	}
	h := newHarness(t, engine.Config{GenerationTimeout: 20 * time.Millisecond, MaxAttempts: 1}, gate.Config{}, cleanScorer{}, gen, nil)

	out := h.engine.HandleMessage(context.Background(), "u1", "hello", base)
	if out.Status != engine.StatusRejected || out.Reason != engine.ReasonTimeout {
		t.Fatalf("outcome = %+v, want rejected/timeout", out)
	}
}

func TestExtractionFailureCommitsWithoutFacts(t *testing.T) {
	gen := &scriptedGenerator{
		fn: func(_ context.Context, _ memory.Snapshot, inbound string) (string, map[string]string, error) {
			return "re: " + inbound, nil, &engine.ExtractionError{Err: errors.New("parser broke")}
		},
	}
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, gen, nil)

	out := h.engine.HandleMessage(context.Background(), "u1", "remember this", base)
	if out.Status != engine.StatusDelivered {
		t.Fatalf("outcome = %+v, want delivered despite extraction failure", out)
	}
	if got := h.gen.callCount(); got != 1 {
		t.Errorf("generator called %d times, want 1 (no retry on extraction failure)", got)
	}
	snap := h.engine.MemorySnapshot("u1")
	if len(snap.ShortTerm) != 1 {
		t.Fatalf("exchange lost: %+v", snap.ShortTerm)
	}
	if len(snap.Facts) != 0 {
		t.Errorf("facts = %v, want none", snap.Facts)
	}
}

func TestSessionQueueDepthOne(t *testing.T) {
	started := make(chan struct{}, 3)
	proceed := make(chan struct{})
	gen := &scriptedGenerator{
		fn: func(_ context.Context, _ memory.Snapshot, inbound string) (string, map[string]string, error) {
			started <- struct{}{}
			<-proceed
			return "re: " + inbound, nil, nil
		},
	}
	h := newHarness(t, engine.Config{}, gate.Config{MaxMessages: 10, Window: time.Minute}, cleanScorer{}, gen, nil)
	ctx := context.Background()

	results := make(chan engine.Outcome, 2)
	go func() { results <- h.engine.HandleMessage(ctx, "u1", "first", base) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never reached the generator")
	}

	go func() { results <- h.engine.HandleMessage(ctx, "u1", "second", base.Add(time.Second)) }()
	time.Sleep(100 * time.Millisecond) // let the second message queue up

	// With one generating and one queued, a third is turned away.
	third := h.engine.HandleMessage(ctx, "u1", "third", base.Add(2*time.Second))
	if third.Status != engine.StatusRejected || third.Reason != engine.ReasonThrottled {
		t.Fatalf("third outcome = %+v, want rejected/throttled", third)
	}

	close(proceed)
	for range 2 {
		select {
		case out := <-results:
			if out.Status != engine.StatusDelivered {
				t.Errorf("queued outcome = %+v, want delivered", out)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued messages did not complete")
		}
	}

	// Commits landed in arrival order.
	snap := h.engine.MemorySnapshot("u1")
	if len(snap.ShortTerm) != 2 {
		t.Fatalf("short term = %+v", snap.ShortTerm)
	}
	if snap.ShortTerm[0].Inbound != "first" || snap.ShortTerm[1].Inbound != "second" {
		t.Errorf("commit order = [%s, %s], want [first, second]",
			snap.ShortTerm[0].Inbound, snap.ShortTerm[1].Inbound)
	}
}

func TestQueuedMessageHonorsContextDeadline(t *testing.T) {
	started := make(chan struct{}, 1)
	proceed := make(chan struct{})
	gen := &scriptedGenerator{
		fn: func(_ context.Context, _ memory.Snapshot, inbound string) (string, map[string]string, error) {
			started <- struct{}{}
			<-proceed
			return "re: " + inbound, nil, nil
		},
	}
	h := newHarness(t, engine.Config{}, gate.Config{MaxMessages: 10, Window: time.Minute}, cleanScorer{}, gen, nil)

	results := make(chan engine.Outcome, 1)
	go func() { results <- h.engine.HandleMessage(context.Background(), "u1", "first", base) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never reached the generator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := h.engine.HandleMessage(ctx, "u1", "second", base.Add(time.Second))
	if out.Status != engine.StatusRejected || out.Reason != engine.ReasonTimeout {
		t.Fatalf("queued outcome = %+v, want rejected/timeout", out)
	}

	close(proceed)
	select {
	case first := <-results:
		if first.Status != engine.StatusDelivered {
			t.Errorf("first outcome = %+v", first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first message did not complete")
	}
}

func TestCorrespondentsProcessConcurrently(t *testing.T) {
	started := make(chan struct{}, 2)
	proceed := make(chan struct{})
	gen := &scriptedGenerator{
		fn: func(_ context.Context, _ memory.Snapshot, inbound string) (string, map[string]string, error) {
			started <- struct{}{}
			<-proceed
			return "re: " + inbound, nil, nil
		},
	}
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, gen, nil)
	ctx := context.Background()

	results := make(chan engine.Outcome, 2)
	go func() { results <- h.engine.HandleMessage(ctx, "u1", "hello", base) }()
	go func() { results <- h.engine.HandleMessage(ctx, "u2", "hello", base) }()

	// Both correspondents must be inside the generator at once; if traffic
	// were serialized globally the second entry would never arrive.
	for i := range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d correspondent(s) reached the generator", i)
		}
	}
	close(proceed)
	for range 2 {
		if out := <-results; out.Status != engine.StatusDelivered {
			t.Errorf("outcome = %+v", out)
		}
	}
}

func TestArtifactProduction(t *testing.T) {
	producer := &scriptedProducer{
		fn: func(_ context.Context, req engine.ArtifactRequest) (string, error) {
			return "artifact://" + req.CorrespondentID, nil
		},
	}
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, echoGenerator(), producer)

	done := make(chan engine.ArtifactResult, 1)
	err := h.engine.RequestArtifact(context.Background(), engine.ArtifactRequest{
		CorrespondentID: "u1",
		Prompt:          "a red fox",
	}, func(res engine.ArtifactResult) { done <- res })
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var res engine.ArtifactResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("artifact callback never fired")
	}
	if res.Err != nil || res.Ref != "artifact://u1" || res.Cached {
		t.Fatalf("result = %+v", res)
	}
	if !h.rec.has(notify.KindArtifactReady) {
		t.Errorf("notifications = %v, want artifact.ready", h.rec.kinds())
	}

	// The finished artifact is cached: the same request answers inline.
	cached := make(chan engine.ArtifactResult, 1)
	err = h.engine.RequestArtifact(context.Background(), engine.ArtifactRequest{
		CorrespondentID: "u1",
		Prompt:          "a red fox",
	}, func(res engine.ArtifactResult) { cached <- res })
	if err != nil {
		t.Fatalf("cached request: %v", err)
	}
	select {
	case res = <-cached:
	case <-time.After(2 * time.Second):
		t.Fatal("cached callback never fired")
	}
	if !res.Cached || res.Ref != "artifact://u1" {
		t.Fatalf("cached result = %+v", res)
	}
	if got := producer.callCount(); got != 1 {
		t.Errorf("producer called %d times, want 1", got)
	}
}

func TestArtifactBusyAndFailure(t *testing.T) {
	block := make(chan struct{})
	fail := errors.New("renderer crashed")
	producer := &scriptedProducer{
		fn: func(_ context.Context, req engine.ArtifactRequest) (string, error) {
			if req.Prompt == "slow" {
				<-block
				return "", fail
			}
			return "artifact://ok", nil
		},
	}
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, echoGenerator(), producer)
	ctx := context.Background()

	done := make(chan engine.ArtifactResult, 1)
	if err := h.engine.RequestArtifact(ctx, engine.ArtifactRequest{CorrespondentID: "u1", Prompt: "slow"},
		func(res engine.ArtifactResult) { done <- res }); err != nil {
		t.Fatalf("request: %v", err)
	}

	// Same correspondent: rejected while the first job runs.
	err := h.engine.RequestArtifact(ctx, engine.ArtifactRequest{CorrespondentID: "u1", Prompt: "another"}, nil)
	if !errors.Is(err, engine.ErrArtifactBusy) {
		t.Fatalf("second request err = %v, want ErrArtifactBusy", err)
	}
	// Other correspondents are unaffected.
	other := make(chan engine.ArtifactResult, 1)
	if err := h.engine.RequestArtifact(ctx, engine.ArtifactRequest{CorrespondentID: "u2", Prompt: "quick"},
		func(res engine.ArtifactResult) { other <- res }); err != nil {
		t.Fatalf("other correspondent: %v", err)
	}
	select {
	case res := <-other:
		if res.Err != nil {
			t.Errorf("other result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other callback never fired")
	}

	close(block)
	select {
	case res := <-done:
		if !errors.Is(res.Err, fail) {
			t.Errorf("failed result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failing callback never fired")
	}
	if !h.rec.has(notify.KindArtifactFailed) {
		t.Errorf("notifications = %v, want artifact.failed", h.rec.kinds())
	}

	// The slot is free again after the failure.
	retry := make(chan engine.ArtifactResult, 1)
	if err := h.engine.RequestArtifact(ctx, engine.ArtifactRequest{CorrespondentID: "u1", Prompt: "quick"},
		func(res engine.ArtifactResult) { retry <- res }); err != nil {
		t.Fatalf("retry request: %v", err)
	}
	select {
	case res := <-retry:
		if res.Err != nil || res.Ref != "artifact://ok" {
			t.Errorf("retry result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry callback never fired")
	}
}

func TestArtifactWithoutProducer(t *testing.T) {
	h := newHarness(t, engine.Config{}, gate.Config{}, cleanScorer{}, echoGenerator(), nil)
	err := h.engine.RequestArtifact(context.Background(), engine.ArtifactRequest{CorrespondentID: "u1"}, nil)
	if !errors.Is(err, engine.ErrNoProducer) {
		t.Fatalf("err = %v, want ErrNoProducer", err)
	}
}
