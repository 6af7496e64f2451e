// Package engine is the conversation orchestrator: it walks every inbound
// message through the gate, memory and generation pipeline and returns a
// typed outcome to the caller.
//
// Per message the engine moves through the phases received → gated →
// context_built → generating → committing → delivered, short-circuiting to
// rejected on a gate verdict or a terminal generation failure. The engine
// holds no cross-message state of its own beyond the per-correspondent
// session slots that keep commits in arrival order; gate, memory and cache
// state live in their owning packages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/internal/kioku/cache"
	"github.com/bdobrica/kioku/internal/kioku/gate"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/notify"
)

// Pipeline phases, logged per transition.
type phase string

const (
	phaseReceived     phase = "received"
	phaseGated        phase = "gated"
	phaseContextBuilt phase = "context_built"
	phaseGenerating   phase = "generating"
	phaseCommitting   phase = "committing"
	phaseDelivered    phase = "delivered"
	phaseRejected     phase = "rejected"
)

// Status is the terminal state of a handled message.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusRejected  Status = "rejected"
)

// Rejection reason codes carried on Outcome so callers can decide whether
// to retry, notify or drop.
const (
	ReasonThrottled        = "throttled"
	ReasonBlocked          = "blocked"
	ReasonGenerationFailed = "generation_failed"
	ReasonTimeout          = "timeout"
)

// Outcome is the engine's answer for one inbound message.
type Outcome struct {
	Status    Status `json:"status"`
	Reply     string `json:"reply,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	MessageID string `json:"message_id"`
	TraceID   string `json:"trace_id"`
}

// ReplyGenerator produces the outbound reply for an inbound message given
// the correspondent's memory snapshot. Implementations are expected to be
// slow and fallible; the engine applies its own timeout and retry policy.
//
// A generator that produced a reply but failed to extract durable facts
// should return the reply together with an *ExtractionError: the exchange
// is then committed without new facts instead of being lost.
type ReplyGenerator interface {
	Generate(ctx context.Context, snap memory.Snapshot, inbound string) (reply string, facts map[string]string, err error)
}

// ExtractionError reports that fact extraction failed after a reply was
// produced. It is recovered locally, never surfaced to the caller.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("engine: fact extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// GenerationTimeout bounds one generation attempt (default 30s).
	GenerationTimeout time.Duration
	// MaxAttempts is the total number of generation attempts (default 3).
	MaxAttempts int
	// RetryDelay is the backoff before the second attempt (default 500ms).
	RetryDelay time.Duration
	// ArtifactTimeout bounds one artifact production run (default 2m).
	ArtifactTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ArtifactTimeout <= 0 {
		c.ArtifactTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators the engine coordinates. Gate, Memory and
// Generator are required; Producer and Notifier are optional.
type Deps struct {
	Gate      *gate.Gate
	Memory    *memory.Store
	Generator ReplyGenerator
	Producer  ArtifactProducer
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Engine coordinates the message pipeline. Safe for concurrent use.
type Engine struct {
	cfg       Config
	gate      *gate.Gate
	memory    *memory.Store
	generator ReplyGenerator
	notifier  notify.Notifier
	logger    *slog.Logger

	sessions  *sessionTable
	artifacts *artifactTable
}

// New validates deps and builds the engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Gate == nil {
		return nil, errors.New("engine: gate is required")
	}
	if deps.Memory == nil {
		return nil, errors.New("engine: memory store is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("engine: reply generator is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		gate:      deps.Gate,
		memory:    deps.Memory,
		generator: deps.Generator,
		notifier:  deps.Notifier,
		logger:    deps.Logger.With("component", "engine"),
		sessions:  newSessionTable(),
		artifacts: newArtifactTable(deps.Producer),
	}, nil
}

// HandleMessage runs one inbound message through the pipeline and returns
// its outcome. now is the message's arrival time: it drives the gate
// windows and the commit timestamp, so replayed traffic is evaluated
// against its own clock.
func (e *Engine) HandleMessage(ctx context.Context, correspondentID, text string, now time.Time) Outcome {
	ctx, traceID := trace.Ensure(ctx)
	messageID := uuid.NewString()
	logger := e.logger.With(
		"trace_id", traceID,
		"message_id", messageID,
		"correspondent", correspondentID)
	logger.Debug("message received", "phase", phaseReceived, "preview", redact.Preview(text, 48))

	switch verdict := e.gate.Evaluate(correspondentID, text, now); verdict {
	case gate.VerdictThrottle:
		logger.Info("message throttled", "phase", phaseRejected)
		e.notifier.Notify(ctx, notify.Event{
			Kind:            notify.KindMessageThrottled,
			Severity:        notify.SeverityWarning,
			CorrespondentID: correspondentID,
			Message:         "message rate over budget",
			TraceID:         traceID,
		})
		return Outcome{Status: StatusRejected, Reason: ReasonThrottled, MessageID: messageID, TraceID: traceID}
	case gate.VerdictBlock:
		logger.Info("message blocked", "phase", phaseRejected, "score", e.gate.Score(correspondentID))
		e.notifier.Notify(ctx, notify.Event{
			Kind:            notify.KindMessageBlocked,
			Severity:        notify.SeverityWarning,
			CorrespondentID: correspondentID,
			Message:         "correspondent blocked by admission gate",
			TraceID:         traceID,
		})
		return Outcome{Status: StatusRejected, Reason: ReasonBlocked, MessageID: messageID, TraceID: traceID}
	}
	logger.Debug("message admitted", "phase", phaseGated)

	// One generation in flight per correspondent, one message queued behind
	// it; anything more is rejected so floods cannot pile up goroutines.
	release, err := e.sessions.acquire(ctx, correspondentID)
	if err != nil {
		reason := ReasonThrottled
		if !errors.Is(err, ErrSessionBusy) {
			reason = ReasonTimeout
		}
		logger.Info("no session slot", "phase", phaseRejected, "reason", reason, "error", err)
		return Outcome{Status: StatusRejected, Reason: reason, MessageID: messageID, TraceID: traceID}
	}
	defer release()

	snap := e.memory.BuildContext(correspondentID)
	logger.Debug("context built", "phase", phaseContextBuilt,
		"exchanges", len(snap.ShortTerm), "facts", len(snap.Facts))

	// A repeated message with a cached reply skips generation entirely but
	// still advances the conversation.
	fingerprint := cache.ReplyFingerprint(correspondentID, text)
	if entry, ok := e.memory.CacheLookup(fingerprint); ok {
		reply := string(entry.Body)
		e.memory.Commit(correspondentID, text, reply, nil, now)
		logger.Info("reply served from cache", "phase", phaseDelivered)
		return Outcome{Status: StatusDelivered, Reply: reply, Cached: true, MessageID: messageID, TraceID: traceID}
	}

	logger.Debug("generating reply", "phase", phaseGenerating)
	reply, facts, err := e.generate(ctx, logger, snap, text)
	if err != nil {
		reason := ReasonGenerationFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		logger.Warn("generation failed", "phase", phaseRejected, "reason", reason, "error", err)
		e.notifier.Notify(ctx, notify.Event{
			Kind:            notify.KindGenerationFailed,
			Severity:        notify.SeverityError,
			CorrespondentID: correspondentID,
			Message:         fmt.Sprintf("reply generation failed: %v", err),
			TraceID:         traceID,
		})
		return Outcome{Status: StatusRejected, Reason: reason, MessageID: messageID, TraceID: traceID}
	}

	logger.Debug("committing exchange", "phase", phaseCommitting, "facts", len(facts))
	e.memory.Commit(correspondentID, text, reply, facts, now)
	e.memory.CacheStore(fingerprint, cache.KindReply, []byte(reply))

	logger.Info("message delivered", "phase", phaseDelivered)
	return Outcome{Status: StatusDelivered, Reply: reply, MessageID: messageID, TraceID: traceID}
}

// generate runs the reply generator with per-attempt timeouts and
// exponential backoff. An ExtractionError counts as success without facts.
func (e *Engine) generate(ctx context.Context, logger *slog.Logger, snap memory.Snapshot, inbound string) (string, map[string]string, error) {
	var reply string
	var facts map[string]string

	rcfg := retry.DefaultConfig
	rcfg.MaxAttempts = e.cfg.MaxAttempts
	rcfg.InitialDelay = e.cfg.RetryDelay

	err := retry.Do(ctx, rcfg, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
		defer cancel()

		r, f, err := e.generator.Generate(attemptCtx, snap, inbound)
		if err != nil {
			var xerr *ExtractionError
			if errors.As(err, &xerr) && r != "" {
				logger.Warn("fact extraction failed, committing without facts", "error", xerr.Err)
				reply, facts = r, nil
				return nil
			}
			return err
		}
		reply, facts = r, f
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return reply, facts, nil
}

// MemorySnapshot returns the correspondent's current context, read-only.
// Unknown correspondents get an empty snapshot and are not registered.
func (e *Engine) MemorySnapshot(correspondentID string) memory.Snapshot {
	return e.memory.Peek(correspondentID)
}

// CacheStats exposes the artifact cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.memory.CacheStats()
}

// Close waits for in-flight artifact jobs to finish. Message handling that
// is still running is owned by its callers.
func (e *Engine) Close() {
	e.artifacts.wait()
}
