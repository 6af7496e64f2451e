package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/internal/kioku/cache"
	"github.com/bdobrica/kioku/internal/kioku/notify"
)

// ErrNoProducer is returned when artifact production is requested but no
// producer was configured.
var ErrNoProducer = errors.New("engine: no artifact producer configured")

// ErrArtifactBusy is returned when the correspondent already has an
// artifact job in flight.
var ErrArtifactBusy = errors.New("engine: artifact production already in flight")

// ArtifactRequest describes an expensive out-of-band production job, such
// as an image for a conversation.
type ArtifactRequest struct {
	CorrespondentID string
	Prompt          string
}

// ArtifactProducer runs the job. Implementations may take minutes; the
// engine bounds them with Config.ArtifactTimeout.
type ArtifactProducer interface {
	Produce(ctx context.Context, req ArtifactRequest) (ref string, err error)
}

// ArtifactResult is delivered to the completion callback.
type ArtifactResult struct {
	CorrespondentID string
	Prompt          string
	Ref             string
	Cached          bool
	Err             error
}

// artifactTable tracks one in-flight job per correspondent.
type artifactTable struct {
	producer ArtifactProducer
	mu       sync.Mutex
	busy     map[string]bool
	wg       sync.WaitGroup
}

func newArtifactTable(producer ArtifactProducer) *artifactTable {
	return &artifactTable{producer: producer, busy: make(map[string]bool)}
}

func (t *artifactTable) claim(correspondentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy[correspondentID] {
		return false
	}
	t.busy[correspondentID] = true
	return true
}

func (t *artifactTable) free(correspondentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.busy, correspondentID)
}

func (t *artifactTable) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.busy)
}

func (t *artifactTable) wait() { t.wg.Wait() }

// RequestArtifact starts asynchronous artifact production and returns
// immediately; done, if non-nil, is invoked exactly once with the result.
// A cached artifact for the same correspondent and prompt short-circuits to
// the callback without starting a job. One job per correspondent may be in
// flight; further requests fail with ErrArtifactBusy.
//
// Production is decoupled from the requesting call: it keeps running after
// the caller's context ends, bounded only by the configured timeout.
func (e *Engine) RequestArtifact(ctx context.Context, req ArtifactRequest, done func(ArtifactResult)) error {
	if e.artifacts.producer == nil {
		return ErrNoProducer
	}
	ctx, traceID := trace.Ensure(ctx)
	logger := e.logger.With("trace_id", traceID, "correspondent", req.CorrespondentID)

	fingerprint := cache.ArtifactFingerprint(req.CorrespondentID, req.Prompt)
	if entry, ok := e.memory.CacheLookup(fingerprint); ok {
		logger.Debug("artifact served from cache", "prompt", redact.Preview(req.Prompt, 48))
		if done != nil {
			done(ArtifactResult{
				CorrespondentID: req.CorrespondentID,
				Prompt:          req.Prompt,
				Ref:             string(entry.Body),
				Cached:          true,
			})
		}
		return nil
	}

	if !e.artifacts.claim(req.CorrespondentID) {
		return ErrArtifactBusy
	}

	detached := context.WithoutCancel(ctx)
	e.artifacts.wg.Add(1)
	go func() {
		defer e.artifacts.wg.Done()
		defer e.artifacts.free(req.CorrespondentID)

		runCtx, cancel := context.WithTimeout(detached, e.cfg.ArtifactTimeout)
		defer cancel()

		ref, err := e.artifacts.producer.Produce(runCtx, req)
		result := ArtifactResult{
			CorrespondentID: req.CorrespondentID,
			Prompt:          req.Prompt,
			Ref:             ref,
			Err:             err,
		}
		if err != nil {
			logger.Warn("artifact production failed", "error", err)
			e.notifier.Notify(detached, notify.Event{
				Kind:            notify.KindArtifactFailed,
				Severity:        notify.SeverityError,
				CorrespondentID: req.CorrespondentID,
				Message:         fmt.Sprintf("artifact production failed: %v", err),
				TraceID:         traceID,
			})
		} else {
			e.memory.CacheStore(fingerprint, cache.KindArtifact, []byte(ref))
			logger.Info("artifact produced", "ref", ref)
			e.notifier.Notify(detached, notify.Event{
				Kind:            notify.KindArtifactReady,
				Severity:        notify.SeverityInfo,
				CorrespondentID: req.CorrespondentID,
				Message:         "artifact ready: " + ref,
				TraceID:         traceID,
			})
		}
		if done != nil {
			done(result)
		}
	}()
	return nil
}

// ArtifactsInFlight reports how many artifact jobs are currently running.
func (e *Engine) ArtifactsInFlight() int {
	return e.artifacts.inFlight()
}
