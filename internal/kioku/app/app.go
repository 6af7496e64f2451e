// Package app assembles the engine from its parts: SQLite store, artifact
// cache with a durable tier, memory store, admission gate, notifier fan-out
// and the conversation orchestrator. It owns the process lifecycle (admin
// HTTP server, scheduled maintenance, configuration reload) and the final
// flush on shutdown.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kioku/internal/kioku/cache"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/engine"
	"github.com/bdobrica/kioku/internal/kioku/gate"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/notify"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// countersKey is the engine_kv row holding cumulative outcome counters.
const countersKey = "engine.counters"

// Options carries the collaborators the application cannot construct
// itself.
type Options struct {
	// Generator produces replies. Nil falls back to the built-in
	// deterministic generator, which keeps local runs working without any
	// external service.
	Generator engine.ReplyGenerator
	// Producer runs artifact jobs. Nil disables artifact requests.
	Producer engine.ArtifactProducer
	// ConfigPath, when non-empty, is watched so tunables (gate thresholds,
	// cache TTLs, notification floor) can be re-applied without a restart.
	ConfigPath string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// App is the assembled engine plus its operational surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	cache    *cache.Cache
	gate     *gate.Gate
	memory   *memory.Store
	engine   *engine.Engine
	notifier *notify.Multi

	fileChannel    *notify.FileNotifier
	webhookChannel *notify.WebhookNotifier

	admin   *adminServer
	maint   *maintenance
	watcher *config.Watcher

	counters  *counters
	startedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

// New wires the application from cfg. The data directory is created, the
// database opened and migrated, persisted gate blocks and counters are
// restored, and every component is connected. The admin server, the
// maintenance scheduler and the config watcher do not start until Run.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir %s: %w", cfg.DataDir, err)
	}

	logger.Info("opening database", "path", cfg.DBPath())
	st, err := store.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		counters:  newCounters(),
		startedAt: time.Now(),
	}

	backing := cache.NewSQLiteBacking(st.DB(), logger)
	a.cache = cache.New(cfg.CacheConfig(), backing, logger)

	records := memory.NewSQLiteRecords(st.DB(), logger)
	a.memory = memory.New(cfg.MemoryConfig(), a.cache, records, logger)

	a.gate = gate.New(cfg.GateConfig(), gate.NewHeuristicScorer(), logger)
	a.restoreGateBlocks(context.Background())
	a.loadCounters(context.Background())

	notifier, err := a.buildNotifier(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.notifier = notifier

	generator := opts.Generator
	if generator == nil {
		logger.Info("no reply generator wired, using the built-in deterministic one")
		generator = NewLocalGenerator()
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Gate:      a.gate,
		Memory:    a.memory,
		Generator: generator,
		Producer:  opts.Producer,
		Notifier:  a.notifier,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: build engine: %w", err)
	}
	a.engine = eng

	if addr := cfg.AdminListen(); addr != "" {
		a.admin = newAdminServer(addr, a, logger)
	}

	maint, err := newMaintenance(a, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.maint = maint

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, a.applyReload, logger)
		if err != nil {
			logger.Warn("config watch unavailable, tunables need a restart", "error", err)
		} else {
			a.watcher = w
		}
	}

	return a, nil
}

// buildNotifier assembles the fan-out: structured log channel always, the
// store-backed audit trail always, file and webhook channels when
// configured. Everything sits behind the severity floor and the per-kind
// rate limit.
func (a *App) buildNotifier(cfg *config.Config) (*notify.Multi, error) {
	targets := []notify.Notifier{
		notify.NewLogNotifier(a.logger),
		newEventRecorder(a.store, a.logger),
	}

	if cfg.Notify.FilePath != "" {
		fn, err := notify.NewFileNotifier(cfg.Notify.FilePath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: open notification file: %w", err)
		}
		a.fileChannel = fn
		targets = append(targets, fn)
		a.logger.Info("file notification channel ready", "path", cfg.Notify.FilePath)
	}
	if cfg.Notify.WebhookURL != "" {
		wn := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, a.logger)
		a.webhookChannel = wn
		targets = append(targets, wn)
		a.logger.Info("webhook notification channel ready", "url", cfg.Notify.WebhookURL)
	}

	window := time.Duration(cfg.Notify.PerKindWindowSeconds) * time.Second
	return notify.NewMulti(cfg.MinSeverity(), cfg.Notify.PerKindLimit, window, targets...), nil
}

// Run starts the admin server, the maintenance scheduler and the config
// watcher, then blocks until ctx is cancelled. Shutdown flushes all dirty
// state; Run returns the first runner error, if any.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		g.Go(func() error { return a.admin.run(ctx) })
	}
	g.Go(func() error { return a.maint.run(ctx) })
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn("config watch failed to start, tunables need a restart", "error", err)
			a.watcher = nil
		} else {
			g.Go(func() error {
				<-ctx.Done()
				a.watcher.Stop()
				return nil
			})
		}
	}

	a.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindEngineStarted,
		Severity: notify.SeverityInfo,
		Message:  "conversation engine started",
	})
	a.logger.Info("kioku is running",
		"admin", a.cfg.AdminListen(),
		"data_dir", a.cfg.DataDir)

	err := g.Wait()
	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close flushes dirty records, gate blocks and counters, stops the engine's
// background work and closes the store and notification channels. Safe to
// call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a.logger.Info("shutting down")
		a.notifier.Notify(ctx, notify.Event{
			Kind:     notify.KindEngineStopped,
			Severity: notify.SeverityInfo,
			Message:  "conversation engine stopping",
		})

		a.engine.Close()

		if n, err := a.memory.FlushDirty(); err != nil {
			a.logger.Warn("final record flush failed", "flushed", n, "error", err)
		} else if n > 0 {
			a.logger.Info("flushed dirty records", "count", n)
		}
		a.flushGateBlocks(ctx)
		a.persistCounters(ctx)

		if a.fileChannel != nil {
			if err := a.fileChannel.Close(); err != nil {
				a.logger.Warn("closing notification file", "error", err)
			}
		}
		if a.webhookChannel != nil {
			a.webhookChannel.Close()
		}

		a.logger.Info("closing database")
		a.closeErr = a.store.Close()
	})
	return a.closeErr
}

// HandleMessage runs one inbound message through the engine, stamping the
// arrival time, and folds the outcome into the cumulative counters.
func (a *App) HandleMessage(ctx context.Context, correspondentID, text string) engine.Outcome {
	out := a.engine.HandleMessage(ctx, correspondentID, text, time.Now())
	a.counters.observe(out)
	return out
}

// RequestArtifact starts asynchronous artifact production.
func (a *App) RequestArtifact(ctx context.Context, req engine.ArtifactRequest, done func(engine.ArtifactResult)) error {
	return a.engine.RequestArtifact(ctx, req, done)
}

// MemorySnapshot returns the correspondent's read-only context.
func (a *App) MemorySnapshot(correspondentID string) memory.Snapshot {
	return a.engine.MemorySnapshot(correspondentID)
}

// EvictMemory exports the correspondent's record, persists it and drops it
// from the hot tier. The exported record is returned so callers can archive
// what was evicted.
func (a *App) EvictMemory(correspondentID string) (memory.Record, error) {
	rec, err := a.memory.Export(correspondentID)
	if err != nil {
		return memory.Record{}, err
	}
	if err := a.memory.Evict(correspondentID); err != nil {
		return memory.Record{}, err
	}
	return rec, nil
}

// CacheStats exposes the artifact cache counters.
func (a *App) CacheStats() cache.Stats {
	return a.engine.CacheStats()
}

// restoreGateBlocks seeds the gate with persisted escalation state so a
// restart does not reset cooldowns.
func (a *App) restoreGateBlocks(ctx context.Context) {
	rows, err := a.store.LoadGateBlocks(ctx)
	if err != nil {
		a.logger.Warn("gate block restore failed, starting clean", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	blocks := make([]gate.BlockState, len(rows))
	for i, r := range rows {
		blocks[i] = gate.BlockState{
			CorrespondentID: r.CorrespondentID,
			Strikes:         r.Strikes,
			BlockedUntil:    r.BlockedUntil,
			Score:           r.Score,
		}
	}
	a.gate.RestoreBlocks(blocks)
	a.logger.Info("restored gate blocks", "count", len(blocks))
}

// flushGateBlocks replaces the persisted block set with the gate's live
// bookkeeping. An empty snapshot still flushes: stale rows for rehabilitated
// correspondents must not resurrect their strikes on the next restart.
func (a *App) flushGateBlocks(ctx context.Context) {
	blocks := a.gate.Blocks(time.Now())
	rows := make([]store.GateBlock, len(blocks))
	for i, b := range blocks {
		rows[i] = store.GateBlock{
			CorrespondentID: b.CorrespondentID,
			Strikes:         b.Strikes,
			BlockedUntil:    b.BlockedUntil,
			Score:           b.Score,
		}
	}
	if err := a.store.ReplaceGateBlocks(ctx, rows); err != nil {
		a.logger.Warn("gate block flush failed", "count", len(rows), "error", err)
		return
	}
	a.logger.Debug("flushed gate blocks", "count", len(rows))
}

// applyReload re-applies the reloadable tunables from a changed
// configuration file. Structural settings (paths, listen address, cache
// capacity) keep their original values until a restart.
func (a *App) applyReload(next *config.Config) {
	a.gate.SetConfig(next.GateConfig())
	cc := next.CacheConfig()
	a.cache.SetTTLs(cc.DefaultTTL, cc.ReplyTTL, cc.ArtifactTTL)
	a.notifier.SetMinSeverity(next.MinSeverity())

	if next.DataDir != a.cfg.DataDir || next.Admin.Listen != a.cfg.Admin.Listen ||
		next.Cache.Capacity != a.cfg.Cache.Capacity {
		a.logger.Warn("structural configuration changed, restart required to apply",
			"data_dir", next.DataDir, "admin", next.Admin.Listen, "cache_capacity", next.Cache.Capacity)
	}
	a.logger.Info("reloadable tunables applied",
		"spam_threshold", next.Gate.SpamThreshold,
		"rate_limit_max_messages", next.Gate.RateLimitMaxMessages,
		"notify_min_severity", next.Notify.MinSeverity)
}

// counters accumulates message outcomes across the process lifetime; the
// totals survive restarts through the engine_kv table.
type counters struct {
	mu        sync.Mutex
	delivered uint64
	rejected  uint64
	cached    uint64
	reasons   map[string]uint64
}

// CounterSnapshot is the JSON form of the counters, served by the admin
// status endpoint and persisted to the store.
type CounterSnapshot struct {
	Delivered uint64            `json:"delivered"`
	Rejected  uint64            `json:"rejected"`
	Cached    uint64            `json:"cached_replies"`
	Reasons   map[string]uint64 `json:"rejected_by_reason,omitempty"`
}

func newCounters() *counters {
	return &counters{reasons: make(map[string]uint64)}
}

func (c *counters) observe(out engine.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch out.Status {
	case engine.StatusDelivered:
		c.delivered++
		if out.Cached {
			c.cached++
		}
	case engine.StatusRejected:
		c.rejected++
		c.reasons[out.Reason]++
	}
}

func (c *counters) snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := CounterSnapshot{
		Delivered: c.delivered,
		Rejected:  c.rejected,
		Cached:    c.cached,
	}
	if len(c.reasons) > 0 {
		snap.Reasons = make(map[string]uint64, len(c.reasons))
		for k, v := range c.reasons {
			snap.Reasons[k] = v
		}
	}
	return snap
}

func (c *counters) restore(snap CounterSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = snap.Delivered
	c.rejected = snap.Rejected
	c.cached = snap.Cached
	c.reasons = make(map[string]uint64, len(snap.Reasons))
	for k, v := range snap.Reasons {
		c.reasons[k] = v
	}
}

// Counters returns the cumulative outcome totals.
func (a *App) Counters() CounterSnapshot {
	return a.counters.snapshot()
}

func (a *App) loadCounters(ctx context.Context) {
	raw, err := a.store.GetValue(ctx, countersKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("counter restore failed, starting at zero", "error", err)
		}
		return
	}
	var snap CounterSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		a.logger.Warn("counter decode failed, starting at zero", "error", err)
		return
	}
	a.counters.restore(snap)
}

func (a *App) persistCounters(ctx context.Context) {
	data, err := json.Marshal(a.counters.snapshot())
	if err != nil {
		a.logger.Warn("counter encode failed", "error", err)
		return
	}
	if err := a.store.SetValue(ctx, countersKey, string(data)); err != nil {
		a.logger.Warn("counter flush failed", "error", err)
	}
}
