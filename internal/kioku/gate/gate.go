// Package gate implements the admission gate every inbound message passes
// before it may touch memory or trigger generation: per-correspondent
// rate-limit windows plus a smoothed spam score with escalating block
// cooldowns.
//
// Evaluation is fast, purely in-memory and never calls external services.
// State is partitioned per correspondent: the gate-wide mutex covers only
// map get-or-create, all window/score mutation happens under the
// correspondent's own lock, so a flood from one correspondent cannot stall
// evaluation for another.
package gate

import (
	"log/slog"
	"sync"
	"time"
)

// Verdict is the gate's decision for one message.
type Verdict string

const (
	// VerdictAllow admits the message into the conversation pipeline.
	VerdictAllow Verdict = "allow"
	// VerdictThrottle rejects the message because a rate window is
	// exhausted. Throttled messages are not recorded in the window.
	VerdictThrottle Verdict = "throttle"
	// VerdictBlock rejects the message because the correspondent's spam
	// score crossed a threshold. Terminal for the message.
	VerdictBlock Verdict = "block"
)

// Scorer rates message text for spam likelihood. recent holds the
// correspondent's preceding message texts, oldest first, so stateless
// implementations can still detect repetition. Scores outside [0,1] are
// clamped by the gate.
type Scorer interface {
	Score(text string, recent []string) float64
}

// Config tunes the gate. Zero values fall back to defaults.
type Config struct {
	// MaxMessages is the primary window budget (default 30).
	MaxMessages int
	// Window is the primary window length (default 60s).
	Window time.Duration
	// HourlyMaxMessages is the long-horizon budget (default 200).
	HourlyMaxMessages int
	// HourlyWindow is the long-horizon window length (default 1h).
	HourlyWindow time.Duration
	// SpamThreshold blocks when the smoothed score reaches it (default 0.30).
	SpamThreshold float64
	// HardThreshold blocks instantly on a single raw score at or above it,
	// regardless of smoothing (default 0.80). Values above 1 disable it.
	HardThreshold float64
	// SmoothingAlpha is the exponential smoothing weight of the newest
	// score (default 0.10).
	SmoothingAlpha float64
	// CooldownBase is the first block's cooldown; each consecutive block
	// doubles it (default 5m).
	CooldownBase time.Duration
	// CooldownCap bounds the doubling (default 24h).
	CooldownCap time.Duration
	// RecentTexts is how many prior texts are kept per correspondent for
	// the scorer (default 8).
	RecentTexts int
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 30
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.HourlyMaxMessages <= 0 {
		c.HourlyMaxMessages = 200
	}
	if c.HourlyWindow <= 0 {
		c.HourlyWindow = time.Hour
	}
	if c.SpamThreshold <= 0 {
		c.SpamThreshold = 0.30
	}
	if c.HardThreshold <= 0 {
		c.HardThreshold = 0.80
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = 0.10
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 5 * time.Minute
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = 24 * time.Hour
	}
	if c.RecentTexts <= 0 {
		c.RecentTexts = 8
	}
	return c
}

// state is one correspondent's admission bookkeeping.
type state struct {
	mu           sync.Mutex
	window       []time.Time // primary window timestamps
	hourly       []time.Time // long-horizon window timestamps
	score        float64     // smoothed spam score in [0,1]
	strikes      int         // consecutive blocks
	blockedUntil time.Time
	recent       []string // last N message texts, oldest first
}

// Gate evaluates inbound messages. Safe for concurrent use.
type Gate struct {
	scorer Scorer
	logger *slog.Logger

	mu     sync.Mutex // guards cfg and states map get-or-create only
	cfg    Config
	states map[string]*state
}

// New creates a Gate with the given scorer. logger may be nil.
func New(cfg Config, scorer Scorer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:    cfg.withDefaults(),
		scorer: scorer,
		logger: logger.With("component", "gate"),
		states: make(map[string]*state),
	}
}

// Evaluate decides whether the message from correspondentID may proceed.
// Timestamps older than the configured windows are purged first; a
// throttled message is never recorded.
func (g *Gate) Evaluate(correspondentID, text string, now time.Time) Verdict {
	cfg := g.config()
	st := g.state(correspondentID)

	st.mu.Lock()
	defer st.mu.Unlock()

	// An active cooldown short-circuits everything.
	if now.Before(st.blockedUntil) {
		return VerdictBlock
	}

	st.window = prune(st.window, now.Add(-cfg.Window))
	st.hourly = prune(st.hourly, now.Add(-cfg.HourlyWindow))

	if len(st.window) >= cfg.MaxMessages || len(st.hourly) >= cfg.HourlyMaxMessages {
		return VerdictThrottle
	}

	raw := clamp01(g.scorer.Score(text, st.recent))
	alpha := cfg.SmoothingAlpha
	st.score = alpha*raw + (1-alpha)*st.score
	st.pushRecent(text, cfg.RecentTexts)

	if raw >= cfg.HardThreshold || st.score >= cfg.SpamThreshold {
		st.strikes++
		cooldown := cooldownFor(cfg, st.strikes)
		st.blockedUntil = now.Add(cooldown)
		g.logger.Info("correspondent blocked",
			"correspondent", correspondentID,
			"raw_score", raw,
			"smoothed_score", st.score,
			"strikes", st.strikes,
			"cooldown", cooldown)
		return VerdictBlock
	}

	st.window = append(st.window, now)
	st.hourly = append(st.hourly, now)
	st.strikes = 0
	return VerdictAllow
}

// Score returns the correspondent's current smoothed spam score.
func (g *Gate) Score(correspondentID string) float64 {
	st := g.state(correspondentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.score
}

// cooldownFor doubles the base cooldown per consecutive strike, capped.
func cooldownFor(cfg Config, strikes int) time.Duration {
	cooldown := cfg.CooldownBase
	for i := 1; i < strikes; i++ {
		cooldown *= 2
		if cooldown >= cfg.CooldownCap {
			return cfg.CooldownCap
		}
	}
	if cooldown > cfg.CooldownCap {
		return cfg.CooldownCap
	}
	return cooldown
}

// SetConfig swaps the gate's tuning. Applies to evaluations that start after
// the call; per-correspondent windows and scores are kept as they are.
func (g *Gate) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg.withDefaults()
}

func (g *Gate) config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// state returns the correspondent's state, creating it on first contact.
func (g *Gate) state(correspondentID string) *state {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[correspondentID]
	if !ok {
		st = &state{}
		g.states[correspondentID] = st
	}
	return st
}

func (st *state) pushRecent(text string, max int) {
	st.recent = append(st.recent, text)
	if len(st.recent) > max {
		st.recent = st.recent[len(st.recent)-max:]
	}
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	valid := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// BlockState is the exportable part of a correspondent's bookkeeping, used
// to persist escalation across restarts. The gate itself never performs
// I/O; the application flushes and restores these snapshots.
type BlockState struct {
	CorrespondentID string
	Strikes         int
	BlockedUntil    time.Time
	Score           float64
}

// Blocks returns a snapshot of every correspondent with live block
// bookkeeping: a strike history, an unexpired cooldown, or a smoothed score
// still above half the block threshold.
func (g *Gate) Blocks(now time.Time) []BlockState {
	cfg := g.config()

	g.mu.Lock()
	ids := make([]string, 0, len(g.states))
	states := make([]*state, 0, len(g.states))
	for id, st := range g.states {
		ids = append(ids, id)
		states = append(states, st)
	}
	g.mu.Unlock()

	var out []BlockState
	for i, st := range states {
		st.mu.Lock()
		live := st.strikes > 0 || now.Before(st.blockedUntil) || st.score >= cfg.SpamThreshold/2
		if live {
			out = append(out, BlockState{
				CorrespondentID: ids[i],
				Strikes:         st.strikes,
				BlockedUntil:    st.blockedUntil,
				Score:           st.score,
			})
		}
		st.mu.Unlock()
	}
	return out
}

// RestoreBlocks seeds block bookkeeping from persisted snapshots, typically
// once at startup before traffic arrives. Expired cooldowns are kept only
// for their strike count and score.
func (g *Gate) RestoreBlocks(blocks []BlockState) {
	for _, b := range blocks {
		st := g.state(b.CorrespondentID)
		st.mu.Lock()
		st.strikes = b.Strikes
		st.blockedUntil = b.BlockedUntil
		st.score = clamp01(b.Score)
		st.mu.Unlock()
	}
}
