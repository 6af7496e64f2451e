package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/kioku/internal/kioku/notify"
)

// maintenance runs the periodic housekeeping jobs on cron schedules:
//
//   - sweep: expire cache entries in both tiers
//   - flush: persist dirty memory records, gate blocks and counters
//   - prune: trim the events table and demote idle memory records
//
// Schedules use six-field cron expressions (seconds first). Bad expressions
// fail at construction, not at first fire.
type maintenance struct {
	app    *App
	logger *slog.Logger
	cron   *cron.Cron
}

func newMaintenance(a *App, logger *slog.Logger) (*maintenance, error) {
	m := &maintenance{
		app:    a,
		logger: logger.With("component", "maintenance"),
		cron:   cron.New(cron.WithSeconds()),
	}

	jobs := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"sweep", a.cfg.Maintenance.SweepSchedule, m.sweep},
		{"flush", a.cfg.Maintenance.FlushSchedule, m.flush},
		{"prune", a.cfg.Maintenance.PruneSchedule, m.prune},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := m.cron.AddFunc(j.schedule, j.fn); err != nil {
			return nil, fmt.Errorf("app: schedule %s job %q: %w", j.name, j.schedule, err)
		}
	}
	return m, nil
}

// run starts the scheduler and blocks until ctx is cancelled, then waits
// for any in-flight job to finish.
func (m *maintenance) run(ctx context.Context) error {
	m.cron.Start()
	m.logger.Info("maintenance scheduler started",
		"sweep", m.app.cfg.Maintenance.SweepSchedule,
		"flush", m.app.cfg.Maintenance.FlushSchedule,
		"prune", m.app.cfg.Maintenance.PruneSchedule)

	<-ctx.Done()
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		m.logger.Warn("maintenance job still running at shutdown")
	}
	return nil
}

// sweep expires dead cache entries in the hot tier and the durable tier.
func (m *maintenance) sweep() {
	hot, durable := m.app.cache.Sweep(time.Now())
	if hot > 0 || durable > 0 {
		m.logger.Info("cache sweep", "hot_expired", hot, "durable_expired", durable)
	}
}

// flush persists everything with unsaved changes. A failed record flush
// degrades persistence without stopping the pipeline, so it is surfaced as
// a notification rather than an error return.
func (m *maintenance) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := m.app.memory.FlushDirty()
	if err != nil {
		m.logger.Error("record flush failed", "flushed", n, "error", err)
		m.app.notifier.Notify(ctx, notify.Event{
			Kind:     notify.KindPersistenceDegraded,
			Severity: notify.SeverityError,
			Message:  fmt.Sprintf("memory record flush failed: %v", err),
		})
	} else if n > 0 {
		m.logger.Debug("flushed dirty records", "count", n)
	}

	m.app.flushGateBlocks(ctx)
	m.app.persistCounters(ctx)
}

// prune trims old audit trail rows and demotes memory records that have
// been idle past the configured threshold.
func (m *maintenance) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	retention := m.app.cfg.Maintenance.EventRetentionDays
	if retention > 0 {
		cutoff := time.Now().AddDate(0, 0, -retention)
		if n, err := m.app.store.PruneEvents(ctx, cutoff); err != nil {
			m.logger.Warn("event prune failed", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned events", "count", n, "cutoff", cutoff.Format(time.RFC3339))
		}
	}

	idle := time.Duration(m.app.cfg.Maintenance.IdleEvictSeconds) * time.Second
	if idle > 0 {
		m.evictIdle(time.Now().Add(-idle))
	}
}

// evictIdle flushes and drops resident memory records whose last activity
// predates cutoff. The records stay durable; the next message from that
// correspondent re-hydrates them.
func (m *maintenance) evictIdle(cutoff time.Time) {
	evicted := 0
	for _, id := range m.app.memory.Correspondents() {
		snap := m.app.memory.Peek(id)
		if snap.LastActivity.IsZero() || snap.LastActivity.After(cutoff) {
			continue
		}
		if err := m.app.memory.Evict(id); err != nil {
			m.logger.Warn("idle evict failed", "correspondent", id, "error", err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		m.logger.Info("evicted idle memory records", "count", evicted)
	}
}
