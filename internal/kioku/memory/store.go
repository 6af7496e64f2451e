// Package memory is the layered per-correspondent memory store: a bounded
// short-term exchange window, long-term facts with last-write-wins merge,
// and an incrementally derived profile. The store owns the artifact cache
// and hydrates records lazily from a durable RecordStore.
//
// Reads are copy-on-read: BuildContext returns a deep-copied snapshot taken
// under the correspondent's lock, so readers always see the last fully
// committed state. Commits for the same correspondent serialize on that
// lock; commits for different correspondents proceed independently.
package memory

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/cache"
)

// ErrNoRecord is returned when a correspondent has never been seen.
var ErrNoRecord = errors.New("memory: no such record")

// RecordStore persists memory records across restarts. Implementations
// must be safe for concurrent use.
type RecordStore interface {
	SaveRecord(rec Record) error
	LoadRecord(correspondentID string) (Record, error)
	DeleteRecord(correspondentID string) error
	IDs() ([]string, error)
}

// Config tunes the memory store. Zero values fall back to defaults.
type Config struct {
	// ShortTermWindow is the number of exchanges kept per correspondent
	// (default 12). The oldest pair is dropped on overflow.
	ShortTermWindow int
}

func (c Config) withDefaults() Config {
	if c.ShortTermWindow <= 0 {
		c.ShortTermWindow = 12
	}
	return c
}

// entry pairs a live record with its lock and persistence bookkeeping.
type entry struct {
	mu      sync.Mutex
	rec     *Record
	loaded  bool // durable hydration attempted
	dirty   bool // has uncommitted-to-disk changes
	evicted bool // unmapped by Evict; waiters must re-fetch
}

// Store manages all memory records. Safe for concurrent use.
type Store struct {
	cfg     Config
	cache   *cache.Cache
	records RecordStore
	logger  *slog.Logger

	mu      sync.Mutex // guards entries map get-or-create only
	entries map[string]*entry
}

// New creates a Store. artifacts is the cache used for reply/artifact
// lookups and may be nil (lookups miss, stores are dropped); records may be
// nil for a purely in-memory store; logger may be nil.
func New(cfg Config, artifacts *cache.Cache, records RecordStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg.withDefaults(),
		cache:   artifacts,
		records: records,
		logger:  logger.With("component", "memory"),
		entries: make(map[string]*entry),
	}
}

// BuildContext returns a read-only snapshot of the correspondent's memory.
// Unknown correspondents get an empty snapshot; the record itself is only
// created durably by the first commit.
func (s *Store) BuildContext(correspondentID string) Snapshot {
	e := s.lockEntry(correspondentID)
	defer e.mu.Unlock()
	s.hydrateLocked(e, correspondentID)
	return snapshotOf(e.rec)
}

// Peek returns the correspondent's snapshot without registering anything:
// diagnostic reads must not create state for never-seen correspondents. A
// resident record is snapshotted as-is; otherwise the durable tier is
// consulted, and an unknown correspondent yields an empty snapshot.
func (s *Store) Peek(correspondentID string) Snapshot {
	for {
		s.mu.Lock()
		e := s.entries[correspondentID]
		s.mu.Unlock()

		if e == nil {
			if s.records != nil {
				if rec, err := s.records.LoadRecord(correspondentID); err == nil {
					return snapshotOf(&rec)
				}
			}
			return snapshotOf(&Record{CorrespondentID: correspondentID})
		}

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		s.hydrateLocked(e, correspondentID)
		snap := snapshotOf(e.rec)
		e.mu.Unlock()
		return snap
	}
}

// Commit appends the exchange to short-term memory, merges facts into
// long-term memory (last write wins per key), folds the inbound text into
// the profile and stamps lastActivity. facts may be nil when extraction
// failed or produced nothing; the exchange is still recorded.
func (s *Store) Commit(correspondentID, inbound, outbound string, facts map[string]string, now time.Time) {
	e := s.lockEntry(correspondentID)
	defer e.mu.Unlock()
	s.hydrateLocked(e, correspondentID)

	rec := e.rec
	rec.ShortTerm = append(rec.ShortTerm, Exchange{Inbound: inbound, Outbound: outbound, At: now})
	if k := s.cfg.ShortTermWindow; len(rec.ShortTerm) > k {
		rec.ShortTerm = rec.ShortTerm[len(rec.ShortTerm)-k:]
	}
	if len(facts) > 0 {
		if rec.LongTerm == nil {
			rec.LongTerm = make(map[string]string, len(facts))
		}
		for k, v := range facts {
			rec.LongTerm[k] = v
		}
	}
	rec.Profile.observe(inbound, now)
	rec.LastActivity = now
	e.dirty = true
}

// Export returns a deep copy of the correspondent's record for diagnostics
// or offline export. It does not register unknown correspondents: if none
// exists in memory or durable storage, ErrNoRecord is returned.
func (s *Store) Export(correspondentID string) (Record, error) {
	for {
		s.mu.Lock()
		e := s.entries[correspondentID]
		s.mu.Unlock()

		if e == nil {
			if s.records == nil {
				return Record{}, ErrNoRecord
			}
			rec, err := s.records.LoadRecord(correspondentID)
			if err != nil {
				return Record{}, err
			}
			return rec, nil
		}

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		s.hydrateLocked(e, correspondentID)
		rec := copyRecord(e.rec)
		e.mu.Unlock()
		return rec, nil
	}
}

// Evict flushes the correspondent's record to durable storage and drops it
// from the hot map. The record is not lost: the next access re-hydrates it.
// Eviction fails, keeping the record resident, if the flush fails.
func (s *Store) Evict(correspondentID string) error {
	s.mu.Lock()
	e := s.entries[correspondentID]
	s.mu.Unlock()
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return nil
	}
	if e.dirty && s.records != nil {
		if err := s.records.SaveRecord(copyRecord(e.rec)); err != nil {
			return err
		}
		e.dirty = false
	}

	// Mark before unmapping so a Commit or BuildContext that was waiting on
	// e.mu re-fetches a fresh entry instead of mutating this orphaned one.
	e.evicted = true
	s.mu.Lock()
	if s.entries[correspondentID] == e {
		delete(s.entries, correspondentID)
	}
	s.mu.Unlock()
	return nil
}

// FlushDirty persists every record with unsaved changes. It returns how
// many records were written; failed records stay dirty and are retried on
// the next flush.
func (s *Store) FlushDirty() (int, error) {
	if s.records == nil {
		return 0, nil
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	pending := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		pending = append(pending, e)
	}
	s.mu.Unlock()

	flushed := 0
	var errs []error
	for i, e := range pending {
		e.mu.Lock()
		if e.evicted || !e.dirty {
			e.mu.Unlock()
			continue
		}
		rec := copyRecord(e.rec)
		e.dirty = false
		e.mu.Unlock()

		if err := s.records.SaveRecord(rec); err != nil {
			errs = append(errs, err)
			s.logger.Warn("record flush failed", "correspondent", ids[i], "error", err)
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
			continue
		}
		flushed++
	}
	return flushed, errors.Join(errs...)
}

// Correspondents lists every correspondent with a resident record.
func (s *Store) Correspondents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// CacheLookup returns the cached artifact for fingerprint, if any.
func (s *Store) CacheLookup(fingerprint string) (cache.Entry, bool) {
	if s.cache == nil {
		return cache.Entry{}, false
	}
	return s.cache.Get(fingerprint)
}

// CacheStore caches an artifact under fingerprint.
func (s *Store) CacheStore(fingerprint string, kind cache.Kind, artifact []byte) {
	if s.cache == nil {
		return
	}
	s.cache.Put(fingerprint, artifact, kind)
}

// CacheStats exposes the owned cache's counters.
func (s *Store) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// entry returns the correspondent's entry, creating it on first contact.
func (s *Store) entry(correspondentID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[correspondentID]
	if !ok {
		e = &entry{rec: &Record{CorrespondentID: correspondentID}}
		s.entries[correspondentID] = e
	}
	return e
}

// lockEntry returns the correspondent's entry with its lock held. An entry
// that a concurrent Evict unmapped while we waited for the lock is discarded
// and fetched again, so callers never mutate an orphaned record.
func (s *Store) lockEntry(correspondentID string) *entry {
	for {
		e := s.entry(correspondentID)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// hydrateLocked loads the durable record on first access. Load failures
// other than ErrNoRecord are logged and the store proceeds with a fresh
// record rather than refusing service.
func (s *Store) hydrateLocked(e *entry, correspondentID string) {
	if e.loaded {
		return
	}
	e.loaded = true
	if s.records == nil {
		return
	}
	rec, err := s.records.LoadRecord(correspondentID)
	switch {
	case err == nil:
		e.rec = &rec
	case errors.Is(err, ErrNoRecord):
	default:
		s.logger.Warn("record hydration failed", "correspondent", correspondentID, "error", err)
	}
}

func snapshotOf(rec *Record) Snapshot {
	return Snapshot{
		CorrespondentID: rec.CorrespondentID,
		ShortTerm:       append([]Exchange(nil), rec.ShortTerm...),
		Facts:           copyStringMap(rec.LongTerm),
		Profile:         rec.Profile.copy(),
		LastActivity:    rec.LastActivity,
	}
}
