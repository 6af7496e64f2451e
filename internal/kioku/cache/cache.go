// Package cache implements the capacity-bounded artifact cache with LRU
// demotion to a durable backing tier.
//
// The hot tier is an in-memory LRU guarded by one coarse mutex; at the
// expected load a single lock outperforms anything clever and keeps the
// recency list trivially consistent. Entries evicted on overflow are written
// to the backing store before removal, so eviction demotes data to slower
// storage instead of losing it. A miss in the hot tier consults the backing
// store and promotes a surviving entry back ("warm hit", tracked separately
// from hot hits).
package cache

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind classifies a cached value and selects its TTL bucket.
type Kind string

const (
	// KindReply is a generated conversational reply.
	KindReply Kind = "reply"
	// KindArtifact is a produced artifact reference (image, file, ...).
	KindArtifact Kind = "artifact"
	// KindGeneric is anything else; uses the default TTL.
	KindGeneric Kind = "generic"
)

// Entry is one cached value together with its bookkeeping.
type Entry struct {
	Key       string
	Kind      Kind
	Body      []byte
	Size      int
	LastUsed  time.Time
	ExpiresAt time.Time // zero means no expiry
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Config controls cache capacity and expiry.
type Config struct {
	// MaxEntries is the hot-tier entry budget. Values below 1 fall back to
	// the default of 100.
	MaxEntries int
	// MaxBytes optionally bounds the total hot-tier body size. Zero
	// disables the byte budget.
	MaxBytes int64
	// DefaultTTL applies to KindGeneric entries. Zero means no expiry.
	DefaultTTL time.Duration
	// ReplyTTL applies to KindReply entries. Zero means no expiry.
	ReplyTTL time.Duration
	// ArtifactTTL applies to KindArtifact entries. Zero means no expiry.
	ArtifactTTL time.Duration
}

// Cache is the two-tier cache. Safe for concurrent use.
type Cache struct {
	cfg     Config
	backing BackingStore
	logger  *slog.Logger

	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	curBytes int64

	loads singleflight.Group

	stats statsCounters

	now func() time.Time
}

type statsCounters struct {
	hotHits       uint64
	warmHits      uint64
	misses        uint64
	evictions     uint64
	expirations   uint64
	persistErrors uint64
}

// New creates a Cache. backing may be nil, in which case eviction discards
// entries (memory-only mode; every demotion is logged as a persist error).
// logger may be nil.
func New(cfg Config, backing BackingStore, logger *slog.Logger) *Cache {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		backing: backing,
		logger:  logger.With("component", "cache"),
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the cached entry for key. Hot hits refresh recency; hot
// misses consult the backing store, and a durable hit is promoted back into
// the hot tier. The returned body is a copy.
func (c *Cache) Get(key string) (Entry, bool) {
	return c.getAt(key, c.now())
}

func (c *Cache) getAt(key string, now time.Time) (Entry, bool) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		if entry.expired(now) {
			c.removeLocked(elem)
			c.stats.expirations++
		} else {
			entry.LastUsed = now
			c.order.MoveToFront(elem)
			c.stats.hotHits++
			out := cloneEntry(*entry)
			c.mu.Unlock()
			return out, true
		}
	}
	c.mu.Unlock()

	// Hot miss: consult the durable tier. Collapse concurrent loads of the
	// same key into one backing-store read.
	v, err, _ := c.loads.Do(key, func() (any, error) {
		return c.loadAndPromote(key, now)
	})
	if err != nil || v == nil {
		c.mu.Lock()
		c.stats.misses++
		c.mu.Unlock()
		return Entry{}, false
	}

	c.mu.Lock()
	c.stats.warmHits++
	c.mu.Unlock()
	return v.(Entry), true
}

// loadAndPromote reads key from the backing store and, when the row is live,
// promotes it into the hot tier. Returns nil when the key is absent or
// expired. Promotion re-checks the hot tier so a put that raced the load is
// not clobbered by stale durable data.
func (c *Cache) loadAndPromote(key string, now time.Time) (any, error) {
	if c.backing == nil {
		return nil, nil
	}

	entry, err := c.backing.LoadEntry(key)
	if err != nil {
		if !errors.Is(err, ErrNoEntry) {
			c.mu.Lock()
			c.stats.persistErrors++
			c.mu.Unlock()
			c.logger.Warn("backing load failed, treating as miss", "key", key, "err", err)
		}
		return nil, nil
	}
	if entry.expired(now) {
		if err := c.backing.DeleteEntry(key); err != nil {
			c.logger.Warn("failed to delete expired backing entry", "key", key, "err", err)
		}
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		// A concurrent put won the race; the hot entry is newer.
		e := elem.Value.(*Entry)
		e.LastUsed = now
		c.order.MoveToFront(elem)
		return cloneEntry(*e), nil
	}
	entry.LastUsed = now
	c.insertLocked(&entry, now)
	return cloneEntry(entry), nil
}

// Put stores body under key. The last concurrent put for a key wins. Size
// accounting uses len(body). Overflow evicts least-recently-used entries,
// each demoted to the backing store before removal.
func (c *Cache) Put(key string, body []byte, kind Kind) {
	c.putAt(key, body, kind, c.now())
}

func (c *Cache) putAt(key string, body []byte, kind Kind, now time.Time) {
	entry := &Entry{
		Key:      key,
		Kind:     kind,
		Body:     append([]byte(nil), body...),
		Size:     len(body),
		LastUsed: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl := c.ttlFor(kind); ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	if elem, ok := c.entries[key]; ok {
		old := elem.Value.(*Entry)
		c.curBytes += int64(entry.Size) - int64(old.Size)
		elem.Value = entry
		c.order.MoveToFront(elem)
		c.evictIfNeededLocked(now)
	} else {
		c.insertLocked(entry, now)
	}
}

// insertLocked adds a fresh entry and restores the capacity budget. Caller
// holds the lock.
func (c *Cache) insertLocked(entry *Entry, now time.Time) {
	elem := c.order.PushFront(entry)
	c.entries[entry.Key] = elem
	c.curBytes += int64(entry.Size)
	c.evictIfNeededLocked(now)
}

// evictIfNeededLocked demotes LRU entries until both budgets hold. Each
// victim is written to the backing store before it leaves the hot tier; a
// failed write is logged and the entry is dropped anyway so the capacity
// bound always holds.
func (c *Cache) evictIfNeededLocked(now time.Time) {
	for c.overBudgetLocked() {
		back := c.order.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*Entry)
		if c.backing != nil {
			if err := c.backing.SaveEntry(*victim); err != nil {
				c.stats.persistErrors++
				c.logger.Warn("demotion write failed, dropping entry",
					"key", victim.Key, "size", victim.Size, "err", err)
			}
		} else {
			c.stats.persistErrors++
		}
		c.removeLocked(back)
		c.stats.evictions++
		c.logger.Debug("evicted entry to durable tier", "key", victim.Key, "size", victim.Size)
	}
}

func (c *Cache) overBudgetLocked() bool {
	if c.order.Len() > c.cfg.MaxEntries {
		return true
	}
	return c.cfg.MaxBytes > 0 && c.curBytes > c.cfg.MaxBytes
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, entry.Key)
	c.curBytes -= int64(entry.Size)
}

// Sweep removes expired entries from the hot tier and prunes expired rows
// from the backing store. It returns the counts removed from each tier.
func (c *Cache) Sweep(now time.Time) (hot, durable int) {
	c.mu.Lock()
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).expired(now) {
			c.removeLocked(elem)
			c.stats.expirations++
			hot++
		}
		elem = prev
	}
	c.mu.Unlock()

	if c.backing != nil {
		n, err := c.backing.SweepExpired(now)
		if err != nil {
			c.mu.Lock()
			c.stats.persistErrors++
			c.mu.Unlock()
			c.logger.Warn("backing sweep failed", "err", err)
		}
		durable = n
	}
	return hot, durable
}

// Stats reports cache effectiveness counters.
type Stats struct {
	HotHits       uint64  `json:"hot_hits"`
	WarmHits      uint64  `json:"warm_hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	PersistErrors uint64  `json:"persist_errors"`
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	HitRate       float64 `json:"hit_rate"`
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		HotHits:       c.stats.hotHits,
		WarmHits:      c.stats.warmHits,
		Misses:        c.stats.misses,
		Evictions:     c.stats.evictions,
		Expirations:   c.stats.expirations,
		PersistErrors: c.stats.persistErrors,
		Entries:       c.order.Len(),
		Bytes:         c.curBytes,
	}
	if total := s.HotHits + s.WarmHits + s.Misses; total > 0 {
		s.HitRate = float64(s.HotHits+s.WarmHits) / float64(total)
	}
	return s
}

// SetTTLs swaps the expiry applied to future puts. Resident entries keep
// the expiry they were stored with until the next put or sweep.
func (c *Cache) SetTTLs(defaultTTL, replyTTL, artifactTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.DefaultTTL = defaultTTL
	c.cfg.ReplyTTL = replyTTL
	c.cfg.ArtifactTTL = artifactTTL
}

// ttlFor picks the kind's TTL bucket. Caller holds the lock.
func (c *Cache) ttlFor(kind Kind) time.Duration {
	switch kind {
	case KindReply:
		return c.cfg.ReplyTTL
	case KindArtifact:
		return c.cfg.ArtifactTTL
	default:
		return c.cfg.DefaultTTL
	}
}

func cloneEntry(e Entry) Entry {
	e.Body = append([]byte(nil), e.Body...)
	return e
}
