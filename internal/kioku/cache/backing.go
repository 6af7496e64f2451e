package cache

import (
	"errors"
	"time"
)

// ErrNoEntry is returned by BackingStore.LoadEntry when the key is absent.
var ErrNoEntry = errors.New("cache: no such entry")

// BackingStore is the durable tier behind the hot cache. Evicted entries are
// saved here before removal and promoted back on a later lookup.
// Implementations must tolerate repeated saves for the same key (upsert).
type BackingStore interface {
	// SaveEntry persists an entry, overwriting any previous row for its key.
	SaveEntry(e Entry) error

	// LoadEntry returns the entry stored under key, or ErrNoEntry.
	LoadEntry(key string) (Entry, error)

	// DeleteEntry removes the row for key. Deleting an absent key is not an
	// error.
	DeleteEntry(key string) error

	// SweepExpired deletes rows whose expiry has passed and returns how many
	// were removed.
	SweepExpired(now time.Time) (int, error)
}
