package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteBacking implements BackingStore on the cache_entries table. Rows
// store RFC3339 UTC timestamps so expiry comparison works lexicographically
// in SQL. The table is created by migration 0001_init.sql; the caller hands
// in the already-migrated connection.
type SQLiteBacking struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBacking creates a SQLiteBacking on db. logger may be nil.
func NewSQLiteBacking(db *sql.DB, logger *slog.Logger) *SQLiteBacking {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteBacking{db: db, logger: logger}
}

var _ BackingStore = (*SQLiteBacking)(nil)

// SaveEntry upserts the entry row.
func (b *SQLiteBacking) SaveEntry(e Entry) error {
	var expires string
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err := b.db.Exec(`
		INSERT INTO cache_entries (key, kind, body, size, last_used, expires_at, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind       = excluded.kind,
			body       = excluded.body,
			size       = excluded.size,
			last_used  = excluded.last_used,
			expires_at = excluded.expires_at,
			saved_at   = excluded.saved_at
	`, e.Key, string(e.Kind), e.Body, e.Size,
		e.LastUsed.UTC().Format(time.RFC3339), expires,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cache sqlite: save %q: %w", e.Key, err)
	}
	return nil
}

// LoadEntry reads the row for key, or returns ErrNoEntry.
func (b *SQLiteBacking) LoadEntry(key string) (Entry, error) {
	var (
		e       Entry
		kind    string
		used    string
		expires string
	)
	err := b.db.QueryRow(`
		SELECT key, kind, body, size, last_used, expires_at
		FROM cache_entries WHERE key = ?
	`, key).Scan(&e.Key, &kind, &e.Body, &e.Size, &used, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNoEntry
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache sqlite: load %q: %w", key, err)
	}

	e.Kind = Kind(kind)
	if t, err := time.Parse(time.RFC3339, used); err == nil {
		e.LastUsed = t
	}
	if expires != "" {
		if t, err := time.Parse(time.RFC3339, expires); err == nil {
			e.ExpiresAt = t
		}
	}
	return e, nil
}

// DeleteEntry removes the row for key; absent keys are a no-op.
func (b *SQLiteBacking) DeleteEntry(key string) error {
	if _, err := b.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache sqlite: delete %q: %w", key, err)
	}
	return nil
}

// SweepExpired deletes rows whose expires_at lies in the past.
func (b *SQLiteBacking) SweepExpired(now time.Time) (int, error) {
	res, err := b.db.Exec(
		`DELETE FROM cache_entries WHERE expires_at != '' AND expires_at < ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("cache sqlite: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	b.logger.Debug("cache sqlite: swept expired rows", "removed", n)
	return int(n), nil
}
