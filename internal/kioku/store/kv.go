package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The engine_kv table holds small engine-lifetime values that should survive
// restarts: cumulative delivered/rejected counters, the last flush time, and
// similar bookkeeping. It is not a configuration mechanism; configuration
// comes from the YAML file and the environment.

// GetValue returns the value stored under key, or ErrNotFound.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM engine_kv WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get value %q: %w", key, err)
	}
	return value, nil
}

// SetValue upserts value under key, stamping updated_at with the current
// UTC time.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("store: set value %q: %w", key, err)
	}
	return nil
}

// Values returns a snapshot of every key/value pair. An empty map (not nil)
// is returned when the table is empty.
func (s *Store) Values(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM engine_kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: list values: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan value: %w", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate values: %w", err)
	}
	return result, nil
}
