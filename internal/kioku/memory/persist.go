package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteRecords is the RecordStore backed by the memory_records table
// created by the store migrations. Record layers are stored as JSON blobs,
// timestamps as RFC3339 UTC strings.
type SQLiteRecords struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteRecords wraps an open database handle. logger may be nil.
func NewSQLiteRecords(db *sql.DB, logger *slog.Logger) *SQLiteRecords {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRecords{
		db:     db,
		logger: logger.With("component", "memory_records"),
	}
}

var _ RecordStore = (*SQLiteRecords)(nil)

// SaveRecord upserts the record.
func (r *SQLiteRecords) SaveRecord(rec Record) error {
	shortTerm, err := json.Marshal(rec.ShortTerm)
	if err != nil {
		return fmt.Errorf("memory sqlite: encode short term for %q: %w", rec.CorrespondentID, err)
	}
	longTerm, err := json.Marshal(rec.LongTerm)
	if err != nil {
		return fmt.Errorf("memory sqlite: encode long term for %q: %w", rec.CorrespondentID, err)
	}
	profile, err := json.Marshal(rec.Profile)
	if err != nil {
		return fmt.Errorf("memory sqlite: encode profile for %q: %w", rec.CorrespondentID, err)
	}

	lastActivity := ""
	if !rec.LastActivity.IsZero() {
		lastActivity = rec.LastActivity.UTC().Format(time.RFC3339)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = r.db.Exec(`
		INSERT INTO memory_records (correspondent_id, short_term, long_term, profile, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correspondent_id) DO UPDATE SET
			short_term = excluded.short_term,
			long_term = excluded.long_term,
			profile = excluded.profile,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at
	`, rec.CorrespondentID, string(shortTerm), string(longTerm), string(profile), lastActivity, now)
	if err != nil {
		return fmt.Errorf("memory sqlite: save record %q: %w", rec.CorrespondentID, err)
	}
	return nil
}

// LoadRecord returns the record, or ErrNoRecord if the correspondent was
// never saved.
func (r *SQLiteRecords) LoadRecord(correspondentID string) (Record, error) {
	var shortTerm, longTerm, profile, lastActivity string
	err := r.db.QueryRow(`
		SELECT short_term, long_term, profile, last_activity
		FROM memory_records
		WHERE correspondent_id = ?
	`, correspondentID).Scan(&shortTerm, &longTerm, &profile, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("memory sqlite: load record %q: %w", correspondentID, err)
	}

	rec := Record{CorrespondentID: correspondentID}
	if err := json.Unmarshal([]byte(shortTerm), &rec.ShortTerm); err != nil {
		return Record{}, fmt.Errorf("memory sqlite: decode short term for %q: %w", correspondentID, err)
	}
	if err := json.Unmarshal([]byte(longTerm), &rec.LongTerm); err != nil {
		return Record{}, fmt.Errorf("memory sqlite: decode long term for %q: %w", correspondentID, err)
	}
	if err := json.Unmarshal([]byte(profile), &rec.Profile); err != nil {
		return Record{}, fmt.Errorf("memory sqlite: decode profile for %q: %w", correspondentID, err)
	}
	if lastActivity != "" {
		at, err := time.Parse(time.RFC3339, lastActivity)
		if err != nil {
			return Record{}, fmt.Errorf("memory sqlite: parse last activity for %q: %w", correspondentID, err)
		}
		rec.LastActivity = at
	}
	return rec, nil
}

// DeleteRecord removes the record. Deleting an absent record is not an
// error.
func (r *SQLiteRecords) DeleteRecord(correspondentID string) error {
	_, err := r.db.Exec(`DELETE FROM memory_records WHERE correspondent_id = ?`, correspondentID)
	if err != nil {
		return fmt.Errorf("memory sqlite: delete record %q: %w", correspondentID, err)
	}
	return nil
}

// IDs lists every persisted correspondent, sorted.
func (r *SQLiteRecords) IDs() ([]string, error) {
	rows, err := r.db.Query(`SELECT correspondent_id FROM memory_records ORDER BY correspondent_id`)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: list records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("memory sqlite: scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory sqlite: iterate records: %w", err)
	}
	return ids, nil
}
