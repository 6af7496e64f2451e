package store

import (
	"context"
	"fmt"
	"time"
)

// GateBlock is the persisted form of a correspondent's block bookkeeping.
// Rows survive restarts so a correspondent cannot reset an escalating
// cooldown by waiting for a redeploy.
type GateBlock struct {
	CorrespondentID string
	Strikes         int
	BlockedUntil    time.Time
	Score           float64
	UpdatedAt       time.Time
}

// ReplaceGateBlocks swaps the persisted block set for the given snapshot in
// one transaction. Rows absent from the snapshot are deleted, so escalation
// state the live gate has since cleared cannot resurrect on restart.
func (s *Store) ReplaceGateBlocks(ctx context.Context, blocks []GateBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin block save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM gate_blocks`); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: clear blocks: %w", err)
	}
	for _, b := range blocks {
		var until string
		if !b.BlockedUntil.IsZero() {
			until = b.BlockedUntil.UTC().Format(time.RFC3339)
		}
		updated := b.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gate_blocks (correspondent_id, strikes, blocked_until, score, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, b.CorrespondentID, b.Strikes, until, b.Score, updated.UTC().Format(time.RFC3339))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("store: save block for %q: %w", b.CorrespondentID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit block save: %w", err)
	}
	return nil
}

// LoadGateBlocks returns every persisted block row.
func (s *Store) LoadGateBlocks(ctx context.Context) ([]GateBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correspondent_id, strikes, blocked_until, score, updated_at
		FROM gate_blocks
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load blocks: %w", err)
	}
	defer rows.Close()

	var blocks []GateBlock
	for rows.Next() {
		var b GateBlock
		var until, updated string
		if err := rows.Scan(&b.CorrespondentID, &b.Strikes, &until, &b.Score, &updated); err != nil {
			return nil, fmt.Errorf("store: scan block: %w", err)
		}
		if until != "" {
			if t, err := time.Parse(time.RFC3339, until); err == nil {
				b.BlockedUntil = t
			}
		}
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			b.UpdatedAt = t
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate blocks: %w", err)
	}
	return blocks, nil
}

