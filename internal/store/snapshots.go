package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gridbot/internal/domain"
)

// PutSnapshot inserts or replaces a bot's reconciliation snapshot for a
// run. Callers should skip calling this when the incoming state hash
// equals the latest stored one (I4 snapshot stability) to avoid growing
// the table unnecessarily, but the store itself does not enforce that.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *domain.BotSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_snapshots (bot_id, run_id, reconciled_at, state_json, state_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, run_id) DO UPDATE SET
			reconciled_at = excluded.reconciled_at,
			state_json = excluded.state_json,
			state_hash = excluded.state_hash`,
		snap.BotID, snap.RunID, snap.ReconciledAt.UnixMilli(), snap.StateJSON, snap.StateHash)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, botID, runID string) (*domain.BotSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_id, run_id, reconciled_at, state_json, state_hash
		FROM bot_snapshots WHERE bot_id = ? AND run_id = ?`, botID, runID)

	var snap domain.BotSnapshot
	var reconciledAt int64
	if err := row.Scan(&snap.BotID, &snap.RunID, &reconciledAt, &snap.StateJSON, &snap.StateHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.ReconciledAt = time.UnixMilli(reconciledAt).UTC()
	return &snap, nil
}
