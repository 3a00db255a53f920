package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gridbot/internal/domain"
)

func scanBot(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Bot, error) {
	var b domain.Bot
	var status string
	var autoCloseTriggeredAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&b.ID, &b.UserID, &b.ExchangeAccountID, &b.Symbol, &b.ConfigJSON,
		&status, &b.StatusVersion, &b.RunID, &b.AutoCloseReferencePrice,
		&autoCloseTriggeredAt, &b.AutoCloseReason, &b.LastError, &createdAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	b.Status = domain.BotStatus(status)
	b.AutoCloseTriggeredAt = timeFromUnix(autoCloseTriggeredAt)
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &b, nil
}

const botColumns = `id, user_id, exchange_account_id, symbol, config_json,
	status, status_version, run_id, auto_close_reference_price,
	auto_close_triggered_at, auto_close_reason, last_error, created_at`

func (s *SQLiteStore) CreateBot(ctx context.Context, b *domain.Bot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.ExchangeAccountID, b.Symbol, b.ConfigJSON,
		string(b.Status), b.StatusVersion, b.RunID, b.AutoCloseReferencePrice,
		unixOrNil(b.AutoCloseTriggeredAt), b.AutoCloseReason, b.LastError, b.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*domain.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	return scanBot(row)
}

// UpdateBotCAS reads the current row, applies fn to a copy, then writes
// it back with `WHERE id=? AND status_version=?`. If the row has moved
// since the caller's expectedVersion, zero rows are affected and
// ErrCASFailed is returned so the caller can re-read to distinguish
// idempotent-success (another writer applied the identical change) from
// a genuine concurrent modification (spec.md §4.2).
func (s *SQLiteStore) UpdateBotCAS(ctx context.Context, id string, expectedVersion int64, fn func(b *domain.Bot) error) (*domain.Bot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	current, err := scanBot(row)
	if err != nil {
		return nil, err
	}
	if current.StatusVersion != expectedVersion {
		return nil, ErrCASFailed
	}

	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.StatusVersion = current.StatusVersion + 1

	res, err := tx.ExecContext(ctx, `
		UPDATE bots SET
			status = ?, status_version = ?, run_id = ?,
			auto_close_reference_price = ?, auto_close_triggered_at = ?,
			auto_close_reason = ?, last_error = ?
		WHERE id = ? AND status_version = ?`,
		string(next.Status), next.StatusVersion, next.RunID,
		next.AutoCloseReferencePrice, unixOrNil(next.AutoCloseTriggeredAt),
		next.AutoCloseReason, next.LastError, id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update bot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrCASFailed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &next, nil
}

func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	return nil
}

// ListActiveBots returns every bot the scheduler must tick: anything
// that is not in a terminal-for-scheduling state (DRAFT/STOPPED are
// excluded, ERROR is still ticked so operators can observe it, STOPPING
// bots are included so the Stopping Executor keeps draining them).
func (s *SQLiteStore) ListActiveBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots
		WHERE status IN (?, ?, ?, ?, ?)`,
		string(domain.BotStatusWaitingTrigger), string(domain.BotStatusRunning),
		string(domain.BotStatusPaused), string(domain.BotStatusStopping),
		string(domain.BotStatusError))
	if err != nil {
		return nil, fmt.Errorf("list active bots: %w", err)
	}
	defer rows.Close()
	return scanBots(rows)
}

func (s *SQLiteStore) ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list bots by status: %w", err)
	}
	defer rows.Close()
	return scanBots(rows)
}

func scanBots(rows *sql.Rows) ([]*domain.Bot, error) {
	var out []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

