package store

import (
	"context"
	"database/sql"
	"fmt"

	"gridbot/internal/domain"
)

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kill_switch_enabled, kill_switch_enabled_at, kill_switch_reason
		FROM users WHERE id = ?`, id)

	var u domain.User
	var enabled int
	var enabledAt sql.NullInt64
	if err := row.Scan(&u.ID, &enabled, &enabledAt, &u.KillSwitchReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.KillSwitchEnabled = enabled != 0
	u.KillSwitchEnabledAt = timeFromUnix(enabledAt)
	return &u, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, kill_switch_enabled, kill_switch_enabled_at, kill_switch_reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kill_switch_enabled = excluded.kill_switch_enabled,
			kill_switch_enabled_at = excluded.kill_switch_enabled_at,
			kill_switch_reason = excluded.kill_switch_reason`,
		u.ID, boolToInt(u.KillSwitchEnabled), unixOrNil(u.KillSwitchEnabledAt), u.KillSwitchReason)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateExchangeAccount(ctx context.Context, a *domain.ExchangeAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_accounts (id, user_id, exchange, is_testnet, encrypted_credentials, name)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, string(a.Exchange), boolToInt(a.IsTestnet), a.EncryptedCredentials, a.Name)
	if err != nil {
		return fmt.Errorf("create exchange account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExchangeAccount(ctx context.Context, id string) (*domain.ExchangeAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, is_testnet, encrypted_credentials, name
		FROM exchange_accounts WHERE id = ?`, id)

	var a domain.ExchangeAccount
	var exchange string
	var testnet int
	if err := row.Scan(&a.ID, &a.UserID, &exchange, &testnet, &a.EncryptedCredentials, &a.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exchange account: %w", err)
	}
	a.Exchange = domain.Exchange(exchange)
	a.IsTestnet = testnet != 0
	return &a, nil
}

func (s *SQLiteStore) DeleteExchangeAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM exchange_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete exchange account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ExchangeAccountHasBots(ctx context.Context, accountID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM bots WHERE exchange_account_id = ?`, accountID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count bots for account: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) ExchangeAccountNameExists(ctx context.Context, userID, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM exchange_accounts WHERE user_id = ? AND name = ?`, userID, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check account name: %w", err)
	}
	return count > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
