// Package store provides the transactional persistence layer over the
// entities of internal/domain: users, exchange accounts, bots, orders,
// trades and snapshots (spec.md §4.2).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gridbot/internal/domain"
)

// ErrCASFailed is returned by UpdateBotCAS when no row matched the
// expected (id, statusVersion) pair.
var ErrCASFailed = errors.New("CAS_FAILED")

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract the rest of the control plane is
// built against; SQLiteStore is the only production implementation but
// the interface keeps higher layers (scheduler, reconciler, triggerorder,
// stopping, httpapi) testable against an in-memory fake.
type Store interface {
	Migrate(ctx context.Context) error

	GetUser(ctx context.Context, id string) (*domain.User, error)
	UpsertUser(ctx context.Context, u *domain.User) error

	CreateExchangeAccount(ctx context.Context, a *domain.ExchangeAccount) error
	GetExchangeAccount(ctx context.Context, id string) (*domain.ExchangeAccount, error)
	DeleteExchangeAccount(ctx context.Context, id string) error
	ExchangeAccountHasBots(ctx context.Context, accountID string) (bool, error)
	ExchangeAccountNameExists(ctx context.Context, userID, name string) (bool, error)

	CreateBot(ctx context.Context, b *domain.Bot) error
	GetBot(ctx context.Context, id string) (*domain.Bot, error)
	// UpdateBotCAS applies fn's mutations to a copy of the bot currently
	// stored, then writes it back conditioned on statusVersion matching
	// expectedVersion. Returns ErrCASFailed if the row moved under us.
	UpdateBotCAS(ctx context.Context, id string, expectedVersion int64, fn func(b *domain.Bot) error) (*domain.Bot, error)
	DeleteBot(ctx context.Context, id string) error
	ListActiveBots(ctx context.Context) ([]*domain.Bot, error)
	ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Bot, error)

	// UpsertOrder creates the order if (exchange, clientOrderId) is
	// unseen, otherwise merges it into the existing row without
	// regressing status or filledAmount (spec.md §4.2).
	UpsertOrder(ctx context.Context, o *domain.Order) (*domain.Order, error)
	GetOrderByClientID(ctx context.Context, exchange domain.Exchange, clientOrderID string) (*domain.Order, error)
	ListOpenOrdersByBot(ctx context.Context, botID string) ([]*domain.Order, error)
	ListOrdersByBot(ctx context.Context, botID string) ([]*domain.Order, error)
	NextIntentSeq(ctx context.Context, botID string) (int64, error)

	// InsertTrade is a no-op if (exchange, tradeId) already exists.
	InsertTrade(ctx context.Context, t *domain.Trade) error
	ListTradesByBot(ctx context.Context, botID string) ([]*domain.Trade, error)

	PutSnapshot(ctx context.Context, s *domain.BotSnapshot) error
	LatestSnapshot(ctx context.Context, botID, runID string) (*domain.BotSnapshot, error)

	Close() error
}

// SQLiteStore is the production Store backed by database/sql +
// mattn/go-sqlite3, run in WAL mode for crash recovery.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and, if needed, creates) the SQLite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate applies the schema. Idempotent: every statement is
// CREATE ... IF NOT EXISTS.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromUnix(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
