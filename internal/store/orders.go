package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/domain"
)

const orderColumns = `id, bot_id, exchange, symbol, client_order_id, exchange_order_id,
	intent_seq, side, type, status, price, amount, filled_amount, avg_fill_price,
	submitted_at, created_at`

func scanOrder(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Order, error) {
	var o domain.Order
	var exchange, side, typ, status string
	var submittedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&o.ID, &o.BotID, &exchange, &o.Symbol, &o.ClientOrderID, &o.ExchangeOrderID,
		&o.IntentSeq, &side, &typ, &status, &o.Price, &o.Amount, &o.FilledAmount, &o.AvgFillPrice,
		&submittedAt, &createdAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Exchange = domain.Exchange(exchange)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.SubmittedAt = timeFromUnix(submittedAt)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &o, nil
}

// UpsertOrder creates the order if (exchange, clientOrderId) is unseen.
// On update it enforces the two invariants of spec.md §4.2: status never
// regresses (I1, via domain.OrderStatus.Regresses) and filledAmount is
// always max(old, new).
func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE exchange = ? AND client_order_id = ?`,
		string(o.Exchange), o.ClientOrderID)
	existing, err := scanOrder(row)
	if err == ErrNotFound {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.BotID, string(o.Exchange), o.Symbol, o.ClientOrderID, o.ExchangeOrderID,
			o.IntentSeq, string(o.Side), string(o.Type), string(o.Status), o.Price, o.Amount,
			o.FilledAmount, o.AvgFillPrice, unixOrNil(o.SubmittedAt), o.CreatedAt.UnixMilli(),
		); err != nil {
			return nil, fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return o, nil
	}
	if err != nil {
		return nil, err
	}

	merged := *existing
	if !existing.Status.Regresses(o.Status) {
		merged.Status = o.Status
	}
	oldFilled, _ := decimal.NewFromString(existing.FilledAmount)
	newFilled, err := decimal.NewFromString(o.FilledAmount)
	if err == nil {
		if newFilled.GreaterThan(oldFilled) {
			merged.FilledAmount = o.FilledAmount
		}
	}
	if o.ExchangeOrderID != nil {
		merged.ExchangeOrderID = o.ExchangeOrderID
	}
	if o.AvgFillPrice != nil {
		merged.AvgFillPrice = o.AvgFillPrice
	}
	if o.SubmittedAt != nil {
		merged.SubmittedAt = o.SubmittedAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET exchange_order_id = ?, status = ?, filled_amount = ?,
			avg_fill_price = ?, submitted_at = ?
		WHERE id = ?`,
		merged.ExchangeOrderID, string(merged.Status), merged.FilledAmount,
		merged.AvgFillPrice, unixOrNil(merged.SubmittedAt), merged.ID,
	); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &merged, nil
}

func (s *SQLiteStore) GetOrderByClientID(ctx context.Context, exchange domain.Exchange, clientOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE exchange = ? AND client_order_id = ?`,
		string(exchange), clientOrderID)
	return scanOrder(row)
}

func (s *SQLiteStore) ListOpenOrdersByBot(ctx context.Context, botID string) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE bot_id = ? AND status IN (?, ?)`,
		botID, string(domain.OrderStatusNew), string(domain.OrderStatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *SQLiteStore) ListOrdersByBot(ctx context.Context, botID string) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE bot_id = ?`, botID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// NextIntentSeq returns the next strictly-monotonic per-bot intent
// sequence number (spec.md §6 "intentSeq is per-bot strictly
// monotonic"), derived from the highest intent_seq seen so far.
func (s *SQLiteStore) NextIntentSeq(ctx context.Context, botID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(intent_seq) FROM orders WHERE bot_id = ?`, botID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next intent seq: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
