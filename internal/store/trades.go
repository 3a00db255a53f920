package store

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/domain"
)

const tradeColumns = `id, bot_id, trade_id, client_order_id, exchange_order_id, exchange, symbol, side,
	price, amount, fee, fee_currency, ts`

// InsertTrade is idempotent on (exchange, tradeId): a duplicate insert
// is a no-op (spec.md §4.2).
func (s *SQLiteStore) InsertTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, trade_id) DO NOTHING`,
		t.ID, t.BotID, t.TradeID, t.ClientOrderID, t.ExchangeOrderID, string(t.Exchange), t.Symbol, string(t.Side),
		t.Price, t.Amount, t.Fee, t.FeeCurrency, t.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTradesByBot(ctx context.Context, botID string) ([]*domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE bot_id = ? ORDER BY ts ASC`, botID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var exchange, side string
		var ts int64
		if err := rows.Scan(&t.ID, &t.BotID, &t.TradeID, &t.ClientOrderID, &t.ExchangeOrderID, &exchange, &t.Symbol,
			&side, &t.Price, &t.Amount, &t.Fee, &t.FeeCurrency, &ts); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Exchange = domain.Exchange(exchange)
		t.Side = domain.OrderSide(side)
		t.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}
