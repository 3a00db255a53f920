// Package exchangeadapter provides the uniform exchange operations the
// rest of the control plane is built against (spec.md §4.3): a
// deterministic in-memory Simulator for tests and the worker's default
// mode, plus an HTTP-backed Adapter for real venues gated behind
// explicit opt-in flags.
package exchangeadapter

import (
	"context"

	"github.com/shopspring/decimal"

	"gridbot/internal/domain"
)

// CreateOrderRequest is the input to CreateOrder.
type CreateOrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Price         decimal.Decimal // zero/unused for market orders
	HasPrice      bool
	Amount        decimal.Decimal
	ClientOrderID string
}

// CreateOrderResult is the adapter's reply to a successful (or
// recovered) order placement.
type CreateOrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          domain.OrderStatus
}

// Balance is one asset's free/locked/total balance.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// MarketConstraints carries a symbol's minimum order size rules, fed
// into the Preview Engine's minAmount/minNotional hard checks (spec.md
// §1, §4.6 step 6).
type MarketConstraints struct {
	MinAmount   decimal.Decimal
	MinNotional decimal.Decimal
}

// IExchangeAdapter is the uniform operation set of spec.md §4.3. Every
// returned Order/Trade already uses the internal/domain shapes.
type IExchangeAdapter interface {
	Name() string

	// FetchOpenOrders returns only orders carrying this system's
	// ownership prefix (I5) — foreign orders are never surfaced.
	FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error)

	// FetchMyTrades returns ALL trades for symbol, owned or not;
	// attribution is the reconciler's job, not the adapter's.
	FetchMyTrades(ctx context.Context, symbol string, since *int64) ([]*domain.Trade, error)

	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error)

	// CancelOrder treats "not found / already closed" as idempotent
	// success rather than an error.
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error

	FetchBalance(ctx context.Context) ([]Balance, error)

	// FetchTicker returns the last traded price, used by the Preview
	// Engine and AutoClose's current-price comparisons.
	FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error)

	// FetchMarketInfo returns symbol's minAmount/minNotional rules.
	FetchMarketInfo(ctx context.Context, symbol string) (MarketConstraints, error)
}
