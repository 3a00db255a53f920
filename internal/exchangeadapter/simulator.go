package exchangeadapter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/domain"
)

// Simulator is a deterministic in-memory exchange used by the worker's
// adapter factory and throughout tests. Limit orders rest as NEW until
// FillOrder is called; there is no crossing check against SetTicker.
// Market orders fill immediately at the ticker price.
type Simulator struct {
	mu sync.Mutex

	name           string
	orders         map[string]*domain.Order // by exchangeOrderID
	clientOrderMap map[string]string        // clientOrderID -> exchangeOrderID
	trades         []*domain.Trade
	tickers        map[string]decimal.Decimal
	balances       map[string]Balance
	marketInfo     map[string]MarketConstraints
}

// NewSimulator builds a Simulator seeded with a generous quote balance
// so sizing logic under test is never starved for funds.
func NewSimulator(name string) *Simulator {
	return &Simulator{
		name:           name,
		orders:         make(map[string]*domain.Order),
		clientOrderMap: make(map[string]string),
		tickers:        make(map[string]decimal.Decimal),
		marketInfo:     make(map[string]MarketConstraints),
		balances: map[string]Balance{
			"USDT": {Asset: "USDT", Free: decimal.NewFromInt(100000), Total: decimal.NewFromInt(100000)},
		},
	}
}

func (s *Simulator) Name() string { return s.name }

// SetTicker sets the last price used by FetchTicker and as the fill
// price of market orders.
func (s *Simulator) SetTicker(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[symbol] = price
}

func (s *Simulator) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tickers[symbol]
	if !ok {
		return decimal.Zero, domain.New(domain.KindBadRequest, "no ticker set for %s", symbol)
	}
	return p, nil
}

// SetMarketInfo configures the minAmount/minNotional constraints
// FetchMarketInfo reports for symbol; unset symbols default to the zero
// value (no constraint).
func (s *Simulator) SetMarketInfo(symbol string, mi MarketConstraints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketInfo[symbol] = mi
}

func (s *Simulator) FetchMarketInfo(ctx context.Context, symbol string) (MarketConstraints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marketInfo[symbol], nil
}

func (s *Simulator) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Order
	for _, o := range s.orders {
		if o.Symbol != symbol || !o.IsOpen() {
			continue
		}
		if !domain.IsOwnedClientOrderID(o.ClientOrderID) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Simulator) FetchMyTrades(ctx context.Context, symbol string, since *int64) ([]*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Trade
	for _, t := range s.trades {
		if t.Symbol != symbol {
			continue
		}
		if since != nil && t.Timestamp.UnixMilli() < *since {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// CreateOrder places req. A repeated ClientOrderID returns the existing
// order rather than erroring (spec.md §4.3's "adapter must recover").
func (s *Simulator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.clientOrderMap[req.ClientOrderID]; ok {
		existing := s.orders[existingID]
		return &CreateOrderResult{
			ExchangeOrderID: existingID,
			ClientOrderID:   existing.ClientOrderID,
			Status:          existing.Status,
		}, nil
	}

	if req.Type == domain.OrderTypeLimit && !req.HasPrice {
		return nil, domain.New(domain.KindBadRequest, "limit order requires a price")
	}
	if req.Type == domain.OrderTypeMarket && req.HasPrice {
		return nil, domain.New(domain.KindBadRequest, "market order must not supply a price")
	}

	exchangeOrderID := uuid.NewString()
	status := domain.OrderStatusNew
	now := time.Now().UTC()

	order := &domain.Order{
		ID:              uuid.NewString(),
		Exchange:        domain.Exchange(s.name),
		Symbol:          req.Symbol,
		ClientOrderID:   req.ClientOrderID,
		Side:            req.Side,
		Type:            req.Type,
		Status:          status,
		Amount:          req.Amount.String(),
		FilledAmount:    "0",
		SubmittedAt:     &now,
		CreatedAt:       now,
	}
	eoid := exchangeOrderID
	order.ExchangeOrderID = &eoid
	if req.HasPrice {
		p := req.Price.String()
		order.Price = &p
	}

	if req.Type == domain.OrderTypeMarket {
		s.fillLocked(order, req.Amount, s.priceFor(req.Symbol, req.Price, req.HasPrice))
	}

	s.orders[exchangeOrderID] = order
	s.clientOrderMap[req.ClientOrderID] = exchangeOrderID

	return &CreateOrderResult{
		ExchangeOrderID: exchangeOrderID,
		ClientOrderID:   req.ClientOrderID,
		Status:          order.Status,
	}, nil
}

func (s *Simulator) priceFor(symbol string, reqPrice decimal.Decimal, hasPrice bool) decimal.Decimal {
	if hasPrice {
		return reqPrice
	}
	if p, ok := s.tickers[symbol]; ok {
		return p
	}
	return decimal.Zero
}

// fillLocked marks order fully filled at price, recording a trade. The
// caller must already hold s.mu.
func (s *Simulator) fillLocked(order *domain.Order, amount, price decimal.Decimal) {
	order.Status = domain.OrderStatusFilled
	order.FilledAmount = amount.String()
	priceStr := price.String()
	order.AvgFillPrice = &priceStr

	s.trades = append(s.trades, &domain.Trade{
		ID:              uuid.NewString(),
		TradeID:         uuid.NewString(),
		ClientOrderID:   &order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Exchange:        order.Exchange,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Price:           priceStr,
		Amount:          amount.String(),
		Fee:             "0",
		FeeCurrency:     "",
		Timestamp:       time.Now().UTC(),
	})
}

// FillOrder lets tests simulate a limit order crossing: marks the order
// filled and emits a matching trade.
func (s *Simulator) FillOrder(exchangeOrderID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[exchangeOrderID]
	if !ok || !order.IsOpen() {
		return
	}
	amount, _ := decimal.NewFromString(order.Amount)
	s.fillLocked(order, amount, price)
}

func (s *Simulator) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[exchangeOrderID]
	if !ok {
		// Not found / already closed is idempotent success.
		return nil
	}
	if order.Status.IsTerminal() {
		return nil
	}
	order.Status = domain.OrderStatusCanceled
	return nil
}

func (s *Simulator) FetchBalance(ctx context.Context) ([]Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Balance
	for _, b := range s.balances {
		if b.Total.IsZero() {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
