// Package triggerorder implements the Trigger/Order Engine of spec.md
// §4.6: the single per-bot-per-tick pipeline that drains the outbox,
// waits out open orders, computes the next leg from config + market
// state via the Preview Engine, and submits with bounded retry.
// Grounded on internal/trading/order.OrderExecutor's rate-limited retry
// submission loop and internal/engine/gridengine.GridCoordinator's
// "compute actions, execute, persist" pipeline shape, narrowed from a
// multi-level grid ladder to the single buy/sell leg of internal/preview.
package triggerorder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/clock"
	"gridbot/internal/config"
	"gridbot/internal/decimalutil"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/preview"
	"gridbot/internal/retrypolicy"
	"gridbot/internal/risk"
	"gridbot/internal/store"
)

// eligibleStatuses are the bot statuses the engine runs a pipeline tick
// for; anything else is a no-op (spec.md §4.6 "runs only if status ∈
// {WAITING_TRIGGER, RUNNING}").
var eligibleStatuses = map[domain.BotStatus]bool{
	domain.BotStatusWaitingTrigger: true,
	domain.BotStatusRunning:        true,
}

// Engine runs the Trigger/Order pipeline for one bot per call.
type Engine struct {
	store   store.Store
	clock   clock.Clock
	retries *retrypolicy.Tracker
	policy  retrypolicy.Policy
}

func New(s store.Store, c clock.Clock, retries *retrypolicy.Tracker, policy retrypolicy.Policy) *Engine {
	return &Engine{store: s, clock: c, retries: retries, policy: policy}
}

// Run executes one tick of the seven-step pipeline for bot and returns
// its latest known state (unchanged if nothing happened this tick).
func (e *Engine) Run(ctx context.Context, bot *domain.Bot, adapter exchangeadapter.IExchangeAdapter) (*domain.Bot, error) {
	if !eligibleStatuses[bot.Status] {
		return bot, nil
	}

	orders, err := e.store.ListOrdersByBot(ctx, bot.ID)
	if err != nil {
		return bot, fmt.Errorf("list orders for bot %s: %w", bot.ID, err)
	}

	// 1. Outbox drain: at most one unsubmitted intent at a time.
	if outbox := latestByIntentSeq(orders, func(o *domain.Order) bool { return o.IsOutbox() }); outbox != nil {
		return e.submit(ctx, bot, outbox, adapter)
	}

	// 2. Open-order guard.
	for _, o := range orders {
		if o.IsOpen() {
			return bot, nil
		}
	}

	// 3. Config normalisation.
	cfg, err := normaliseConfig(bot)
	if err != nil {
		return e.errorOut(ctx, bot, "CONFIG_INVALID: "+err.Error())
	}

	ticker, err := adapter.FetchTicker(ctx, bot.Symbol)
	if err != nil {
		// Exchange I/O failure never transitions state (spec.md §7).
		return bot, nil
	}

	// 4. Bounds gate.
	if risk.BoundsBlocks(cfg, ticker) {
		return bot, nil
	}

	// 5. Post-fill follow-up.
	if lastFilled := latestByIntentSeq(orders, func(o *domain.Order) bool { return o.Status == domain.OrderStatusFilled }); lastFilled != nil {
		return e.nextLeg(ctx, bot, cfg, lastFilled, adapter)
	}

	// 6/7. First trigger, only from WAITING_TRIGGER.
	if bot.Status != domain.BotStatusWaitingTrigger {
		return bot, nil
	}
	return e.firstTrigger(ctx, bot, cfg, ticker, len(orders) > 0, adapter)
}

// normaliseConfig parses configJson and re-pins basePriceType=current to
// the frozen autoCloseReferencePrice (spec.md §4.6 step 3). ParseBotConfig
// already refuses basePriceType ∈ {cost, avg_24h}.
func normaliseConfig(bot *domain.Bot) (*config.NormalizedBotConfig, error) {
	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		return nil, err
	}
	if cfg.BasePriceType != config.BasePriceCurrent {
		return cfg, nil
	}
	if bot.AutoCloseReferencePrice == nil {
		return nil, fmt.Errorf("basePriceType=current requires a frozen autoCloseReferencePrice but none is set")
	}
	frozen, err := decimalutil.Parse("autoCloseReferencePrice", *bot.AutoCloseReferencePrice)
	if err != nil {
		return nil, err
	}
	cfg.BasePriceType = config.BasePriceManual
	cfg.BasePrice = frozen
	cfg.HasBasePrice = true
	return cfg, nil
}

// firstTrigger implements spec.md §4.6 steps 6-7.
func (e *Engine) firstTrigger(ctx context.Context, bot *domain.Bot, cfg *config.NormalizedBotConfig, ticker decimal.Decimal, hasAnyOrder bool, adapter exchangeadapter.IExchangeAdapter) (*domain.Bot, error) {
	market, balance, err := e.fetchSizingInputs(ctx, bot, adapter)
	if err != nil {
		return bot, nil
	}
	result := preview.Calculate(preview.Input{Config: cfg, Market: market, TickerLast: ticker, Balance: balance})

	var side domain.OrderSide
	var price, amount decimal.Decimal
	switch {
	case ticker.LessThanOrEqual(result.BuyTriggerPrice):
		side, price, amount = domain.OrderSideBuy, result.BuyTriggerPrice, result.Buy.Amount
	case ticker.GreaterThanOrEqual(result.SellTriggerPrice):
		side, price, amount = domain.OrderSideSell, result.SellTriggerPrice, result.Sell.Amount
	default:
		return bot, nil
	}

	if amount.LessThan(market.MinAmount) {
		return e.errorOut(ctx, bot, fmt.Sprintf("BELOW_MIN_AMOUNT: %s amount %s is below minAmount %s", side, amount, market.MinAmount))
	}
	if notional := amount.Mul(price); notional.LessThan(market.MinNotional) {
		return e.errorOut(ctx, bot, fmt.Sprintf("BELOW_MIN_NOTIONAL: %s notional %s is below minNotional %s", side, notional, market.MinNotional))
	}
	if blocked, _ := risk.EvaluateGates(cfg, side, price); blocked {
		return bot, nil
	}
	if hasAnyOrder {
		// Raced: another actor already created this bot's first order.
		return bot, nil
	}

	return e.createIntentAndBump(ctx, bot, side, price, amount, adapter)
}

// createIntentAndBump implements spec.md §4.6 step 7: re-verify
// WAITING_TRIGGER, persist the outbox intent, CAS the bot to RUNNING,
// then submit.
func (e *Engine) createIntentAndBump(ctx context.Context, bot *domain.Bot, side domain.OrderSide, price, amount decimal.Decimal, adapter exchangeadapter.IExchangeAdapter) (*domain.Bot, error) {
	fresh, err := e.store.GetBot(ctx, bot.ID)
	if err != nil {
		return bot, fmt.Errorf("re-read bot %s: %w", bot.ID, err)
	}
	if fresh.Status != domain.BotStatusWaitingTrigger {
		return fresh, nil
	}

	order, err := e.persistIntent(ctx, bot, side, price, amount, adapter)
	if err != nil {
		return bot, err
	}

	updated, err := e.store.UpdateBotCAS(ctx, fresh.ID, fresh.StatusVersion, func(b *domain.Bot) error {
		b.Status = domain.BotStatusRunning
		return nil
	})
	switch {
	case errors.Is(err, store.ErrCASFailed):
		updated = fresh
	case err != nil:
		return bot, fmt.Errorf("bump bot %s to running: %w", bot.ID, err)
	}

	return e.submit(ctx, updated, order, adapter)
}

// nextLeg implements spec.md §4.6 step 5.
func (e *Engine) nextLeg(ctx context.Context, bot *domain.Bot, cfg *config.NormalizedBotConfig, lastFilled *domain.Order, adapter exchangeadapter.IExchangeAdapter) (*domain.Bot, error) {
	basePrice, err := fillBasePrice(lastFilled)
	if err != nil {
		return bot, fmt.Errorf("parse fill price for order %s: %w", lastFilled.ID, err)
	}
	market, balance, err := e.fetchSizingInputs(ctx, bot, adapter)
	if err != nil {
		return bot, nil
	}

	pinned := *cfg
	pinned.BasePriceType = config.BasePriceManual
	pinned.BasePrice = basePrice
	pinned.HasBasePrice = true
	result := preview.Calculate(preview.Input{Config: &pinned, Market: market, TickerLast: basePrice, Balance: balance})

	side := lastFilled.Side.Opposite()
	price, amount := result.BuyTriggerPrice, result.Buy.Amount
	if side == domain.OrderSideSell {
		price, amount = result.SellTriggerPrice, result.Sell.Amount
	}

	if blocked, _ := risk.EvaluateGates(cfg, side, price); blocked {
		return bot, nil
	}

	order, err := e.persistIntent(ctx, bot, side, price, amount, adapter)
	if err != nil {
		return bot, err
	}
	return e.submit(ctx, bot, order, adapter)
}

// persistIntent allocates the next intentSeq and writes the outbox Order
// (submittedAt=NULL, exchangeOrderId=NULL) before any exchange call, the
// invariant behind at-most-once submission (spec.md §5 "Intent before I/O").
func (e *Engine) persistIntent(ctx context.Context, bot *domain.Bot, side domain.OrderSide, price, amount decimal.Decimal, adapter exchangeadapter.IExchangeAdapter) (*domain.Order, error) {
	seq, err := e.store.NextIntentSeq(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("next intent seq for bot %s: %w", bot.ID, err)
	}
	order := &domain.Order{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		Exchange:      domain.Exchange(adapter.Name()),
		Symbol:        bot.Symbol,
		ClientOrderID: domain.ClientOrderID(bot.ID, seq),
		IntentSeq:     seq,
		Side:          side,
		Type:          domain.OrderTypeLimit,
		Status:        domain.OrderStatusNew,
		Price:         decimalutil.StringPtr(price),
		Amount:        decimalutil.String(amount),
		FilledAmount:  "0",
		CreatedAt:     e.clock.Now(),
	}
	if _, err := e.store.UpsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist intent for bot %s: %w", bot.ID, err)
	}
	return order, nil
}

// submit implements spec.md §4.6.1: pre-checks, retry-gate, createOrder,
// and classification of the result.
func (e *Engine) submit(ctx context.Context, bot *domain.Bot, o *domain.Order, adapter exchangeadapter.IExchangeAdapter) (*domain.Bot, error) {
	switch bot.Status {
	case domain.BotStatusStopping, domain.BotStatusPaused, domain.BotStatusStopped, domain.BotStatusError:
		return bot, nil
	}
	if o.SubmittedAt != nil || o.ExchangeOrderID != nil {
		e.retries.Clear(o.ID)
		return bot, nil
	}

	now := e.clock.Now()
	if !e.retries.Ready(o.ID, now) {
		return bot, nil
	}

	result, err := adapter.CreateOrder(ctx, exchangeadapter.CreateOrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Price:         priceOf(o),
		HasPrice:      o.Price != nil,
		Amount:        amountOf(o),
		ClientOrderID: o.ClientOrderID,
	})
	if err == nil {
		next := *o
		eoid := result.ExchangeOrderID
		next.ExchangeOrderID = &eoid
		next.Status = result.Status
		next.SubmittedAt = &now
		if _, err := e.store.UpsertOrder(ctx, &next); err != nil {
			return bot, fmt.Errorf("persist submitted order %s: %w", o.ID, err)
		}
		e.retries.Clear(o.ID)
		return bot, nil
	}

	kind, retryable, retryAfterMs := errorDetail(err)
	if retryable {
		if _, exhausted := e.retries.RecordFailure(o.ID, e.policy, now, retryAfterMs); !exhausted {
			return bot, nil
		}
	}
	return e.errorOut(ctx, bot, fmt.Sprintf("ORDER_SUBMIT_FAILED: %s: %s", kind, err.Error()))
}

// errorOut CASes bot to ERROR with lastError, swallowing a CAS miss as
// "another actor already moved this bot".
func (e *Engine) errorOut(ctx context.Context, bot *domain.Bot, lastError string) (*domain.Bot, error) {
	updated, err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(b *domain.Bot) error {
		b.Status = domain.BotStatusError
		b.LastError = lastError
		return nil
	})
	if errors.Is(err, store.ErrCASFailed) {
		return bot, nil
	}
	if err != nil {
		return bot, fmt.Errorf("error-out bot %s: %w", bot.ID, err)
	}
	return updated, nil
}

func (e *Engine) fetchSizingInputs(ctx context.Context, bot *domain.Bot, adapter exchangeadapter.IExchangeAdapter) (preview.MarketInfo, preview.Balance, error) {
	mc, err := adapter.FetchMarketInfo(ctx, bot.Symbol)
	if err != nil {
		return preview.MarketInfo{}, preview.Balance{}, err
	}
	balances, err := adapter.FetchBalance(ctx)
	if err != nil {
		return preview.MarketInfo{}, preview.Balance{}, err
	}
	quote := quoteAsset(bot.Symbol)
	var free decimal.Decimal
	for _, b := range balances {
		if b.Asset == quote {
			free = b.Free
			break
		}
	}
	return preview.MarketInfo{MinAmount: mc.MinAmount, MinNotional: mc.MinNotional}, preview.Balance{FreeQuote: free}, nil
}

func quoteAsset(symbol string) string {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

func fillBasePrice(o *domain.Order) (decimal.Decimal, error) {
	if o.AvgFillPrice != nil {
		return decimalutil.Parse("avgFillPrice", *o.AvgFillPrice)
	}
	if o.Price != nil {
		return decimalutil.Parse("price", *o.Price)
	}
	return decimal.Zero, fmt.Errorf("filled order %s has neither avgFillPrice nor price", o.ID)
}

func priceOf(o *domain.Order) decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	p, _ := decimal.NewFromString(*o.Price)
	return p
}

func amountOf(o *domain.Order) decimal.Decimal {
	a, _ := decimal.NewFromString(o.Amount)
	return a
}

func errorDetail(err error) (kind domain.Kind, retryable bool, retryAfterMs int64) {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.Kind, e.Retryable, e.RetryAfterMs
	}
	return domain.KindInternal, false, 0
}

// latestByIntentSeq returns the order with the highest intentSeq among
// those matching pred, or nil if none match.
func latestByIntentSeq(orders []*domain.Order, pred func(*domain.Order) bool) *domain.Order {
	var latest *domain.Order
	for _, o := range orders {
		if !pred(o) {
			continue
		}
		if latest == nil || o.IntentSeq > latest.IntentSeq {
			latest = o
		}
	}
	return latest
}
