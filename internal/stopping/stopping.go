// Package stopping implements the STOPPING-to-STOPPED force-close
// pipeline of spec.md §4.7: cancel open orders, optionally force-close
// the residual position, then release the bot.
package stopping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/clock"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/retrypolicy"
	"gridbot/internal/store"
)

// AlertSink receives a critical alert when a STOPPING bot exhausts its
// retries (spec.md §4.7.1: "the scariest failure mode: we cannot shut a
// bot down").
type AlertSink interface {
	Critical(ctx context.Context, botID, message string)
}

// Engine drives one bot through §4.7's cancel/force-close/release steps,
// grounded on the teacher's cancel-everything shutdown loop and shared
// backoff bookkeeping with internal/triggerorder.
type Engine struct {
	store   store.Store
	clock   clock.Clock
	retries *retrypolicy.Tracker
	policy  retrypolicy.Policy
	alerts  AlertSink
}

func New(s store.Store, c clock.Clock, retries *retrypolicy.Tracker, policy retrypolicy.Policy, alerts AlertSink) *Engine {
	return &Engine{store: s, clock: c, retries: retries, policy: policy, alerts: alerts}
}

// Run advances bot one step through the cancel/force-close/release
// pipeline. It returns the bot unchanged (no error) whenever a step must
// simply wait for the next tick.
func (e *Engine) Run(ctx context.Context, bot *domain.Bot, adapter exchangeadapter.IExchangeAdapter) (*domain.Bot, error) {
	if bot.Status != domain.BotStatusStopping {
		return bot, nil
	}
	if !e.retries.Ready(bot.ID, e.clock.Now()) {
		return bot, nil
	}

	open, err := adapter.FetchOpenOrders(ctx, bot.Symbol)
	if err != nil {
		return e.onFailure(ctx, bot, err)
	}

	forceClose := isForceClose(bot.LastError)
	for _, o := range open {
		if forceClose && domain.IsCloseClientOrderID(o.ClientOrderID) {
			continue
		}
		if o.ExchangeOrderID == nil {
			continue
		}
		if err := adapter.CancelOrder(ctx, *o.ExchangeOrderID, bot.Symbol); err != nil {
			return e.onFailure(ctx, bot, err)
		}
		if !o.Status.Regresses(domain.OrderStatusCanceled) {
			o.Status = domain.OrderStatusCanceled
			if _, err := e.store.UpsertOrder(ctx, o); err != nil {
				return e.onFailure(ctx, bot, fmt.Errorf("persist canceled order: %w", err))
			}
		}
	}

	if forceClose {
		done, updated, err := e.forceClose(ctx, bot, adapter)
		if err != nil {
			return e.onFailure(ctx, bot, err)
		}
		if !done {
			return updated, nil
		}
		bot = updated
	}

	return e.release(ctx, bot)
}

// forceClose implements step 5: market-sell the residual base balance
// through a "gb1c"-prefixed close order, honouring the outbox pattern.
// done is true once the close is FILLED (or there was nothing to close).
func (e *Engine) forceClose(ctx context.Context, bot *domain.Bot, adapter exchangeadapter.IExchangeAdapter) (bool, *domain.Bot, error) {
	base, _, err := splitSymbol(bot.Symbol)
	if err != nil {
		return false, bot, domain.New(domain.KindValidation, "INVALID_SYMBOL: %s", bot.Symbol)
	}

	orders, err := e.store.ListOrdersByBot(ctx, bot.ID)
	if err != nil {
		return false, bot, fmt.Errorf("list orders: %w", err)
	}
	if existing := latestCloseOrder(orders); existing != nil {
		switch {
		case existing.Status == domain.OrderStatusFilled:
			return true, bot, nil
		case existing.IsOutbox():
			filled, err := e.submitClose(ctx, bot, existing, adapter)
			return filled, bot, err
		default:
			// Submitted but not yet filled: wait for the next tick.
			return false, bot, nil
		}
	}

	balances, err := adapter.FetchBalance(ctx)
	if err != nil {
		return false, bot, err
	}
	free := freeBalance(balances, base)
	if free.IsZero() {
		return true, bot, nil
	}

	seq, err := e.store.NextIntentSeq(ctx, bot.ID)
	if err != nil {
		return false, bot, fmt.Errorf("next intent seq: %w", err)
	}
	closeOrder := &domain.Order{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		Exchange:      domain.Exchange(adapter.Name()),
		Symbol:        bot.Symbol,
		ClientOrderID: domain.CloseClientOrderID(bot.ID, seq),
		IntentSeq:     seq,
		Side:          domain.OrderSideSell,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusNew,
		Amount:        free.String(),
		FilledAmount:  "0",
		CreatedAt:     e.clock.Now(),
	}
	persisted, err := e.store.UpsertOrder(ctx, closeOrder)
	if err != nil {
		return false, bot, fmt.Errorf("persist close order: %w", err)
	}
	filled, err := e.submitClose(ctx, bot, persisted, adapter)
	return filled, bot, err
}

// submitClose places o on the exchange and persists the result. It
// reports whether the order is already FILLED: a market order usually
// fills synchronously, letting step 5 fall through to step 6 in the
// same tick (spec.md §4.7 step 5, "if the place returns ... FILLED").
func (e *Engine) submitClose(ctx context.Context, bot *domain.Bot, o *domain.Order, adapter exchangeadapter.IExchangeAdapter) (bool, error) {
	amount, err := decimal.NewFromString(o.Amount)
	if err != nil {
		return false, fmt.Errorf("parse close order amount: %w", err)
	}
	result, err := adapter.CreateOrder(ctx, exchangeadapter.CreateOrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          domain.OrderTypeMarket,
		Amount:        amount,
		ClientOrderID: o.ClientOrderID,
	})
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	o.ExchangeOrderID = &result.ExchangeOrderID
	o.Status = result.Status
	o.SubmittedAt = &now
	if _, err := e.store.UpsertOrder(ctx, o); err != nil {
		return false, err
	}
	return result.Status == domain.OrderStatusFilled, nil
}

// release implements step 6: CAS STOPPING→STOPPED, clearing runId. A CAS
// miss means another actor already progressed the bot; swallowed as
// idempotent success.
func (e *Engine) release(ctx context.Context, bot *domain.Bot) (*domain.Bot, error) {
	updated, err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(next *domain.Bot) error {
		next.Status = domain.BotStatusStopped
		next.RunID = ""
		return nil
	})
	if err == store.ErrCASFailed {
		e.retries.Clear(bot.ID)
		return bot, nil
	}
	if err != nil {
		return bot, fmt.Errorf("release bot: %w", err)
	}
	e.retries.Clear(bot.ID)
	return updated, nil
}

// onFailure implements §4.7.1: retryable failures defer to the next
// tick until exhaustion, at which point the bot is CASed to ERROR and a
// critical alert fires; non-retryable failures escalate immediately.
func (e *Engine) onFailure(ctx context.Context, bot *domain.Bot, cause error) (*domain.Bot, error) {
	kind, retryable, retryAfterMs := classify(cause)
	if retryable {
		_, exhausted := e.retries.RecordFailure(bot.ID, e.policy, e.clock.Now(), retryAfterMs)
		if !exhausted {
			return bot, nil
		}
	}
	e.retries.Clear(bot.ID)
	lastError := fmt.Sprintf("STOPPING_FAILED: %s: %s", kind, cause.Error())
	updated, err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(next *domain.Bot) error {
		next.Status = domain.BotStatusError
		next.LastError = lastError
		return nil
	})
	if err == store.ErrCASFailed {
		return bot, nil
	}
	if err != nil {
		return bot, fmt.Errorf("escalate bot to error: %w", err)
	}
	e.alerts.Critical(ctx, bot.ID, lastError)
	return updated, nil
}

func isForceClose(lastError string) bool {
	return strings.HasPrefix(lastError, "STOP_LOSS") || strings.HasPrefix(lastError, "TAKE_PROFIT")
}

func latestCloseOrder(orders []*domain.Order) *domain.Order {
	var best *domain.Order
	for _, o := range orders {
		if !domain.IsCloseClientOrderID(o.ClientOrderID) {
			continue
		}
		if best == nil || o.IntentSeq > best.IntentSeq {
			best = o
		}
	}
	return best
}

func freeBalance(balances []exchangeadapter.Balance, asset string) decimal.Decimal {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}

func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}

func classify(err error) (domain.Kind, bool, int64) {
	var de *domain.Error
	if !errors.As(err, &de) {
		return domain.KindInternal, false, 0
	}
	return de.Kind, de.Retryable, de.RetryAfterMs
}
