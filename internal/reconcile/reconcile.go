// Package reconcile implements the Reconciler of spec.md §4.4: for one
// bot, pulls exchange truth, idempotently upserts orders/trades,
// recomputes fills without regressing status, and emits a stable-hash
// snapshot. Grounded on the teacher's risk/reconciler.go two-phase
// (orders, then positions) shape and its ghost-order vocabulary,
// generalised from position-slot reconciliation to Order/Trade rows.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"gridbot/internal/clock"
	"gridbot/internal/decimalutil"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/store"
)

// Result reports what one Reconcile call did, for logging/observability.
type Result struct {
	Ran              bool
	OpenOrderCount   int
	AttributedTrades int
	StateHash        string
	SnapshotSkipped  bool // stability: identical hash to the prior snapshot
}

// Reconciler pulls one bot's exchange state and folds it into the store.
type Reconciler struct {
	store store.Store
	clock clock.Clock
}

func New(s store.Store, c clock.Clock) *Reconciler {
	return &Reconciler{store: s, clock: c}
}

// eligibleStatuses are the bot statuses the Reconciler runs for;
// PAUSED bots are deliberately frozen (spec.md §4.4).
var eligibleStatuses = map[domain.BotStatus]bool{
	domain.BotStatusRunning:        true,
	domain.BotStatusWaitingTrigger: true,
	domain.BotStatusStopping:       true,
}

// Reconcile runs the full algorithm for one bot. On an exchange I/O
// failure it returns a retryable *domain.Error and performs no writes at
// all (spec.md §4.4 steps 1-2 "on failure return EXCHANGE_UNAVAILABLE —
// no writes").
func (r *Reconciler) Reconcile(ctx context.Context, bot *domain.Bot, adapter exchangeadapter.IExchangeAdapter) (*Result, error) {
	if !eligibleStatuses[bot.Status] {
		return &Result{Ran: false}, nil
	}

	open, err := adapter.FetchOpenOrders(ctx, bot.Symbol)
	if err != nil {
		e := domain.Wrap(domain.KindExchangeUnavailable, err, "fetch open orders for %s", bot.Symbol)
		e.Retryable = true
		return nil, e
	}
	trades, err := adapter.FetchMyTrades(ctx, bot.Symbol, nil)
	if err != nil {
		e := domain.Wrap(domain.KindExchangeUnavailable, err, "fetch trades for %s", bot.Symbol)
		e.Retryable = true
		return nil, e
	}

	openClientIDs := make(map[string]bool, len(open))
	for _, o := range open {
		if !domain.IsOwnedClientOrderID(o.ClientOrderID) {
			continue
		}
		openClientIDs[o.ClientOrderID] = true
		o.BotID = bot.ID
		if _, err := r.store.UpsertOrder(ctx, o); err != nil {
			return nil, fmt.Errorf("upsert open order %s: %w", o.ClientOrderID, err)
		}
	}

	localOrders, err := r.store.ListOrdersByBot(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("list local orders: %w", err)
	}
	ownerMap := make(map[string]string, len(localOrders)) // exchangeOrderID -> clientOrderID
	localByClientID := make(map[string]*domain.Order, len(localOrders))
	for _, o := range localOrders {
		localByClientID[o.ClientOrderID] = o
		if o.ExchangeOrderID != nil {
			ownerMap[*o.ExchangeOrderID] = o.ClientOrderID
		}
	}

	tradesByClientID := map[string][]*domain.Trade{}
	var attributed int
	for _, t := range trades {
		clientID, ok := attributeTradeOwner(t, ownerMap)
		if !ok {
			continue
		}
		t.BotID = bot.ID
		cid := clientID
		t.ClientOrderID = &cid
		if err := r.store.InsertTrade(ctx, t); err != nil {
			return nil, fmt.Errorf("insert trade %s: %w", t.TradeID, err)
		}
		tradesByClientID[clientID] = append(tradesByClientID[clientID], t)
		attributed++
	}

	for clientID, group := range tradesByClientID {
		local, ok := localByClientID[clientID]
		if !ok {
			continue
		}
		if err := r.recomputeFill(ctx, local, group, openClientIDs[clientID]); err != nil {
			return nil, fmt.Errorf("recompute fill for %s: %w", clientID, err)
		}
	}

	if err := r.reconcileVanishedOrders(ctx, localOrders, openClientIDs, tradesByClientID); err != nil {
		return nil, err
	}

	openOrderIDs, tradeIDs, err := r.snapshotIDs(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	stateJSON, stateHash, err := domain.BuildSnapshotState(openOrderIDs, tradeIDs)
	if err != nil {
		return nil, fmt.Errorf("build snapshot state: %w", err)
	}

	skipped, err := r.maybeSkipSnapshot(ctx, bot, stateHash)
	if err != nil {
		return nil, err
	}
	if !skipped {
		if err := r.store.PutSnapshot(ctx, &domain.BotSnapshot{
			BotID:        bot.ID,
			RunID:        bot.RunID,
			ReconciledAt: r.clock.Now(),
			StateJSON:    stateJSON,
			StateHash:    stateHash,
		}); err != nil {
			return nil, fmt.Errorf("put snapshot: %w", err)
		}
	}

	return &Result{
		Ran:              true,
		OpenOrderCount:    len(openClientIDs),
		AttributedTrades: attributed,
		StateHash:        stateHash,
		SnapshotSkipped:  skipped,
	}, nil
}

// reconcileVanishedOrders closes out local orders that dropped out of the
// exchange's open set with no new fills this tick — cancelled, rejected
// post-submission, or expired. The adapter surface (spec.md §4.3) has no
// way to distinguish which of the three actually happened once an order
// has left `open`, so it is recorded as CANCELED: the monotonic invariant
// (I1) only requires the record reach a terminal status, not which one,
// and CANCELED is never a more dangerous guess than REJECTED/EXPIRED for
// anything downstream (the residual-balance force-close in stopping.go
// counts only a FILLED close order as done and treats every other status
// of it alike). An order the cancel loop
// itself just finished (internal/stopping) is already terminal by the
// time this runs, so it is skipped here, not double-written.
func (r *Reconciler) reconcileVanishedOrders(ctx context.Context, localOrders []*domain.Order, openClientIDs map[string]bool, tradesByClientID map[string][]*domain.Trade) error {
	for _, o := range localOrders {
		if o.Status.IsTerminal() {
			continue
		}
		if !domain.IsOwnedClientOrderID(o.ClientOrderID) {
			continue
		}
		if o.ExchangeOrderID == nil {
			continue // never actually submitted; nothing to reconcile yet
		}
		if openClientIDs[o.ClientOrderID] {
			continue // still open
		}
		if _, filledThisTick := tradesByClientID[o.ClientOrderID]; filledThisTick {
			continue // recomputeFill above owns this order's transition this tick
		}
		if o.Status.Regresses(domain.OrderStatusCanceled) {
			continue
		}
		next := *o
		next.Status = domain.OrderStatusCanceled
		if _, err := r.store.UpsertOrder(ctx, &next); err != nil {
			return fmt.Errorf("mark vanished order %s canceled: %w", o.ClientOrderID, err)
		}
	}
	return nil
}

// attributeTradeOwner resolves a trade's owning clientOrderId: an
// authoritative owner-map hit by exchangeOrderId wins; otherwise the
// trade's own clientOrderId is used if it carries this system's
// ownership marker; otherwise the trade is unattributable (spec.md §4.4
// step 4, and §9's documented "neither attributable" gap).
func attributeTradeOwner(t *domain.Trade, ownerMap map[string]string) (string, bool) {
	if t.ExchangeOrderID != nil {
		if clientID, ok := ownerMap[*t.ExchangeOrderID]; ok {
			return clientID, true
		}
	}
	if t.ClientOrderID != nil && domain.IsOwnedClientOrderID(*t.ClientOrderID) {
		return *t.ClientOrderID, true
	}
	return "", false
}

// recomputeFill folds a trade group into the local Order: filledAmount
// and avgFillPrice are volume-weighted sums over exact decimals, and
// status only advances forward, never regresses (I1). An order still
// present in `open` is never marked FILLED this tick even if its fills
// sum to the full amount — it must first drop out of the open set to
// avoid a false positive mid-exchange-update (spec.md §4.4 tie-break).
func (r *Reconciler) recomputeFill(ctx context.Context, local *domain.Order, group []*domain.Trade, stillOpen bool) error {
	totalAmount, totalNotional := decimal.Zero, decimal.Zero
	for _, t := range group {
		amount, err := decimalutil.Parse("trade.amount", t.Amount)
		if err != nil {
			return err
		}
		price, err := decimalutil.Parse("trade.price", t.Price)
		if err != nil {
			return err
		}
		totalAmount = totalAmount.Add(amount)
		totalNotional = totalNotional.Add(amount.Mul(price))
	}
	if totalAmount.IsZero() {
		return nil
	}

	orderAmount, err := decimalutil.Parse("order.amount", local.Amount)
	if err != nil {
		return err
	}
	avgPrice := totalNotional.Div(totalAmount)

	next := *local
	next.FilledAmount = decimalutil.String(totalAmount)
	next.AvgFillPrice = decimalutil.StringPtr(avgPrice)

	switch {
	case !stillOpen && totalAmount.GreaterThanOrEqual(orderAmount):
		if !local.Status.Regresses(domain.OrderStatusFilled) {
			next.Status = domain.OrderStatusFilled
		}
	case local.Status == domain.OrderStatusNew:
		if !local.Status.Regresses(domain.OrderStatusPartiallyFilled) {
			next.Status = domain.OrderStatusPartiallyFilled
		}
	}

	_, err = r.store.UpsertOrder(ctx, &next)
	return err
}

// snapshotIDs collects the sorted open-order-ids and trade-ids that make
// up the hash input (spec.md §3 "no timestamps").
func (r *Reconciler) snapshotIDs(ctx context.Context, botID string) (openOrderIDs, tradeIDs []string, err error) {
	open, err := r.store.ListOpenOrdersByBot(ctx, botID)
	if err != nil {
		return nil, nil, fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		openOrderIDs = append(openOrderIDs, o.ID)
	}

	trades, err := r.store.ListTradesByBot(ctx, botID)
	if err != nil {
		return nil, nil, fmt.Errorf("list trades: %w", err)
	}
	for _, t := range trades {
		tradeIDs = append(tradeIDs, t.ID)
	}

	sort.Strings(openOrderIDs)
	sort.Strings(tradeIDs)
	return openOrderIDs, tradeIDs, nil
}

// maybeSkipSnapshot reports whether the newly computed hash matches the
// most recent snapshot for this bot's run (spec.md §4.4 step 7, §8 I4
// "snapshot stability": replaying with no new events yields an
// identical hash and no new row).
func (r *Reconciler) maybeSkipSnapshot(ctx context.Context, bot *domain.Bot, stateHash string) (bool, error) {
	latest, err := r.store.LatestSnapshot(ctx, bot.ID, bot.RunID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("latest snapshot: %w", err)
	}
	return latest.StateHash == stateHash, nil
}
