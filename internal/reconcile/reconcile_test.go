package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/clock"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestBot(id string) *domain.Bot {
	return &domain.Bot{
		ID: id, UserID: "user-1", ExchangeAccountID: "acct-1",
		Symbol: "BNB/USDT", ConfigJSON: "{}", Status: domain.BotStatusRunning,
		RunID: "run-1", CreatedAt: time.Now().UTC(),
	}
}

func TestReconcileSkipsPausedBots(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1")
	bot.Status = domain.BotStatusPaused
	require.NoError(t, s.CreateBot(ctx, bot))

	r := New(s, clock.Real{})
	res, err := r.Reconcile(ctx, bot, exchangeadapter.NewSimulator("sim"))
	require.NoError(t, err)
	assert.False(t, res.Ran)
}

func TestReconcileUpsertsOpenOrdersAndIsStable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1")
	require.NoError(t, s.CreateBot(ctx, bot))

	sim := exchangeadapter.NewSimulator("sim")
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(300))
	_, err := sim.CreateOrder(ctx, exchangeadapter.CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.NewFromInt(295), HasPrice: true, Amount: decimal.NewFromInt(1),
		ClientOrderID: domain.ClientOrderID(bot.ID, 1),
	})
	require.NoError(t, err)

	r := New(s, clock.Real{})
	first, err := r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)
	assert.True(t, first.Ran)
	assert.Equal(t, 1, first.OpenOrderCount)
	assert.False(t, first.SnapshotSkipped)

	open, err := s.ListOpenOrdersByBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.OrderStatusNew, open[0].Status)

	// A second reconcile with no new exchange events must be stable.
	second, err := r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)
	assert.True(t, second.SnapshotSkipped)
	assert.Equal(t, first.StateHash, second.StateHash)
}

func TestReconcileRecomputesFillAfterOrderLeavesOpenSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1")
	require.NoError(t, s.CreateBot(ctx, bot))

	sim := exchangeadapter.NewSimulator("sim")
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(300))
	clientID := domain.ClientOrderID(bot.ID, 1)
	result, err := sim.CreateOrder(ctx, exchangeadapter.CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.NewFromInt(295), HasPrice: true, Amount: decimal.NewFromInt(1),
		ClientOrderID: clientID,
	})
	require.NoError(t, err)

	r := New(s, clock.Real{})
	_, err = r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)

	sim.FillOrder(result.ExchangeOrderID, decimal.NewFromInt(295))

	final, err := r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)
	assert.Equal(t, 1, final.AttributedTrades)

	all, err := s.ListOrdersByBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.OrderStatusFilled, all[0].Status)
	assert.Equal(t, "1", all[0].FilledAmount)
}

func TestReconcileMarksVanishedOrderCanceled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1")
	require.NoError(t, s.CreateBot(ctx, bot))

	sim := exchangeadapter.NewSimulator("sim")
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(300))
	clientID := domain.ClientOrderID(bot.ID, 1)
	result, err := sim.CreateOrder(ctx, exchangeadapter.CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.NewFromInt(295), HasPrice: true, Amount: decimal.NewFromInt(1),
		ClientOrderID: clientID,
	})
	require.NoError(t, err)

	r := New(s, clock.Real{})
	_, err = r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)

	// Simulate the exchange (or an operator) cancelling the order outside
	// this system's own stopping pipeline: it drops out of `open` with no
	// matching trade.
	require.NoError(t, sim.CancelOrder(ctx, result.ExchangeOrderID, "BNB/USDT"))

	res, err := r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)
	assert.Equal(t, 0, res.OpenOrderCount)

	all, err := s.ListOrdersByBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.OrderStatusCanceled, all[0].Status)
}

func TestReconcileDropsUnattributableTrades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1")
	require.NoError(t, s.CreateBot(ctx, bot))

	sim := exchangeadapter.NewSimulator("sim")
	r := New(s, clock.Real{})

	res, err := r.Reconcile(ctx, bot, sim)
	require.NoError(t, err)
	assert.Equal(t, 0, res.AttributedTrades)
}
