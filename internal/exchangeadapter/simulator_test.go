package exchangeadapter

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/domain"
)

func TestSimulatorCreateOrderLimitRequiresPrice(t *testing.T) {
	sim := NewSimulator("sim")
	_, err := sim.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Amount: decimal.NewFromInt(1), ClientOrderID: "gb1-bot-1",
	})
	require.Error(t, err)
}

func TestSimulatorCreateOrderIsIdempotentOnClientOrderID(t *testing.T) {
	sim := NewSimulator("sim")
	req := CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.NewFromInt(300), HasPrice: true, Amount: decimal.NewFromInt(1),
		ClientOrderID: "gb1-bot-1-1",
	}
	first, err := sim.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	second, err := sim.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
}

func TestSimulatorFetchOpenOrdersFiltersForeignIDs(t *testing.T) {
	sim := NewSimulator("sim")
	ctx := context.Background()
	_, err := sim.CreateOrder(ctx, CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.NewFromInt(300), HasPrice: true, Amount: decimal.NewFromInt(1),
		ClientOrderID: "gb1-bot-1-1",
	})
	require.NoError(t, err)
	_, err = sim.CreateOrder(ctx, CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.NewFromInt(300), HasPrice: true, Amount: decimal.NewFromInt(1),
		ClientOrderID: "manual-order-1",
	})
	require.NoError(t, err)

	open, err := sim.FetchOpenOrders(ctx, "BNB/USDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.True(t, domain.IsOwnedClientOrderID(open[0].ClientOrderID))
}

func TestSimulatorMarketOrderFillsImmediately(t *testing.T) {
	sim := NewSimulator("sim")
	ctx := context.Background()
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(300))

	res, err := sim.CreateOrder(ctx, CreateOrderRequest{
		Symbol: "BNB/USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket,
		Amount: decimal.NewFromInt(1), ClientOrderID: "gb1c-bot-1-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)

	trades, err := sim.FetchMyTrades(ctx, "BNB/USDT", nil)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSimulatorCancelOrderIsIdempotent(t *testing.T) {
	sim := NewSimulator("sim")
	ctx := context.Background()
	assert.NoError(t, sim.CancelOrder(ctx, "does-not-exist", "BNB/USDT"))
}

func TestProviderCacheBuildsOnce(t *testing.T) {
	cache := NewProviderCache()
	calls := 0
	build := func() (IExchangeAdapter, error) {
		calls++
		return NewSimulator("sim"), nil
	}

	_, err := cache.GetOrCreate("acct-1", build)
	require.NoError(t, err)
	_, err = cache.GetOrCreate("acct-1", build)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	cache.Invalidate("acct-1")
	_, err = cache.GetOrCreate("acct-1", build)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
