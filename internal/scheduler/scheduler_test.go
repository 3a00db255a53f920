package scheduler

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
	"gridbot/internal/reconcile"
	"gridbot/internal/retrypolicy"
	"gridbot/internal/risk"
	"gridbot/internal/store"
	"gridbot/internal/stopping"
	"gridbot/internal/triggerorder"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type nopMetrics struct{}

func (nopMetrics) TickCompleted(int, int, time.Duration) {}
func (nopMetrics) BotError(string, string)               {}

const priceGridConfig = `{
	"schemaVersion": 2,
	"trigger": {"gridType":"price","basePriceType":"current","riseSell":"10","fallBuy":"10"},
	"order": {"orderType":"limit"},
	"sizing": {"amountMode":"amount","gridSymmetric":true,"symmetric":{"orderQuantity":"100"}},
	"risk": {"enableBuy":true,"enableSell":true}
}`

func newScheduler(t *testing.T, s *store.SQLiteStore, sim *exchangeadapter.Simulator) *Scheduler {
	t.Helper()
	c := clock.Real{}
	cache := exchangeadapter.NewProviderCache()
	build := func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error) {
		return sim, nil
	}
	return New(
		s, c, cache, build,
		Config{TickInterval: time.Second, MaxBotsPerTick: 50, MaxWorkers: 4, EnableStopping: true},
		nopLogger{}, nopMetrics{},
		reconcile.New(s, c),
		risk.NewAutoCloseService(s, c),
		risk.NewKillSwitchService(s, c),
		triggerorder.New(s, c, retrypolicy.NewTracker(), retrypolicy.DefaultOrderPolicy),
		stopping.New(s, c, retrypolicy.NewTracker(), retrypolicy.DefaultStoppingPolicy, noopAlerts{}),
	)
}

type noopAlerts struct{}

func (noopAlerts) Critical(ctx context.Context, botID, message string) {}

func TestTickAdvancesWaitingTriggerBotToRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref := "300"
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusWaitingTrigger, RunID: "run-1",
		AutoCloseReferencePrice: &ref, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(ctx, bot))

	sim := exchangeadapter.NewSimulator("sim")
	sim.SetTicker(bot.Symbol, decimal.NewFromInt(280))

	sched := newScheduler(t, s, sim)
	sched.Tick(ctx)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusRunning, got.Status)

	orders, err := s.ListOrdersByBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.NotNil(t, orders[0].ExchangeOrderID)
}

func TestTickStopsBotWhenKillSwitchEnabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref := "300"
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusRunning, RunID: "run-1",
		AutoCloseReferencePrice: &ref, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(ctx, bot))
	require.NoError(t, s.UpsertUser(ctx, &domain.User{ID: "user-1", KillSwitchEnabled: true}))

	sim := exchangeadapter.NewSimulator("sim")
	sim.SetTicker(bot.Symbol, decimal.NewFromInt(300))

	sched := newScheduler(t, s, sim)
	sched.Tick(ctx)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusStopping, got.Status)
	assert.Contains(t, got.LastError, "KILL_SWITCH")
}

func TestTickDrivesStoppingBotToStopped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusStopping, RunID: "run-1",
		LastError: "USER_STOP", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(ctx, bot))

	sim := exchangeadapter.NewSimulator("sim")
	sched := newScheduler(t, s, sim)
	sched.Tick(ctx)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusStopped, got.Status)
	assert.Empty(t, got.RunID)
}
