package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/clock"
	"gridbot/internal/decimalutil"
	"gridbot/internal/domain"
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

func newTestBot(id string, refPrice string) *domain.Bot {
	return &domain.Bot{
		ID:                      id,
		UserID:                  "user-1",
		ExchangeAccountID:       "acct-1",
		Symbol:                  "BNB/USDT",
		ConfigJSON:              "{}",
		Status:                  domain.BotStatusRunning,
		StatusVersion:           0,
		AutoCloseReferencePrice: &refPrice,
		CreatedAt:               time.Now().UTC(),
	}
}

func TestEvaluateAutoCloseTriggersAtThreshold(t *testing.T) {
	cfg := AutoCloseConfig{Enabled: true, DrawdownPercent: decimal.NewFromFloat(0.1)}
	ref := decimal.NewFromInt(1000)

	below := EvaluateAutoClose(cfg, ref, decimal.NewFromInt(900), false)
	assert.True(t, below.ShouldTrigger)

	above := EvaluateAutoClose(cfg, ref, decimal.NewFromInt(901), false)
	assert.False(t, above.ShouldTrigger)
}

func TestEvaluateAutoCloseDisabledNeverTriggers(t *testing.T) {
	cfg := AutoCloseConfig{Enabled: false, DrawdownPercent: decimal.NewFromFloat(0.1)}
	res := EvaluateAutoClose(cfg, decimal.NewFromInt(1000), decimal.NewFromInt(1), false)
	assert.False(t, res.ShouldTrigger)
}

func TestEvaluateAutoCloseAlreadyTriggeredNeverRetriggers(t *testing.T) {
	cfg := AutoCloseConfig{Enabled: true, DrawdownPercent: decimal.NewFromFloat(0.1)}
	res := EvaluateAutoClose(cfg, decimal.NewFromInt(1000), decimal.NewFromInt(1), true)
	assert.False(t, res.ShouldTrigger)
	assert.True(t, res.AlreadyTriggered)
}

func TestAutoCloseServiceEvaluateTransitionsToStopping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1", "1000")
	require.NoError(t, s.CreateBot(ctx, bot))

	svc := NewAutoCloseService(s, clock.Real{})
	cfg := AutoCloseConfig{Enabled: true, DrawdownPercent: decimal.NewFromFloat(0.1)}

	updated, decision, err := svc.Evaluate(ctx, bot, cfg, decimal.NewFromInt(800))
	require.NoError(t, err)
	assert.True(t, decision.ShouldTrigger)
	assert.Equal(t, domain.BotStatusStopping, updated.Status)
	assert.NotNil(t, updated.AutoCloseTriggeredAt)
	assert.Equal(t, "AUTO_CLOSE", updated.AutoCloseReason)
}

func TestAutoCloseServiceEvaluateIsIdempotentOnSecondCall(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1", "1000")
	require.NoError(t, s.CreateBot(ctx, bot))

	svc := NewAutoCloseService(s, clock.Real{})
	cfg := AutoCloseConfig{Enabled: true, DrawdownPercent: decimal.NewFromFloat(0.1)}

	first, _, err := svc.Evaluate(ctx, bot, cfg, decimal.NewFromInt(800))
	require.NoError(t, err)

	second, decision, err := svc.Evaluate(ctx, first, cfg, decimal.NewFromInt(800))
	require.NoError(t, err)
	assert.True(t, decision.AlreadyTriggered)
	assert.False(t, decision.ShouldTrigger)
	assert.Equal(t, domain.BotStatusStopping, second.Status)
}

func TestAutoCloseServiceEvaluateConcurrentModification(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot := newTestBot("bot-1", "1000")
	require.NoError(t, s.CreateBot(ctx, bot))

	// Someone else bumps the bot's version without touching auto-close.
	_, err := s.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(b *domain.Bot) error {
		b.Status = domain.BotStatusPaused
		return nil
	})
	require.NoError(t, err)

	svc := NewAutoCloseService(s, clock.Real{})
	cfg := AutoCloseConfig{Enabled: true, DrawdownPercent: decimal.NewFromFloat(0.1)}

	_, _, err = svc.Evaluate(ctx, bot, cfg, decimal.NewFromInt(800))
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestEvaluateAutoCloseFormatsDrawdownToTwoDecimals(t *testing.T) {
	cfg := AutoCloseConfig{Enabled: true, DrawdownPercent: decimal.NewFromFloat(0.1)}
	res := EvaluateAutoClose(cfg, decimal.NewFromInt(3), decimal.NewFromInt(1), false)
	assert.Equal(t, decimalutil.FormatPercent2(decimal.NewFromFloat(66.67)), res.DrawdownPercent)
}
