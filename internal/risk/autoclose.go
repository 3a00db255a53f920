// Package risk implements the three independent risk evaluators of
// spec.md §4.5: AutoClose drawdown, Kill-Switch and Floor-Price/Bounds/
// Enable-Side gating. AutoClose and Kill-Switch are pure decision
// functions plus thin CAS persistence wrappers; Floor-Price/Bounds/
// Enable-Side are pure gates evaluated inline by the Trigger/Order
// Engine, grounded on the trip/reset/status shape of the teacher's
// circuit_breaker.go and the evaluate-then-persist pattern of monitor.go.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/clock"
	"gridbot/internal/decimalutil"
	"gridbot/internal/domain"
	"gridbot/internal/store"
)

// ErrPreviouslyTriggered marks a CAS miss caused by another actor having
// already recorded the trigger for this run. AutoCloseService.Evaluate
// does not return it: it reports that case as a nil error with
// AutoCloseDecision.AlreadyTriggered set (idempotent success).
var ErrPreviouslyTriggered = errors.New("auto-close already triggered for this run")

// ErrConcurrentModification is returned when a CAS miss cannot be
// explained by a prior trigger: the bot moved for some other reason and
// the caller must re-read before deciding anything.
var ErrConcurrentModification = errors.New("CONCURRENT_MODIFICATION")

// AutoCloseConfig is the subset of a bot's normalised config AutoClose
// needs.
type AutoCloseConfig struct {
	Enabled         bool
	DrawdownPercent decimal.Decimal // ratio, e.g. 0.02 = 2%
}

// AutoCloseDecision is the pure evaluation result.
type AutoCloseDecision struct {
	ShouldTrigger    bool
	AlreadyTriggered bool
	Threshold        decimal.Decimal
	DrawdownPercent  string // formatted to 2 decimals, spec.md §4.5
}

// EvaluateAutoClose is the pure drawdown check. The *frozen* reference
// price discipline (comparing against the price the run started at, not
// the live ticker) is the caller's responsibility: referencePrice must
// already be whatever was frozen at WAITING_TRIGGER/RUNNING entry.
func EvaluateAutoClose(cfg AutoCloseConfig, referencePrice, lastPrice decimal.Decimal, alreadyTriggered bool) AutoCloseDecision {
	if !cfg.Enabled || cfg.DrawdownPercent.IsZero() || alreadyTriggered {
		return AutoCloseDecision{AlreadyTriggered: alreadyTriggered}
	}

	threshold := referencePrice.Mul(decimal.NewFromInt(1).Sub(cfg.DrawdownPercent))
	triggered := lastPrice.LessThanOrEqual(threshold)

	var drawdown decimal.Decimal
	if !referencePrice.IsZero() {
		drawdown = decimal.NewFromInt(1).Sub(lastPrice.Div(referencePrice)).Mul(decimal.NewFromInt(100))
	}

	return AutoCloseDecision{
		ShouldTrigger:   triggered,
		Threshold:       threshold,
		DrawdownPercent: decimalutil.FormatPercent2(drawdown),
	}
}

// AutoCloseService wraps EvaluateAutoClose with the CAS persistence
// described in spec.md §4.5: on trigger, CAS the bot to STOPPING with
// autoCloseTriggeredAt/Reason/lastError set, conditional on
// autoCloseTriggeredAt currently being unset.
type AutoCloseService struct {
	store store.Store
	clock clock.Clock
}

func NewAutoCloseService(s store.Store, c clock.Clock) *AutoCloseService {
	return &AutoCloseService{store: s, clock: c}
}

// Evaluate decides and, if warranted, persists the STOPPING transition.
// It returns the (possibly updated) bot, the decision, and an error. A
// CAS miss explained by an earlier trigger yields a nil error with
// decision.AlreadyTriggered set; any other CAS miss returns
// ErrConcurrentModification.
func (a *AutoCloseService) Evaluate(ctx context.Context, bot *domain.Bot, cfg AutoCloseConfig, lastPrice decimal.Decimal) (*domain.Bot, AutoCloseDecision, error) {
	if bot.AutoCloseReferencePrice == nil {
		return bot, AutoCloseDecision{}, fmt.Errorf("bot %s has no frozen auto-close reference price", bot.ID)
	}
	refPrice, err := decimalutil.Parse("autoCloseReferencePrice", *bot.AutoCloseReferencePrice)
	if err != nil {
		return bot, AutoCloseDecision{}, err
	}

	decision := EvaluateAutoClose(cfg, refPrice, lastPrice, bot.AutoCloseTriggeredAt != nil)
	if !decision.ShouldTrigger {
		return bot, decision, nil
	}

	now := a.clock.Now()
	reason := fmt.Sprintf("AUTO_CLOSE triggered: drawdown %s%%", decision.DrawdownPercent)

	updated, err := a.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(b *domain.Bot) error {
		if b.AutoCloseTriggeredAt != nil {
			return ErrPreviouslyTriggered
		}
		b.Status = domain.BotStatusStopping
		b.AutoCloseTriggeredAt = &now
		b.AutoCloseReason = "AUTO_CLOSE"
		b.LastError = reason
		return nil
	})

	switch {
	case err == nil:
		return updated, decision, nil
	case errors.Is(err, ErrPreviouslyTriggered):
		decision.AlreadyTriggered = true
		decision.ShouldTrigger = false
		return bot, decision, nil
	case errors.Is(err, store.ErrCASFailed):
		return a.disambiguateCASMiss(ctx, bot, decision)
	default:
		return bot, decision, err
	}
}

// disambiguateCASMiss re-reads the bot per spec.md §4.5: if
// autoCloseTriggeredAt is now set, another actor already did this exact
// transition (idempotent success); otherwise something else moved the
// bot and the caller must treat it as a genuine conflict.
func (a *AutoCloseService) disambiguateCASMiss(ctx context.Context, bot *domain.Bot, decision AutoCloseDecision) (*domain.Bot, AutoCloseDecision, error) {
	fresh, err := a.store.GetBot(ctx, bot.ID)
	if err != nil {
		return bot, decision, err
	}
	if fresh.AutoCloseTriggeredAt != nil {
		decision.AlreadyTriggered = true
		decision.ShouldTrigger = false
		return fresh, decision, nil
	}
	return fresh, decision, ErrConcurrentModification
}
