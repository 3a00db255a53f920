// Package scheduler implements the Worker Scheduler of spec.md §4.1: a
// single tick loop that, per bot, pipelines Reconciler → Risk Evaluator
// → Trigger/Order Engine, and independently drives the Stopping
// Executor over STOPPING bots. Grounded on the teacher's
// cmd/live_server tick loop and pkg/concurrency.WorkerPool for bounded
// per-bot fan-out.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"

	"gridbot/internal/clock"
	"gridbot/internal/config"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/reconcile"
	"gridbot/internal/risk"
	"gridbot/internal/store"
	"gridbot/internal/stopping"
	"gridbot/internal/triggerorder"
)

// Logger is the minimal structured-logging surface the scheduler needs,
// satisfied by internal/observability's zap-backed implementation.
type Logger interface {
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

// Metrics is the tick-level instrumentation surface, satisfied by
// internal/observability.
type Metrics interface {
	TickCompleted(botsProcessed, errors int, duration time.Duration)
	BotError(botID, stage string)
}

// AdapterFactory builds (or looks up) the Exchange Adapter for an
// ExchangeAccount, called at most once per account per cache miss
// (spec.md §4.1 step 2, §5 provider cache).
type AdapterFactory func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error)

// Config holds the scheduler's tunables, sourced from the WORKER_* env
// vars of spec.md §6.
type Config struct {
	TickInterval     time.Duration
	MaxBotsPerTick   int
	MaxWorkers       int
	EnableStopping   bool
}

// Scheduler owns one tick loop. It is safe to construct once per worker
// process.
type Scheduler struct {
	store   store.Store
	clock   clock.Clock
	cache   *exchangeadapter.ProviderCache
	build   AdapterFactory
	cfg     Config
	logger  Logger
	metrics Metrics

	reconciler *reconcile.Reconciler
	autoClose  *risk.AutoCloseService
	killSwitch *risk.KillSwitchService
	triggers   *triggerorder.Engine
	stopper    *stopping.Engine

	pool     *pond.WorkerPool
	botLocks sync.Map // botID -> *sync.Mutex, serialises per-bot adapter use across ticks
}

func New(
	s store.Store,
	c clock.Clock,
	cache *exchangeadapter.ProviderCache,
	build AdapterFactory,
	cfg Config,
	logger Logger,
	metrics Metrics,
	reconciler *reconcile.Reconciler,
	autoClose *risk.AutoCloseService,
	killSwitch *risk.KillSwitchService,
	triggers *triggerorder.Engine,
	stopper *stopping.Engine,
) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxBotsPerTick <= 0 {
		cfg.MaxBotsPerTick = 100
	}
	pool := pond.New(cfg.MaxWorkers, cfg.MaxBotsPerTick*2, pond.MinWorkers(1))
	return &Scheduler{
		store: s, clock: c, cache: cache, build: build, cfg: cfg, logger: logger, metrics: metrics,
		reconciler: reconciler, autoClose: autoClose, killSwitch: killSwitch,
		triggers: triggers, stopper: stopper, pool: pool,
	}
}

// Run blocks, ticking every cfg.TickInterval, until ctx is cancelled.
// The stop signal is observed at tick boundaries (spec.md §4.1
// "Cancellation / shutdown").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer s.pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full scheduling pass: active bots through the
// reconcile/risk/trigger pipeline, then STOPPING bots through the
// Stopping Executor, independently (spec.md §4.1 steps 1-6).
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.clock.Now()
	var errCount int
	var mu sync.Mutex
	countErr := func() {
		mu.Lock()
		errCount++
		mu.Unlock()
	}

	active, err := s.loadActiveBots(ctx)
	if err != nil {
		s.logger.Error("scheduler: load active bots failed", "error", err)
		return
	}

	group := s.pool.Group()
	for _, bot := range active {
		bot := bot
		group.Submit(func() {
			if err := s.runBotPipeline(ctx, bot); err != nil {
				s.logger.Warn("scheduler: bot pipeline error", "botId", bot.ID, "error", err)
				s.metrics.BotError(bot.ID, "pipeline")
				countErr()
			}
		})
	}
	group.Wait()

	if s.cfg.EnableStopping {
		stoppingBots, err := s.loadStoppingBots(ctx)
		if err != nil {
			s.logger.Error("scheduler: load stopping bots failed", "error", err)
		} else {
			stopGroup := s.pool.Group()
			for _, bot := range stoppingBots {
				bot := bot
				stopGroup.Submit(func() {
					if err := s.runStoppingPipeline(ctx, bot); err != nil {
						s.logger.Warn("scheduler: stopping pipeline error", "botId", bot.ID, "error", err)
						s.metrics.BotError(bot.ID, "stopping")
						countErr()
					}
				})
			}
			stopGroup.Wait()
		}
	}

	s.metrics.TickCompleted(len(active), errCount, s.clock.Now().Sub(start))
}

func (s *Scheduler) loadActiveBots(ctx context.Context) ([]*domain.Bot, error) {
	var out []*domain.Bot
	for _, status := range []domain.BotStatus{domain.BotStatusRunning, domain.BotStatusWaitingTrigger} {
		bots, err := s.store.ListBotsByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		out = append(out, bots...)
		if len(out) >= s.cfg.MaxBotsPerTick {
			break
		}
	}
	if len(out) > s.cfg.MaxBotsPerTick {
		out = out[:s.cfg.MaxBotsPerTick]
	}
	return out, nil
}

func (s *Scheduler) loadStoppingBots(ctx context.Context) ([]*domain.Bot, error) {
	bots, err := s.store.ListBotsByStatus(ctx, domain.BotStatusStopping)
	if err != nil {
		return nil, err
	}
	if len(bots) > s.cfg.MaxBotsPerTick {
		bots = bots[:s.cfg.MaxBotsPerTick]
	}
	return bots, nil
}

// lockFor returns (creating if absent) the per-bot mutex that serialises
// Adapter access across ticks (spec.md §5: "at most one in-flight
// Adapter mutation per bot").
func (s *Scheduler) lockFor(botID string) *sync.Mutex {
	v, _ := s.botLocks.LoadOrStore(botID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Scheduler) runBotPipeline(ctx context.Context, bot *domain.Bot) error {
	lock := s.lockFor(bot.ID)
	lock.Lock()
	defer lock.Unlock()

	adapter, err := s.cache.GetOrCreate(bot.ExchangeAccountID, func() (exchangeadapter.IExchangeAdapter, error) {
		return s.build(ctx, bot.ExchangeAccountID)
	})
	if err != nil {
		return err
	}

	if _, err := s.reconciler.Reconcile(ctx, bot, adapter); err != nil {
		if domain.IsRetryable(err) {
			// §4.4: exchange I/O failure — skip this bot this tick, no
			// state mutation.
			return nil
		}
		return err
	}

	bot, err = s.store.GetBot(ctx, bot.ID)
	if err != nil {
		return err
	}
	if bot.Status != domain.BotStatusRunning && bot.Status != domain.BotStatusWaitingTrigger {
		return nil
	}

	transitioned, err := s.evaluateRisk(ctx, bot, adapter)
	if err != nil {
		return err
	}
	if transitioned {
		return nil
	}

	_, err = s.triggers.Run(ctx, bot, adapter)
	return err
}

// evaluateRisk runs Kill-Switch then AutoClose, in that fixed order
// (spec.md §4.1 step 4). It reports whether the bot left active status.
func (s *Scheduler) evaluateRisk(ctx context.Context, bot *domain.Bot, adapter exchangeadapter.IExchangeAdapter) (bool, error) {
	enabled, err := s.killSwitch.IsEnabled(ctx, bot.UserID)
	if err != nil {
		return false, err
	}
	if enabled {
		updated, err := s.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(next *domain.Bot) error {
			next.Status = domain.BotStatusStopping
			next.LastError = "KILL_SWITCH: user kill-switch enabled"
			return nil
		})
		if err == store.ErrCASFailed {
			return true, nil // raced with another actor; treat as transitioned
		}
		if err != nil {
			return false, err
		}
		_ = updated
		return true, nil
	}

	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		return false, err
	}
	if !cfg.EnableAutoClose {
		return false, nil
	}

	last, err := adapter.FetchTicker(ctx, bot.Symbol)
	if err != nil {
		// Ticker I/O failure: skip risk this tick, let Trigger/Order's
		// own ticker fetch surface the same failure.
		return false, nil
	}

	_, decision, err := s.autoClose.Evaluate(ctx, bot, risk.AutoCloseConfig{
		Enabled:         true,
		DrawdownPercent: cfg.AutoCloseDrawdownPercent,
	}, last)
	if err == risk.ErrPreviouslyTriggered {
		return true, nil
	}
	if err == risk.ErrConcurrentModification {
		return true, nil // re-read happens naturally on the next tick
	}
	if err != nil {
		return false, err
	}
	return decision.ShouldTrigger, nil
}

func (s *Scheduler) runStoppingPipeline(ctx context.Context, bot *domain.Bot) error {
	lock := s.lockFor(bot.ID)
	lock.Lock()
	defer lock.Unlock()

	adapter, err := s.cache.GetOrCreate(bot.ExchangeAccountID, func() (exchangeadapter.IExchangeAdapter, error) {
		return s.build(ctx, bot.ExchangeAccountID)
	})
	if err != nil {
		return err
	}
	_, err = s.stopper.Run(ctx, bot, adapter)
	return err
}
