package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"gridbot/internal/alert"
	"gridbot/internal/auth"
	"gridbot/internal/clock"
	"gridbot/internal/config"
	"gridbot/internal/crypto"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/httpapi"
	"gridbot/internal/observability"
	"gridbot/internal/reconcile"
	"gridbot/internal/retrypolicy"
	"gridbot/internal/risk"
	"gridbot/internal/scheduler"
	"gridbot/internal/store"
	"gridbot/internal/stopping"
	"gridbot/internal/triggerorder"
	"gridbot/pkg/logging"
	"gridbot/pkg/telemetry"
)

func main() {
	logLevel := envOr("LOG_LEVEL", "info")
	logger, err := logging.NewZapLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		logger.Error("invalid worker configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.Enabled {
		logger.Info("WORKER_ENABLED is not set; exiting without starting the tick loop")
		return
	}

	telem, err := telemetry.Setup("gridbot-worker")
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without metrics export", "error", err)
	}

	dbPath := envOr("DATABASE_PATH", "gridbot.db")
	s, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", dbPath)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Migrate(ctx); err != nil {
		logger.Error("failed to migrate store", "error", err)
		os.Exit(1)
	}

	var cipher *crypto.CredentialCipher
	if len(cfg.EncryptionKey) > 0 {
		cipher, err = crypto.NewCredentialCipher(cfg.EncryptionKey)
		if err != nil {
			logger.Error("failed to initialize credential cipher", "error", err)
			os.Exit(1)
		}
	}

	realClock := clock.Real{}
	cache := exchangeadapter.NewProviderCache()
	build := adapterFactory(cfg, logger)

	metrics := observability.NewMetrics()
	var alertChannels []alert.AlertChannel
	if cfg.AlertSlackWebhookURL != "" {
		alertChannels = append(alertChannels, alert.NewSlackChannel(cfg.AlertSlackWebhookURL))
	}
	alerts := observability.NewAlerts(logger, alertChannels...)

	sched := scheduler.New(
		s, realClock, cache, build,
		scheduler.Config{
			TickInterval:   5 * time.Second,
			MaxBotsPerTick: 200,
			MaxWorkers:     10,
			EnableStopping: cfg.EnableStopping,
		},
		logger, metrics,
		reconcile.New(s, realClock),
		risk.NewAutoCloseService(s, realClock),
		risk.NewKillSwitchService(s, realClock),
		triggerorder.New(s, realClock, retrypolicy.NewTracker(), retrypolicy.Policy{
			MaxAttempts: cfg.OrderMaxRetries, BaseMs: cfg.OrderBackoffBaseMs, MaxMs: cfg.OrderBackoffMaxMs,
		}),
		stopping.New(s, realClock, retrypolicy.NewTracker(), retrypolicy.Policy{
			MaxAttempts: cfg.StopMaxRetries, BaseMs: cfg.StopBackoffBaseMs, MaxMs: cfg.StopBackoffMaxMs,
		}, alerts),
	)

	if cfg.EnableTrading {
		go sched.Run(ctx)
		logger.Info("scheduler tick loop started")
	} else {
		logger.Info("WORKER_ENABLE_TRADING is not set; tick loop will not run")
	}

	jwtSecret := envOr("JWT_SECRET", "")
	if jwtSecret == "" {
		logger.Warn("JWT_SECRET is not set; generating an ephemeral secret, tokens will not survive a restart")
		jwtSecret = ephemeralSecret()
	}
	validator := auth.NewValidator(jwtSecret, auth.DefaultRateLimitPerUser, logger)
	cachedBuild := func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error) {
		return cache.GetOrCreate(accountID, func() (exchangeadapter.IExchangeAdapter, error) {
			return build(ctx, accountID)
		})
	}
	api := httpapi.New(s, realClock, cachedBuild, risk.NewAutoCloseService(s, realClock), cipher, validator)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.Register(router)

	addr := envOr("HTTP_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: router}
	go func() {
		logger.Info("starting HTTP command surface", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during http server shutdown", "error", err)
	}
	if telem != nil {
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error during telemetry shutdown", "error", err)
		}
	}
	logger.Info("worker stopped")
}

// adapterFactory builds the per-account exchange adapter. Real-venue
// wiring requires a Codec (per-exchange request/response translation)
// that is not implemented for any venue yet (see DESIGN.md); the
// factory always returns the deterministic Simulator and logs a
// warning if the operator asked for a real exchange, rather than
// silently trading on a venue with no actual integration.
func adapterFactory(cfg *config.WorkerConfig, logger interface {
	Warn(string, ...interface{})
}) func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error) {
	return func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error) {
		if cfg.UseRealExchange {
			logger.Warn("WORKER_USE_REAL_EXCHANGE is set but no exchange Codec is wired; falling back to the Simulator", "accountId", accountID, "provider", cfg.ExchangeProvider)
		}
		return exchangeadapter.NewSimulator(accountID), nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func ephemeralSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// nothing downstream can recover from that either.
		panic(fmt.Sprintf("failed to generate ephemeral JWT secret: %v", err))
	}
	return hex.EncodeToString(b)
}
