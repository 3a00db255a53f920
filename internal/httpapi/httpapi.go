// Package httpapi implements the thin HTTP command surface of spec.md
// §6: bot lifecycle commands (start/pause/resume/stop/delete),
// risk-check, and exchange-account management, all behind JWT bearer
// auth. It is a collaborator, not the core: every handler delegates to
// internal/preview, internal/risk, internal/store and
// internal/exchangeadapter rather than owning any domain logic itself.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/auth"
	"gridbot/internal/clock"
	"gridbot/internal/config"
	"gridbot/internal/crypto"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/preview"
	"gridbot/internal/risk"
	"gridbot/internal/store"
)

// AdapterFactory builds (or looks up) the Exchange Adapter for an
// ExchangeAccount, shared with internal/scheduler via the same
// ProviderCache.
type AdapterFactory func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error)

// Server owns the gin routes and their collaborators.
type Server struct {
	store     store.Store
	clock     clock.Clock
	build     AdapterFactory
	autoClose *risk.AutoCloseService
	cipher    *crypto.CredentialCipher // nil when credential encryption is not configured
	validator *auth.Validator
}

// New builds a Server. cipher may be nil: account creation for mainnet
// exchanges then fails with MAINNET_ACCOUNT_FORBIDDEN per spec.md §6.
func New(s store.Store, c clock.Clock, build AdapterFactory, autoClose *risk.AutoCloseService, cipher *crypto.CredentialCipher, validator *auth.Validator) *Server {
	return &Server{store: s, clock: c, build: build, autoClose: autoClose, cipher: cipher, validator: validator}
}

// Register mounts every route onto router, all behind bearer auth.
func (s *Server) Register(router gin.IRouter) {
	authorized := router.Group("/", s.validator.Middleware())
	authorized.POST("/bots/:id/start", s.handleStart)
	authorized.POST("/bots/:id/pause", s.handlePause)
	authorized.POST("/bots/:id/resume", s.handleResume)
	authorized.POST("/bots/:id/stop", s.handleStop)
	authorized.DELETE("/bots/:id", s.handleDeleteBot)
	authorized.POST("/bots/:id/risk-check", s.handleRiskCheck)
	authorized.POST("/accounts", s.handleCreateAccount)
	authorized.DELETE("/accounts/:id", s.handleDeleteAccount)
}

// errorResponse renders err per spec.md §7's Kind→HTTP status map.
func errorResponse(c *gin.Context, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		status := http.StatusInternalServerError
		switch de.Kind {
		case domain.KindValidation:
			status = http.StatusUnprocessableEntity
		case domain.KindNotFound, domain.KindOrderNotFound:
			status = http.StatusNotFound
		case domain.KindStateConflict, domain.KindDuplicateOrder:
			status = http.StatusConflict
		case domain.KindExchangeUnavailable, domain.KindTimeout:
			status = http.StatusServiceUnavailable
		case domain.KindAuth:
			status = http.StatusUnauthorized
		case domain.KindBadRequest, domain.KindInsufficientFunds:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": de.Kind, "message": de.Message})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.KindNotFound, "message": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": domain.KindInternal, "message": err.Error()})
}

// loadOwnedBot fetches bot by id, returning NOT_FOUND both when it
// genuinely doesn't exist and when the caller doesn't own it — the two
// are indistinguishable to an unauthorized caller.
func (s *Server) loadOwnedBot(ctx context.Context, c *gin.Context) (*domain.Bot, bool) {
	userID, _ := auth.UserID(c)
	bot, err := s.store.GetBot(ctx, c.Param("id"))
	if err != nil || bot.UserID != userID {
		errorResponse(c, domain.New(domain.KindNotFound, "bot not found"))
		return nil, false
	}
	return bot, true
}

// handleStart implements POST /bots/:id/start: validates via Preview,
// freezes the AutoClose reference price, CAS DRAFT→WAITING_TRIGGER.
func (s *Server) handleStart(c *gin.Context) {
	ctx := c.Request.Context()
	bot, ok := s.loadOwnedBot(ctx, c)
	if !ok {
		return
	}
	if bot.Status != domain.BotStatusDraft {
		errorResponse(c, domain.New(domain.KindStateConflict, "bot is not in DRAFT"))
		return
	}

	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		errorResponse(c, domain.New(domain.KindValidation, "invalid configJson: %v", err))
		return
	}

	adapter, err := s.build(ctx, bot.ExchangeAccountID)
	if err != nil {
		errorResponse(c, err)
		return
	}
	last, err := adapter.FetchTicker(ctx, bot.Symbol)
	if err != nil {
		errorResponse(c, domain.Retryable(domain.KindExchangeUnavailable, "fetch ticker: %v", err))
		return
	}
	market, err := adapter.FetchMarketInfo(ctx, bot.Symbol)
	if err != nil {
		errorResponse(c, domain.Retryable(domain.KindExchangeUnavailable, "fetch market info: %v", err))
		return
	}
	balances, err := adapter.FetchBalance(ctx)
	if err != nil {
		errorResponse(c, domain.Retryable(domain.KindExchangeUnavailable, "fetch balance: %v", err))
		return
	}

	result := preview.Calculate(preview.Input{
		Config:     cfg,
		Market:     preview.MarketInfo{MinAmount: market.MinAmount, MinNotional: market.MinNotional},
		TickerLast: last,
		Balance:    preview.Balance{FreeQuote: freeQuoteBalance(balances, bot.Symbol)},
	})
	if len(result.Issues) > 0 {
		errorResponse(c, domain.New(domain.KindValidation, "preview rejected config: %v", result.Issues))
		return
	}

	refPrice := result.BasePrice.String()
	runID := uuid.NewString()
	updated, err := s.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(next *domain.Bot) error {
		next.Status = domain.BotStatusWaitingTrigger
		next.RunID = runID
		next.AutoCloseReferencePrice = &refPrice
		next.AutoCloseTriggeredAt = nil
		next.LastError = ""
		return nil
	})
	if err == store.ErrCASFailed {
		errorResponse(c, domain.New(domain.KindStateConflict, "bot changed concurrently"))
		return
	}
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handlePause implements POST /bots/:id/pause: CAS RUNNING/WAITING_TRIGGER→PAUSED.
func (s *Server) handlePause(c *gin.Context) {
	s.casTransition(c, func(status domain.BotStatus) bool {
		return status == domain.BotStatusRunning || status == domain.BotStatusWaitingTrigger
	}, domain.BotStatusPaused, "")
}

// handleResume implements POST /bots/:id/resume: CAS PAUSED→WAITING_TRIGGER.
// Re-entering via WAITING_TRIGGER (rather than directly to RUNNING) lets
// the Trigger/Order Engine re-pin config/bounds on the next tick, same
// as any other WAITING_TRIGGER bot (spec.md §4.6 step 3).
func (s *Server) handleResume(c *gin.Context) {
	s.casTransition(c, func(status domain.BotStatus) bool {
		return status == domain.BotStatusPaused
	}, domain.BotStatusWaitingTrigger, "")
}

// handleStop implements POST /bots/:id/stop: CAS any active state→STOPPING.
func (s *Server) handleStop(c *gin.Context) {
	s.casTransition(c, func(status domain.BotStatus) bool {
		switch status {
		case domain.BotStatusWaitingTrigger, domain.BotStatusRunning, domain.BotStatusPaused:
			return true
		default:
			return false
		}
	}, domain.BotStatusStopping, "USER_STOP")
}

func (s *Server) casTransition(c *gin.Context, allowed func(domain.BotStatus) bool, next domain.BotStatus, lastError string) {
	ctx := c.Request.Context()
	bot, ok := s.loadOwnedBot(ctx, c)
	if !ok {
		return
	}
	if !allowed(bot.Status) {
		errorResponse(c, domain.New(domain.KindStateConflict, "bot status %s cannot transition to %s", bot.Status, next))
		return
	}
	updated, err := s.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, func(b *domain.Bot) error {
		b.Status = next
		if lastError != "" {
			b.LastError = lastError
		}
		return nil
	})
	if err == store.ErrCASFailed {
		errorResponse(c, domain.New(domain.KindStateConflict, "bot changed concurrently"))
		return
	}
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleDeleteBot implements DELETE /bots/:id: permitted only in
// DRAFT|STOPPED|ERROR.
func (s *Server) handleDeleteBot(c *gin.Context) {
	ctx := c.Request.Context()
	bot, ok := s.loadOwnedBot(ctx, c)
	if !ok {
		return
	}
	switch bot.Status {
	case domain.BotStatusDraft, domain.BotStatusStopped, domain.BotStatusError:
	default:
		errorResponse(c, domain.New(domain.KindStateConflict, "INVALID_STATE_FOR_DELETE: bot is %s", bot.Status))
		return
	}
	if err := s.store.DeleteBot(ctx, bot.ID); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRiskCheck implements POST /bots/:id/risk-check: exposes §4.5
// AutoClose synchronously to the caller.
func (s *Server) handleRiskCheck(c *gin.Context) {
	ctx := c.Request.Context()
	bot, ok := s.loadOwnedBot(ctx, c)
	if !ok {
		return
	}
	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		errorResponse(c, domain.New(domain.KindValidation, "invalid configJson: %v", err))
		return
	}

	adapter, err := s.build(ctx, bot.ExchangeAccountID)
	if err != nil {
		errorResponse(c, err)
		return
	}
	last, err := adapter.FetchTicker(ctx, bot.Symbol)
	if err != nil {
		errorResponse(c, domain.Retryable(domain.KindExchangeUnavailable, "fetch ticker: %v", err))
		return
	}

	_, decision, err := s.autoClose.Evaluate(ctx, bot, risk.AutoCloseConfig{
		Enabled:         cfg.EnableAutoClose,
		DrawdownPercent: cfg.AutoCloseDrawdownPercent,
	}, last)
	if errors.Is(err, risk.ErrConcurrentModification) {
		errorResponse(c, domain.New(domain.KindStateConflict, "bot changed concurrently"))
		return
	}
	if err != nil && !errors.Is(err, risk.ErrPreviouslyTriggered) {
		errorResponse(c, err)
		return
	}

	resp := gin.H{
		"triggered":           decision.ShouldTrigger,
		"previouslyTriggered": decision.AlreadyTriggered,
	}
	if decision.ShouldTrigger {
		resp["newStatus"] = domain.BotStatusStopping
	}
	if decision.DrawdownPercent != "" {
		resp["drawdownPercent"] = decision.DrawdownPercent
	}
	c.JSON(http.StatusOK, resp)
}

// handleCreateAccount implements POST /accounts.
func (s *Server) handleCreateAccount(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := auth.UserID(c)

	var req struct {
		Exchange    domain.Exchange `json:"exchange"`
		Name        string          `json:"name"`
		IsTestnet   bool            `json:"isTestnet"`
		Credentials config.Secret   `json:"credentials"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, domain.New(domain.KindValidation, "invalid request body: %v", err))
		return
	}

	if !req.IsTestnet && s.cipher == nil {
		errorResponse(c, domain.New(domain.KindAuth, "MAINNET_ACCOUNT_FORBIDDEN: credential encryption is not configured"))
		return
	}

	exists, err := s.store.ExchangeAccountNameExists(ctx, userID, req.Name)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if exists {
		errorResponse(c, domain.New(domain.KindStateConflict, "EXCHANGE_ACCOUNT_ALREADY_EXISTS: %s", req.Name))
		return
	}

	encrypted := string(req.Credentials)
	if s.cipher != nil {
		encrypted, err = s.cipher.Encrypt(string(req.Credentials))
		if err != nil {
			errorResponse(c, err)
			return
		}
	}

	account := &domain.ExchangeAccount{
		ID: uuid.NewString(), UserID: userID, Exchange: req.Exchange,
		IsTestnet: req.IsTestnet, EncryptedCredentials: encrypted, Name: req.Name,
	}
	if err := s.store.CreateExchangeAccount(ctx, account); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": account.ID})
}

// handleDeleteAccount implements DELETE /accounts/:id.
func (s *Server) handleDeleteAccount(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := auth.UserID(c)

	account, err := s.store.GetExchangeAccount(ctx, c.Param("id"))
	if err != nil || account.UserID != userID {
		errorResponse(c, domain.New(domain.KindNotFound, "account not found"))
		return
	}
	hasBots, err := s.store.ExchangeAccountHasBots(ctx, account.ID)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if hasBots {
		errorResponse(c, domain.New(domain.KindStateConflict, "ACCOUNT_HAS_BOTS: account still referenced by a bot"))
		return
	}
	if err := s.store.DeleteExchangeAccount(ctx, account.ID); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func freeQuoteBalance(balances []exchangeadapter.Balance, symbol string) decimal.Decimal {
	_, quote, ok := splitSymbol(symbol)
	if !ok {
		return decimal.Zero
	}
	for _, b := range balances {
		if b.Asset == quote {
			return b.Free
		}
	}
	return decimal.Zero
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:], true
		}
	}
	return "", "", false
}
