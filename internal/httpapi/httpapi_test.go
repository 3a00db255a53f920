package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/auth"
	"gridbot/internal/clock"
	"gridbot/internal/domain"
	"gridbot/internal/exchangeadapter"
	"gridbot/internal/logging"
	"gridbot/internal/risk"
	"gridbot/internal/store"
)

const testSecret = "test-secret"

const priceGridConfig = `{
	"schemaVersion": 2,
	"trigger": {"gridType":"price","basePriceType":"current","riseSell":"10","fallBuy":"10"},
	"order": {"orderType":"limit"},
	"sizing": {"amountMode":"amount","gridSymmetric":true,"symmetric":{"orderQuantity":"100"}},
	"risk": {"enableBuy":true,"enableSell":true}
}`

const autoCloseConfig = `{
	"schemaVersion": 2,
	"trigger": {"gridType":"price","basePriceType":"current","riseSell":"10","fallBuy":"10"},
	"order": {"orderType":"limit"},
	"sizing": {"amountMode":"amount","gridSymmetric":true,"symmetric":{"orderQuantity":"100"}},
	"risk": {"enableBuy":true,"enableSell":true,"enableAutoClose":true,"autoCloseDrawdownPercent":"0.05"}
}`

func newTestServer(t *testing.T) (*gin.Engine, *store.SQLiteStore, *exchangeadapter.Simulator) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	sim := exchangeadapter.NewSimulator("sim")
	sim.SetMarketInfo("BNB/USDT", exchangeadapter.MarketConstraints{
		MinAmount:   decimal.NewFromFloat(0.01),
		MinNotional: decimal.NewFromInt(5),
	})

	logger := logging.NewLogger(logging.InfoLevel, nil)
	validator := auth.NewValidator(testSecret, 1000, logger)
	build := func(ctx context.Context, accountID string) (exchangeadapter.IExchangeAdapter, error) {
		return sim, nil
	}
	srv := New(s, clock.Real{}, build, risk.NewAutoCloseService(s, clock.Real{}), nil, validator)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	srv.Register(router)
	return router, s, sim
}

func bearerToken(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: userID, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func doRequest(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartRequiresBearerAuth(t *testing.T) {
	router, _, _ := newTestServer(t)
	rec := doRequest(t, router, http.MethodPost, "/bots/bot-1/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartTransitionsDraftToWaitingTrigger(t *testing.T) {
	router, s, sim := newTestServer(t)
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(300))

	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusDraft, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))

	token := bearerToken(t, "user-1")
	rec := doRequest(t, router, http.MethodPost, "/bots/bot-1/start", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := s.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusWaitingTrigger, got.Status)
	require.NotNil(t, got.AutoCloseReferencePrice)
	assert.NotEmpty(t, got.RunID)
}

func TestStartRejectsWrongOwnerAsNotFound(t *testing.T) {
	router, s, sim := newTestServer(t)
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(300))

	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusDraft, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))

	token := bearerToken(t, "someone-else")
	rec := doRequest(t, router, http.MethodPost, "/bots/bot-1/start", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRejectsNonDraftWithConflict(t *testing.T) {
	router, s, _ := newTestServer(t)
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusRunning, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))

	token := bearerToken(t, "user-1")
	rec := doRequest(t, router, http.MethodPost, "/bots/bot-1/start", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPauseResumeStopTransitions(t *testing.T) {
	router, s, _ := newTestServer(t)
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusRunning, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	token := bearerToken(t, "user-1")

	rec := doRequest(t, router, http.MethodPost, "/bots/bot-1/pause", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := s.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusPaused, got.Status)

	rec = doRequest(t, router, http.MethodPost, "/bots/bot-1/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err = s.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusWaitingTrigger, got.Status)

	rec = doRequest(t, router, http.MethodPost, "/bots/bot-1/stop", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err = s.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusStopping, got.Status)
	assert.Equal(t, "USER_STOP", got.LastError)
}

func TestDeleteBotRejectedWhenActive(t *testing.T) {
	router, s, _ := newTestServer(t)
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusRunning, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	token := bearerToken(t, "user-1")

	rec := doRequest(t, router, http.MethodDelete, "/bots/bot-1", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteBotAllowedWhenStopped(t *testing.T) {
	router, s, _ := newTestServer(t)
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusStopped, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	token := bearerToken(t, "user-1")

	rec := doRequest(t, router, http.MethodDelete, "/bots/bot-1", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := s.GetBot(context.Background(), "bot-1")
	assert.Error(t, err)
}

func TestRiskCheckReportsNotTriggeredWhenWithinDrawdown(t *testing.T) {
	router, s, sim := newTestServer(t)
	ref := "300"
	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: "acct-1", Symbol: "BNB/USDT",
		ConfigJSON: autoCloseConfig, Status: domain.BotStatusRunning,
		AutoCloseReferencePrice: &ref, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	sim.SetTicker("BNB/USDT", decimal.NewFromInt(299))

	token := bearerToken(t, "user-1")
	rec := doRequest(t, router, http.MethodPost, "/bots/bot-1/risk-check", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["triggered"])
}

func TestCreateAccountRejectsMainnetWithoutEncryption(t *testing.T) {
	router, _, _ := newTestServer(t)
	token := bearerToken(t, "user-1")

	rec := doRequest(t, router, http.MethodPost, "/accounts", token, map[string]interface{}{
		"exchange": "binance", "name": "main", "isTestnet": false, "credentials": "key:secret",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAccountAllowsTestnetAndRejectsDuplicateName(t *testing.T) {
	router, _, _ := newTestServer(t)
	token := bearerToken(t, "user-1")

	body := map[string]interface{}{
		"exchange": "binance", "name": "paper", "isTestnet": true, "credentials": "key:secret",
	}
	rec := doRequest(t, router, http.MethodPost, "/accounts", token, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, router, http.MethodPost, "/accounts", token, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteAccountRejectedWhenBotsReferenceIt(t *testing.T) {
	router, s, _ := newTestServer(t)
	token := bearerToken(t, "user-1")

	rec := doRequest(t, router, http.MethodPost, "/accounts", token, map[string]interface{}{
		"exchange": "binance", "name": "paper", "isTestnet": true, "credentials": "key:secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	accountID := created["id"]

	bot := &domain.Bot{
		ID: "bot-1", UserID: "user-1", ExchangeAccountID: accountID, Symbol: "BNB/USDT",
		ConfigJSON: priceGridConfig, Status: domain.BotStatusDraft, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))

	rec = doRequest(t, router, http.MethodDelete, "/accounts/"+accountID, token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
