package exchangeadapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"gridbot/internal/domain"
)

// submissionRateLimit matches the teacher's order-executor pacing (25
// requests/second, burst 30) — a per-venue REST API ban threshold, not a
// spec.md-defined value.
const (
	submissionRateLimit = rate.Limit(25)
	submissionRateBurst = 30
)

// Credentials carries the decrypted API key material for a real
// exchange account (spec.md §3 ExchangeAccount, decrypted by
// internal/crypto before reaching here).
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// ProxyConfig carries the CCXT-style proxy environment variables
// (spec.md §6: CCXT_PROXY_URL, HTTPS_PROXY, CCXT_NO_PROXY).
type ProxyConfig struct {
	ProxyURL   string
	HTTPSProxy string
	NoProxy    string
}

// HTTPAdapter is a generic REST exchange adapter. It talks to one
// venue's REST API through a failsafe-go retry+circuit-breaker
// pipeline, grounded on the resilience pattern of pkg/http.Client.
// Concrete per-exchange request/response shapes are supplied by Codec.
type HTTPAdapter struct {
	name       string
	baseURL    string
	creds      Credentials
	allowReal  bool
	httpClient *http.Client
	pipeline   failsafe.Executor[*http.Response]
	codec      Codec
	limiter    *rate.Limiter
}

// Codec translates between the uniform IExchangeAdapter operations and
// one venue's wire format. Each supported exchange implements it.
type Codec interface {
	SignRequest(req *http.Request, creds Credentials) error
	ParseError(statusCode int, body []byte) error
	BuildCreateOrderRequest(baseURL string, req CreateOrderRequest) (*http.Request, error)
	ParseCreateOrderResponse(body []byte) (*CreateOrderResult, error)
	BuildCancelOrderRequest(baseURL, exchangeOrderID, symbol string) (*http.Request, error)
	BuildFetchOpenOrdersRequest(baseURL, symbol string) (*http.Request, error)
	ParseOpenOrdersResponse(body []byte) ([]*domain.Order, error)
	BuildFetchTradesRequest(baseURL, symbol string, since *int64) (*http.Request, error)
	ParseTradesResponse(body []byte) ([]*domain.Trade, error)
	BuildFetchBalanceRequest(baseURL string) (*http.Request, error)
	ParseBalanceResponse(body []byte) ([]Balance, error)
	BuildFetchTickerRequest(baseURL, symbol string) (*http.Request, error)
	ParseTickerResponse(body []byte) (decimal.Decimal, error)
	BuildFetchMarketInfoRequest(baseURL, symbol string) (*http.Request, error)
	ParseMarketInfoResponse(body []byte) (MarketConstraints, error)
}

// NewHTTPAdapter constructs a real-exchange adapter. allowReal gates
// mainnet usage per spec.md §4.3's "testnet discipline": the caller
// must have already verified WORKER_USE_REAL_EXCHANGE,
// EXCHANGE_PROVIDER=real and ALLOW_MAINNET_TRADING before setting it.
func NewHTTPAdapter(name, baseURL string, creds Credentials, allowReal bool, proxy ProxyConfig, codec Codec) (*HTTPAdapter, error) {
	if !allowReal {
		return nil, domain.New(domain.KindValidation, "real exchange adapter construction requires explicit opt-in")
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL := firstNonEmpty(proxy.ProxyURL, proxy.HTTPSProxy); proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &HTTPAdapter{
		name:       name,
		baseURL:    baseURL,
		creds:      creds,
		allowReal:  allowReal,
		httpClient: &http.Client{Timeout: 10 * time.Second, Transport: transport},
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		codec:      codec,
		limiter:    rate.NewLimiter(submissionRateLimit, submissionRateBurst),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) do(req *http.Request) ([]byte, error) {
	if err := a.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}
	if err := a.codec.SignRequest(req, a.creds); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	resp, err := a.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return a.httpClient.Do(req)
	})
	if err != nil {
		return nil, domain.Retryable(domain.KindExchangeUnavailable, "exchange request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		if parseErr := a.codec.ParseError(resp.StatusCode, body); parseErr != nil {
			return nil, parseErr
		}
		return nil, ClassifyHTTPStatus(resp.StatusCode, string(body))
	}
	return body, nil
}

func (a *HTTPAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	req, err := a.codec.BuildFetchOpenOrdersRequest(a.baseURL, symbol)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	body, err := a.do(req)
	if err != nil {
		return nil, err
	}
	orders, err := a.codec.ParseOpenOrdersResponse(body)
	if err != nil {
		return nil, err
	}
	var owned []*domain.Order
	for _, o := range orders {
		if domain.IsOwnedClientOrderID(o.ClientOrderID) {
			owned = append(owned, o)
		}
	}
	return owned, nil
}

func (a *HTTPAdapter) FetchMyTrades(ctx context.Context, symbol string, since *int64) ([]*domain.Trade, error) {
	req, err := a.codec.BuildFetchTradesRequest(a.baseURL, symbol, since)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	body, err := a.do(req)
	if err != nil {
		return nil, err
	}
	return a.codec.ParseTradesResponse(body)
}

func (a *HTTPAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	if req.Type == domain.OrderTypeLimit && !req.HasPrice {
		return nil, domain.New(domain.KindBadRequest, "limit order requires a price")
	}
	if req.Type == domain.OrderTypeMarket && req.HasPrice {
		return nil, domain.New(domain.KindBadRequest, "market order must not supply a price")
	}

	httpReq, err := a.codec.BuildCreateOrderRequest(a.baseURL, req)
	if err != nil {
		return nil, err
	}
	httpReq = httpReq.WithContext(ctx)

	body, err := a.do(httpReq)
	if err != nil {
		if IsDuplicateClientOrderID(err) {
			return a.recoverDuplicateOrder(ctx, req)
		}
		return nil, err
	}
	return a.codec.ParseCreateOrderResponse(body)
}

// recoverDuplicateOrder implements the recovery path of spec.md §4.3:
// on DUPLICATE_CLIENT_ORDER_ID, look the order up via open orders
// before giving up and surfacing a distinct DUPLICATE_ORDER error.
func (a *HTTPAdapter) recoverDuplicateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	open, err := a.FetchOpenOrders(ctx, req.Symbol)
	if err == nil {
		for _, o := range open {
			if o.ClientOrderID == req.ClientOrderID {
				eoid := ""
				if o.ExchangeOrderID != nil {
					eoid = *o.ExchangeOrderID
				}
				return &CreateOrderResult{ExchangeOrderID: eoid, ClientOrderID: o.ClientOrderID, Status: o.Status}, nil
			}
		}
	}
	return nil, domain.New(domain.KindDuplicateOrder, "duplicate clientOrderId %s could not be recovered", req.ClientOrderID)
}

func (a *HTTPAdapter) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	req, err := a.codec.BuildCancelOrderRequest(a.baseURL, exchangeOrderID, symbol)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	_, err = a.do(req)
	if err != nil && IsOrderNotFound(err) {
		return nil
	}
	return err
}

func (a *HTTPAdapter) FetchBalance(ctx context.Context) ([]Balance, error) {
	req, err := a.codec.BuildFetchBalanceRequest(a.baseURL)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	body, err := a.do(req)
	if err != nil {
		return nil, err
	}
	balances, err := a.codec.ParseBalanceResponse(body)
	if err != nil {
		return nil, err
	}
	var nonZero []Balance
	for _, b := range balances {
		if !b.Total.IsZero() {
			nonZero = append(nonZero, b)
		}
	}
	return nonZero, nil
}

func (a *HTTPAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	req, err := a.codec.BuildFetchTickerRequest(a.baseURL, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	req = req.WithContext(ctx)
	body, err := a.do(req)
	if err != nil {
		return decimal.Zero, err
	}
	return a.codec.ParseTickerResponse(body)
}

func (a *HTTPAdapter) FetchMarketInfo(ctx context.Context, symbol string) (MarketConstraints, error) {
	req, err := a.codec.BuildFetchMarketInfoRequest(a.baseURL, symbol)
	if err != nil {
		return MarketConstraints{}, err
	}
	req = req.WithContext(ctx)
	body, err := a.do(req)
	if err != nil {
		return MarketConstraints{}, err
	}
	return a.codec.ParseMarketInfoResponse(body)
}

