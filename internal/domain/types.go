// Package domain defines the persistent entities of the trading control
// plane: User, ExchangeAccount, Bot, Order, Trade and BotSnapshot.
package domain

import "time"

// BotStatus is the Bot lifecycle state (spec.md §3).
type BotStatus string

const (
	BotStatusDraft           BotStatus = "DRAFT"
	BotStatusWaitingTrigger  BotStatus = "WAITING_TRIGGER"
	BotStatusRunning         BotStatus = "RUNNING"
	BotStatusPaused          BotStatus = "PAUSED"
	BotStatusStopping        BotStatus = "STOPPING"
	BotStatusStopped         BotStatus = "STOPPED"
	BotStatusError           BotStatus = "ERROR"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the counter side used for the symmetric grid leg.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is limit or market (spec.md §1: "a single market close order").
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is monotonic: NEW -> PARTIALLY_FILLED -> {FILLED, CANCELED,
// EXPIRED, REJECTED} and must never regress (I1).
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// orderStatusRank gives the monotonic ordering used by Regresses.
var orderStatusRank = map[OrderStatus]int{
	OrderStatusNew:             0,
	OrderStatusPartiallyFilled: 1,
	OrderStatusFilled:          2,
	OrderStatusCanceled:        2,
	OrderStatusExpired:         2,
	OrderStatusRejected:        2,
}

// IsTerminal reports whether the status is one the order can never leave.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Regresses reports whether moving from s to next would violate the
// monotonic status invariant (I1).
func (s OrderStatus) Regresses(next OrderStatus) bool {
	if s.IsTerminal() {
		// A terminal status is final; any change at all is a regression
		// except re-asserting the identical terminal status.
		return next != s
	}
	return orderStatusRank[next] < orderStatusRank[s]
}

// Exchange identifies one of the seven supported venues (spec.md §3).
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeOKX     Exchange = "okx"
	ExchangeHuobi   Exchange = "huobi"
	ExchangeHTX     Exchange = "htx"
	ExchangeBybit   Exchange = "bybit"
	ExchangeCoinbase Exchange = "coinbase"
	ExchangeKraken  Exchange = "kraken"
)

// User holds the process-wide, per-user kill-switch state.
type User struct {
	ID                  string
	KillSwitchEnabled   bool
	KillSwitchEnabledAt *time.Time
	KillSwitchReason    string
}

// ExchangeAccount binds a user's encrypted credentials to one exchange.
type ExchangeAccount struct {
	ID                    string
	UserID                string
	Exchange              Exchange
	IsTestnet             bool
	EncryptedCredentials  string
	Name                  string
}

// Bot is a single grid-trading strategy instance.
type Bot struct {
	ID                     string
	UserID                 string
	ExchangeAccountID      string
	Symbol                 string
	ConfigJSON             string
	Status                 BotStatus
	StatusVersion          int64
	RunID                  string
	AutoCloseReferencePrice *string // decimal string, frozen at run start
	AutoCloseTriggeredAt   *time.Time
	AutoCloseReason        string
	LastError              string
	CreatedAt              time.Time
}

// Order is one limit or market order submitted (or about to be submitted)
// on behalf of a Bot.
type Order struct {
	ID              string
	BotID           string
	Exchange        Exchange
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID *string
	IntentSeq       int64
	Side            OrderSide
	Type            OrderType
	Status          OrderStatus
	Price           *string // nil for market orders
	Amount          string
	FilledAmount    string
	AvgFillPrice    *string
	SubmittedAt     *time.Time
	CreatedAt       time.Time
}

// IsOutbox reports whether this order is an unsubmitted intent: persisted
// but never sent to the exchange (spec.md §3 "the outbox state").
func (o *Order) IsOutbox() bool {
	return o.SubmittedAt == nil && o.ExchangeOrderID == nil
}

// IsOpen reports whether the order is still live on the exchange book.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// Trade is one fill event attributed to a bot's order.
type Trade struct {
	ID              string
	BotID           string
	TradeID         string
	ClientOrderID   *string
	ExchangeOrderID *string
	Exchange        Exchange
	Symbol        string
	Side          OrderSide
	Price         string
	Amount        string
	Fee           string
	FeeCurrency   string
	Timestamp     time.Time
}

// BotSnapshot is the stable-hash reconciliation snapshot (spec.md §3,
// §8 I4).
type BotSnapshot struct {
	BotID        string
	RunID        string
	ReconciledAt time.Time
	StateJSON    string
	StateHash    string
}

// ClientOrderIDPrefix marks ownership: any exchange order lacking this
// prefix is foreign and must never be reconciled into a bot (I5).
const ClientOrderIDPrefix = "gb1"

// CloseOrderIDPrefix marks a force-close order placed during STOPPING.
const CloseOrderIDPrefix = "gb1c"

// ClientOrderID builds the regular-order client id: "gb1-<8 of botId>-<seq>".
func ClientOrderID(botID string, intentSeq int64) string {
	return buildClientOrderID(ClientOrderIDPrefix, botID, intentSeq)
}

// CloseClientOrderID builds the force-close client id: "gb1c-<8 of botId>-<seq>".
func CloseClientOrderID(botID string, intentSeq int64) string {
	return buildClientOrderID(CloseOrderIDPrefix, botID, intentSeq)
}

func buildClientOrderID(prefix, botID string, intentSeq int64) string {
	short := botID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "-" + short + "-" + itoa(intentSeq)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// IsOwnedClientOrderID reports whether a client order id carries this
// system's ownership marker (I5).
func IsOwnedClientOrderID(clientOrderID string) bool {
	return hasPrefix(clientOrderID, ClientOrderIDPrefix)
}

// IsCloseClientOrderID reports whether a client order id is a force-close
// order id.
func IsCloseClientOrderID(clientOrderID string) bool {
	return hasPrefix(clientOrderID, CloseOrderIDPrefix)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
