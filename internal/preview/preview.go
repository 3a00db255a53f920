// Package preview implements the Preview Engine, a pure function from a
// bot's normalised config, the market's trading constraints, the current
// ticker and the account's free quote balance to the bot's basePrice,
// buy/sell trigger prices, the orders that would be submitted at those
// triggers, and any validation issues (spec.md §2, §4.6 steps 5-6).
//
// It never touches the network or the store; every input is passed in,
// narrowed from the teacher's multi-level grid ladder
// (internal/trading/grid.GridStrategy.CalculateTargetState) down to a
// single buy/sell trigger pair, since this system places exactly one
// order per leg rather than maintaining a resting ladder.
package preview

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
)

// MarketInfo carries the exchange's trading constraints for a symbol.
// Fetching it is an external collaborator's concern (spec.md §1); the
// caller supplies it here so Preview stays a pure function.
type MarketInfo struct {
	MinAmount   decimal.Decimal // minimum base-asset order quantity
	MinNotional decimal.Decimal // minimum price*amount order value
}

// Balance carries the free quote-asset balance used to size
// amountMode=percent orders.
type Balance struct {
	FreeQuote decimal.Decimal
}

// Input is everything the Preview Engine needs for one evaluation.
type Input struct {
	Config     *config.NormalizedBotConfig
	Market     MarketInfo
	TickerLast decimal.Decimal
	Balance    Balance
}

// OrderPreview is one side's computed trigger price and order amount.
type OrderPreview struct {
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Notional decimal.Decimal
}

// Result is the Preview Engine's output. Issues is never nil so callers
// can range over it unconditionally; a non-empty Issues means the
// config/market combination must not be submitted as-is.
type Result struct {
	BasePrice        decimal.Decimal
	BuyTriggerPrice  decimal.Decimal
	SellTriggerPrice decimal.Decimal
	Buy              OrderPreview
	Sell             OrderPreview
	Issues           []string
}

// Calculate resolves basePrice from config.BasePriceType, derives the
// buy/sell trigger prices from the riseSell/fallBuy offsets, sizes both
// legs per config.AmountMode, and checks bounds and minAmount/minNotional.
// It is deterministic: identical inputs always produce an identical
// Result (spec.md §8 "Preview is a pure function").
func Calculate(in Input) Result {
	c := in.Config
	basePrice := resolveBasePrice(c, in.TickerLast)

	res := Result{BasePrice: basePrice}

	buyTrigger, sellTrigger := triggerPrices(c, basePrice)
	res.BuyTriggerPrice = buyTrigger
	res.SellTriggerPrice = sellTrigger

	if c.HasPriceMin && buyTrigger.LessThan(c.PriceMin) {
		res.Issues = append(res.Issues, fmt.Sprintf("buyTriggerPrice %s is below priceMin %s", buyTrigger, c.PriceMin))
	}
	if c.HasPriceMax && sellTrigger.GreaterThan(c.PriceMax) {
		res.Issues = append(res.Issues, fmt.Sprintf("sellTriggerPrice %s is above priceMax %s", sellTrigger, c.PriceMax))
	}

	res.Buy = sizeOrder(c.BuyQuantity, c.AmountMode, buyTrigger, in.Balance.FreeQuote)
	res.Sell = sizeOrder(c.SellQuantity, c.AmountMode, sellTrigger, in.Balance.FreeQuote)

	checkMarketConstraints("buy", res.Buy, in.Market, &res.Issues)
	checkMarketConstraints("sell", res.Sell, in.Market, &res.Issues)

	if c.EnableFloorPrice && buyTrigger.LessThan(c.FloorPrice) {
		res.Issues = append(res.Issues, fmt.Sprintf("buyTriggerPrice %s is below floorPrice %s", buyTrigger, c.FloorPrice))
	}
	if !c.EnableBuy {
		res.Issues = append(res.Issues, "buy side is disabled")
	}
	if !c.EnableSell {
		res.Issues = append(res.Issues, "sell side is disabled")
	}
	if res.Issues == nil {
		res.Issues = []string{}
	}

	return res
}

// resolveBasePrice picks the reference price per basePriceType. Callers
// that need the *frozen* reference (spec.md §4.5, §4.6 step 3) must pass
// the frozen price in place of the live ticker and a config already
// re-pinned to BasePriceManual; Calculate itself has no notion of
// "frozen", it simply resolves whatever basePriceType says.
func resolveBasePrice(c *config.NormalizedBotConfig, tickerLast decimal.Decimal) decimal.Decimal {
	if c.BasePriceType == config.BasePriceManual && c.HasBasePrice {
		return c.BasePrice
	}
	return tickerLast
}

// triggerPrices derives the buy/sell trigger prices from basePrice and the
// riseSell/fallBuy offsets. gridType=percent offsets are already
// normalised to a ratio by config.ParseBotConfig; gridType=price offsets
// are absolute price deltas.
func triggerPrices(c *config.NormalizedBotConfig, basePrice decimal.Decimal) (buy, sell decimal.Decimal) {
	if c.GridType == config.GridTypePercent {
		sell = basePrice.Mul(decimal.NewFromInt(1).Add(c.RiseSell))
		buy = basePrice.Mul(decimal.NewFromInt(1).Sub(c.FallBuy))
		return buy, sell
	}
	sell = basePrice.Add(c.RiseSell)
	buy = basePrice.Sub(c.FallBuy)
	return buy, sell
}

// sizeOrder converts a config quantity value into a concrete base-asset
// order amount at price, per spec.md §6's amountMode table: "amount" is
// a quote-currency notional taken as-is; "percent" is a ratio of
// freeQuote converted to notional first.
func sizeOrder(quantity decimal.Decimal, mode config.AmountMode, price, freeQuote decimal.Decimal) OrderPreview {
	var notional decimal.Decimal
	switch mode {
	case config.AmountModePercent:
		notional = freeQuote.Mul(quantity)
	default:
		notional = quantity
	}

	amount := decimal.Zero
	if !price.IsZero() {
		amount = notional.Div(price)
	}

	return OrderPreview{Price: price, Amount: amount, Notional: notional}
}

func checkMarketConstraints(side string, o OrderPreview, m MarketInfo, issues *[]string) {
	if !m.MinAmount.IsZero() && o.Amount.LessThan(m.MinAmount) {
		*issues = append(*issues, fmt.Sprintf("%s amount %s is below minAmount %s", side, o.Amount, m.MinAmount))
	}
	if !m.MinNotional.IsZero() && o.Notional.LessThan(m.MinNotional) {
		*issues = append(*issues, fmt.Sprintf("%s notional %s is below minNotional %s", side, o.Notional, m.MinNotional))
	}
}
