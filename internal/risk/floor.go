package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/domain"
)

// FloorPriceBlocks reports whether a buy at price must be blocked by the
// configured floor (spec.md §4.5: "FloorPrice blocks buys below floor,
// never sells").
func FloorPriceBlocks(cfg *config.NormalizedBotConfig, side domain.OrderSide, price decimal.Decimal) bool {
	if !cfg.EnableFloorPrice || side != domain.OrderSideBuy {
		return false
	}
	return price.LessThan(cfg.FloorPrice)
}

// BoundsBlocks reports whether price falls outside the configured
// [priceMin, priceMax] window.
func BoundsBlocks(cfg *config.NormalizedBotConfig, price decimal.Decimal) bool {
	if cfg.HasPriceMin && price.LessThan(cfg.PriceMin) {
		return true
	}
	if cfg.HasPriceMax && price.GreaterThan(cfg.PriceMax) {
		return true
	}
	return false
}

// RiskGateBlocks reports whether the given side is disabled by
// enableBuy/enableSell.
func RiskGateBlocks(cfg *config.NormalizedBotConfig, side domain.OrderSide) bool {
	if side == domain.OrderSideBuy {
		return !cfg.EnableBuy
	}
	return !cfg.EnableSell
}

// EvaluateGates runs all three submission gates for one candidate order
// and returns the first reason that blocks it, if any. The Trigger/Order
// Engine calls this before submitting any intent (spec.md §4.5: gates
// "block submission rather than transitioning state").
func EvaluateGates(cfg *config.NormalizedBotConfig, side domain.OrderSide, price decimal.Decimal) (blocked bool, reason string) {
	if RiskGateBlocks(cfg, side) {
		return true, fmt.Sprintf("%s side is disabled", side)
	}
	if BoundsBlocks(cfg, price) {
		return true, fmt.Sprintf("price %s is outside configured bounds", price)
	}
	if FloorPriceBlocks(cfg, side, price) {
		return true, fmt.Sprintf("buy price %s is below floor price %s", price, cfg.FloorPrice)
	}
	return false, ""
}
