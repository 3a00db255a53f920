package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridbot/internal/config"
	"gridbot/internal/domain"
)

func TestFloorPriceBlocksBuyBelowFloorOnly(t *testing.T) {
	cfg := &config.NormalizedBotConfig{EnableFloorPrice: true, FloorPrice: decimal.NewFromInt(100)}

	assert.True(t, FloorPriceBlocks(cfg, domain.OrderSideBuy, decimal.NewFromInt(90)))
	assert.False(t, FloorPriceBlocks(cfg, domain.OrderSideBuy, decimal.NewFromInt(110)))
	assert.False(t, FloorPriceBlocks(cfg, domain.OrderSideSell, decimal.NewFromInt(90)))
}

func TestBoundsBlocksOutsideWindow(t *testing.T) {
	cfg := &config.NormalizedBotConfig{
		HasPriceMin: true, PriceMin: decimal.NewFromInt(100),
		HasPriceMax: true, PriceMax: decimal.NewFromInt(200),
	}
	assert.True(t, BoundsBlocks(cfg, decimal.NewFromInt(99)))
	assert.True(t, BoundsBlocks(cfg, decimal.NewFromInt(201)))
	assert.False(t, BoundsBlocks(cfg, decimal.NewFromInt(150)))
}

func TestRiskGateBlocksDisabledSide(t *testing.T) {
	cfg := &config.NormalizedBotConfig{EnableBuy: false, EnableSell: true}
	assert.True(t, RiskGateBlocks(cfg, domain.OrderSideBuy))
	assert.False(t, RiskGateBlocks(cfg, domain.OrderSideSell))
}

func TestEvaluateGatesReturnsFirstBlockingReason(t *testing.T) {
	cfg := &config.NormalizedBotConfig{
		EnableBuy: false, EnableSell: true,
		HasPriceMin: true, PriceMin: decimal.NewFromInt(100),
	}
	blocked, reason := EvaluateGates(cfg, domain.OrderSideBuy, decimal.NewFromInt(50))
	assert.True(t, blocked)
	assert.Contains(t, reason, "disabled")
}

func TestEvaluateGatesAllowsWhenNothingBlocks(t *testing.T) {
	cfg := &config.NormalizedBotConfig{EnableBuy: true, EnableSell: true}
	blocked, _ := EvaluateGates(cfg, domain.OrderSideBuy, decimal.NewFromInt(100))
	assert.False(t, blocked)
}
