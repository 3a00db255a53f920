package config

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// GridType selects how trigger offsets are interpreted.
type GridType string

const (
	GridTypePercent GridType = "percent"
	GridTypePrice   GridType = "price"
)

// BasePriceType selects how the AutoClose/trigger reference price is
// chosen at run start. cost and avg_24h are parsed but always rejected
// by ParseBotConfig — they are listed so the error message can name them.
type BasePriceType string

const (
	BasePriceCurrent BasePriceType = "current"
	BasePriceManual  BasePriceType = "manual"
	BasePriceCost    BasePriceType = "cost"
	BasePriceAvg24h  BasePriceType = "avg_24h"
)

// AmountMode selects how order size is computed.
type AmountMode string

const (
	AmountModeAmount  AmountMode = "amount"
	AmountModePercent AmountMode = "percent"
)

// rawBotConfig mirrors the bot configJson wire shape exactly (spec.md §6
// "Configuration surface"). Unknown fields are ignored by encoding/json
// by default, matching the forward-compatibility rule.
type rawBotConfig struct {
	SchemaVersion int `json:"schemaVersion"`

	Trigger struct {
		GridType      GridType      `json:"gridType"`
		BasePriceType BasePriceType `json:"basePriceType"`
		BasePrice     *string       `json:"basePrice"`
		RiseSell      string        `json:"riseSell"`
		FallBuy       string        `json:"fallBuy"`
		PriceMin      *string       `json:"priceMin"`
		PriceMax      *string       `json:"priceMax"`
	} `json:"trigger"`

	Order struct {
		OrderType string `json:"orderType"`
	} `json:"order"`

	Sizing struct {
		AmountMode     AmountMode `json:"amountMode"`
		GridSymmetric  bool       `json:"gridSymmetric"`
		Symmetric      struct {
			OrderQuantity string `json:"orderQuantity"`
		} `json:"symmetric"`
		Asymmetric struct {
			BuyQuantity  string `json:"buyQuantity"`
			SellQuantity string `json:"sellQuantity"`
		} `json:"asymmetric"`
	} `json:"sizing"`

	Risk struct {
		EnableBuy               bool    `json:"enableBuy"`
		EnableSell              bool    `json:"enableSell"`
		EnableFloorPrice        bool    `json:"enableFloorPrice"`
		FloorPrice              *string `json:"floorPrice"`
		EnableAutoClose         bool    `json:"enableAutoClose"`
		AutoCloseDrawdownPercent *string `json:"autoCloseDrawdownPercent"`
	} `json:"risk"`
}

// NormalizedBotConfig is the parsed, validated, unit-normalised form of
// a bot's configJson. It is recomputed every tick and never persisted
// (spec.md §9 "dynamic JSON config").
type NormalizedBotConfig struct {
	SchemaVersion int

	GridType      GridType
	BasePriceType BasePriceType
	BasePrice     decimal.Decimal
	HasBasePrice  bool
	RiseSell      decimal.Decimal
	FallBuy       decimal.Decimal
	PriceMin      decimal.Decimal
	HasPriceMin   bool
	PriceMax      decimal.Decimal
	HasPriceMax   bool

	OrderType string

	// AmountMode selects how {OrderQuantity,BuyQuantity,SellQuantity} are
	// interpreted: "amount" is a quote-currency notional value; "percent"
	// is a ratio of free quote balance (already normalised out of percent
	// points, e.g. 0.02 = 2%, regardless of schemaVersion).
	AmountMode    AmountMode
	GridSymmetric bool
	OrderQuantity decimal.Decimal
	BuyQuantity   decimal.Decimal
	SellQuantity  decimal.Decimal

	EnableBuy  bool
	EnableSell bool

	EnableFloorPrice bool
	FloorPrice       decimal.Decimal

	EnableAutoClose          bool
	AutoCloseDrawdownPercent decimal.Decimal // always normalised to a ratio (0.02 = 2%)
}

// ParseBotConfig parses and validates a bot's configJson, applying the
// schemaVersion percent-vs-ratio convention and rejecting unsupported
// basePriceType values (spec.md §6, §9).
func ParseBotConfig(configJSON string) (*NormalizedBotConfig, error) {
	var raw rawBotConfig
	if err := json.Unmarshal([]byte(configJSON), &raw); err != nil {
		return nil, fmt.Errorf("invalid configJson: %w", err)
	}
	if raw.SchemaVersion == 0 {
		raw.SchemaVersion = 1
	}

	nc := &NormalizedBotConfig{SchemaVersion: raw.SchemaVersion}

	switch raw.Trigger.GridType {
	case GridTypePercent, GridTypePrice:
		nc.GridType = raw.Trigger.GridType
	case "":
		return nil, fmt.Errorf("trigger.gridType is required")
	default:
		return nil, fmt.Errorf("trigger.gridType %q is not one of percent, price", raw.Trigger.GridType)
	}

	switch raw.Trigger.BasePriceType {
	case BasePriceCurrent, BasePriceManual:
		nc.BasePriceType = raw.Trigger.BasePriceType
	case BasePriceCost, BasePriceAvg24h:
		return nil, fmt.Errorf("trigger.basePriceType %q is not supported in this version", raw.Trigger.BasePriceType)
	case "":
		return nil, fmt.Errorf("trigger.basePriceType is required")
	default:
		return nil, fmt.Errorf("trigger.basePriceType %q is not one of current, manual", raw.Trigger.BasePriceType)
	}

	if nc.BasePriceType == BasePriceManual {
		if raw.Trigger.BasePrice == nil || *raw.Trigger.BasePrice == "" {
			return nil, fmt.Errorf("trigger.basePrice is required when basePriceType=manual")
		}
		p, err := decimal.NewFromString(*raw.Trigger.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("trigger.basePrice: %w", err)
		}
		nc.BasePrice = p
		nc.HasBasePrice = true
	}

	riseSell, err := parsePercentOrPrice("trigger.riseSell", raw.Trigger.RiseSell, raw.SchemaVersion)
	if err != nil {
		return nil, err
	}
	fallBuy, err := parsePercentOrPrice("trigger.fallBuy", raw.Trigger.FallBuy, raw.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if nc.GridType == GridTypePercent {
		riseSell = normalisePercent(riseSell, raw.SchemaVersion)
		fallBuy = normalisePercent(fallBuy, raw.SchemaVersion)
	}
	nc.RiseSell = riseSell
	nc.FallBuy = fallBuy

	if raw.Trigger.PriceMin != nil && *raw.Trigger.PriceMin != "" {
		v, err := decimal.NewFromString(*raw.Trigger.PriceMin)
		if err != nil {
			return nil, fmt.Errorf("trigger.priceMin: %w", err)
		}
		nc.PriceMin, nc.HasPriceMin = v, true
	}
	if raw.Trigger.PriceMax != nil && *raw.Trigger.PriceMax != "" {
		v, err := decimal.NewFromString(*raw.Trigger.PriceMax)
		if err != nil {
			return nil, fmt.Errorf("trigger.priceMax: %w", err)
		}
		nc.PriceMax, nc.HasPriceMax = v, true
	}
	if nc.HasPriceMin && nc.HasPriceMax && nc.PriceMin.GreaterThan(nc.PriceMax) {
		return nil, fmt.Errorf("trigger.priceMin must be <= trigger.priceMax")
	}

	if raw.Order.OrderType != "" && raw.Order.OrderType != "limit" {
		return nil, fmt.Errorf("order.orderType %q is not supported (limit only)", raw.Order.OrderType)
	}
	nc.OrderType = "limit"

	switch raw.Sizing.AmountMode {
	case AmountModeAmount, AmountModePercent:
		nc.AmountMode = raw.Sizing.AmountMode
	case "":
		return nil, fmt.Errorf("sizing.amountMode is required")
	default:
		return nil, fmt.Errorf("sizing.amountMode %q is not one of amount, percent", raw.Sizing.AmountMode)
	}
	nc.GridSymmetric = raw.Sizing.GridSymmetric

	if nc.GridSymmetric {
		q, err := decimal.NewFromString(raw.Sizing.Symmetric.OrderQuantity)
		if err != nil {
			return nil, fmt.Errorf("sizing.symmetric.orderQuantity: %w", err)
		}
		if nc.AmountMode == AmountModePercent {
			q = normalisePercent(q, raw.SchemaVersion)
		}
		nc.OrderQuantity = q
		nc.BuyQuantity, nc.SellQuantity = q, q
	} else {
		buy, err := decimal.NewFromString(raw.Sizing.Asymmetric.BuyQuantity)
		if err != nil {
			return nil, fmt.Errorf("sizing.asymmetric.buyQuantity: %w", err)
		}
		sell, err := decimal.NewFromString(raw.Sizing.Asymmetric.SellQuantity)
		if err != nil {
			return nil, fmt.Errorf("sizing.asymmetric.sellQuantity: %w", err)
		}
		if nc.AmountMode == AmountModePercent {
			buy = normalisePercent(buy, raw.SchemaVersion)
			sell = normalisePercent(sell, raw.SchemaVersion)
		}
		nc.BuyQuantity, nc.SellQuantity = buy, sell
	}

	nc.EnableBuy = raw.Risk.EnableBuy
	nc.EnableSell = raw.Risk.EnableSell

	nc.EnableFloorPrice = raw.Risk.EnableFloorPrice
	if nc.EnableFloorPrice {
		if raw.Risk.FloorPrice == nil || *raw.Risk.FloorPrice == "" {
			return nil, fmt.Errorf("risk.floorPrice is required when risk.enableFloorPrice is set")
		}
		v, err := decimal.NewFromString(*raw.Risk.FloorPrice)
		if err != nil {
			return nil, fmt.Errorf("risk.floorPrice: %w", err)
		}
		nc.FloorPrice = v
	}

	nc.EnableAutoClose = raw.Risk.EnableAutoClose
	if nc.EnableAutoClose {
		if raw.Risk.AutoCloseDrawdownPercent == nil || *raw.Risk.AutoCloseDrawdownPercent == "" {
			return nil, fmt.Errorf("risk.autoCloseDrawdownPercent is required when risk.enableAutoClose is set")
		}
		v, err := decimal.NewFromString(*raw.Risk.AutoCloseDrawdownPercent)
		if err != nil {
			return nil, fmt.Errorf("risk.autoCloseDrawdownPercent: %w", err)
		}
		nc.AutoCloseDrawdownPercent = normalisePercent(v, raw.SchemaVersion)
	}

	return nc, nil
}

// parsePercentOrPrice parses a trigger offset. Its unit (percent points
// vs ratio vs absolute price) is resolved by the caller against gridType;
// here the value is only parsed; the caller applies normalisePercent for
// gridType=percent once gridType is known.
func parsePercentOrPrice(field, raw string, schemaVersion int) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// normalisePercent converts a schemaVersion-1 "percent points" value
// (2 = 2%) into the ratio form (0.02) used internally by every
// schemaVersion >= 2 already expresses as a ratio.
func normalisePercent(v decimal.Decimal, schemaVersion int) decimal.Decimal {
	if schemaVersion <= 1 {
		return v.Div(decimal.NewFromInt(100))
	}
	return v
}
