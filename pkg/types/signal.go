package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal actions
const (
	SignalActionBuy  = "BUY"
	SignalActionSell = "SELL"
	SignalActionHold = "HOLD"
)

type SignalAction = string

// IndicatorUpdate is one computed indicator value for a symbol, published on
// the indicators stream by external indicator pipelines.
type IndicatorUpdate struct {
	Symbol    string          `json:"symbol"`
	Indicator string          `json:"indicator"`
	Value     decimal.Decimal `json:"value"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signal is a directional trading intent derived from indicator values.
// Strength is in [0,1]; HOLD signals are informational and never sized.
type Signal struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Action    SignalAction    `json:"action"`
	Strength  float64         `json:"strength"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Indicator string          `json:"indicator,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
