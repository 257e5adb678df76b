package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AggregatedQuote is the reconciled per-symbol price produced by one
// aggregation cycle. Invariant: Bid <= Mid <= Ask and SourcesUsed is
// non-empty.
type AggregatedQuote struct {
	Symbol      string          `json:"symbol"`
	Mid         decimal.Decimal `json:"mid"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Spread      decimal.Decimal `json:"spread"`
	Volume      decimal.Decimal `json:"volume"`
	SourcesUsed []string        `json:"sources_used"`
	Confidence  float64         `json:"confidence"`
	FromCache   bool            `json:"from_cache,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// SourceSpread is one raw cross-source dislocation found by the aggregator,
// before sizing and fee estimation.
type SourceSpread struct {
	Symbol     string          `json:"symbol"`
	MinSource  string          `json:"min_source"`
	MaxSource  string          `json:"max_source"`
	MinPrice   decimal.Decimal `json:"min_price"`
	MaxPrice   decimal.Decimal `json:"max_price"`
	SpreadPct  decimal.Decimal `json:"spread_pct"`
	Confidence float64         `json:"confidence"`
}

// Opportunity is a fully scored arbitrage candidate.
// SpreadPct = (SellPrice - BuyPrice) / BuyPrice with BuyVenue != SellVenue.
type Opportunity struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BuyVenue       string          `json:"buy_venue"`
	SellVenue      string          `json:"sell_venue"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	SellPrice      decimal.Decimal `json:"sell_price"`
	Spread         decimal.Decimal `json:"spread"`
	SpreadPct      decimal.Decimal `json:"spread_pct"`
	TradableSize   decimal.Decimal `json:"tradable_size"`
	GrossProfit    decimal.Decimal `json:"gross_profit"`
	Fees           decimal.Decimal `json:"fees"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	RiskScore      float64         `json:"risk_score"`
	Confidence     float64         `json:"confidence"`
	EstExecSeconds float64         `json:"est_exec_seconds"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Notional returns buy-side notional value of the opportunity.
func (o *Opportunity) Notional() decimal.Decimal {
	return o.TradableSize.Mul(o.BuyPrice)
}

// Execution status values. Terminal states are COMPLETED, ROLLED_BACK and
// FAILED; an execution reaches exactly one of them.
const (
	ExecutionPending    = "PENDING"
	ExecutionPlacing    = "PLACING"
	ExecutionPartial    = "PARTIAL"
	ExecutionCompleted  = "COMPLETED"
	ExecutionFailed     = "FAILED"
	ExecutionRolledBack = "ROLLED_BACK"
)

type ExecutionStatus = string

// IsTerminalExecutionStatus reports whether an execution status is final.
func IsTerminalExecutionStatus(status ExecutionStatus) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionRolledBack:
		return true
	}
	return false
}

// Execution is one paired buy/sell arbitrage attempt and its state machine.
type Execution struct {
	ID          string          `json:"id"`
	Opportunity *Opportunity    `json:"opportunity"`
	BuyOrderID  string          `json:"buy_order_id,omitempty"`
	SellOrderID string          `json:"sell_order_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	NetProfit   decimal.Decimal `json:"net_profit"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	Elapsed     time.Duration   `json:"elapsed,omitempty"`
}

// VenueInfo describes a supported venue in the catalog: static trust and fee
// data used for connector scoring and fee estimation.
type VenueInfo struct {
	Name      string          `json:"name"`
	Trust     float64         `json:"trust"`
	MakerFee  decimal.Decimal `json:"maker_fee"`
	TakerFee  decimal.Decimal `json:"taker_fee"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	DEX       bool            `json:"dex,omitempty"`
}
