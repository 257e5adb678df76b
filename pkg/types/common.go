package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket    = "MARKET"
	OrderTypeLimit     = "LIMIT"
	OrderTypeStop      = "STOP"
	OrderTypeStopLimit = "STOP_LIMIT"
)

// Order status
const (
	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// Position sides
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

// Type aliases used throughout the system
type OrderSide = string
type OrderType = string
type OrderStatus = string
type PositionSide = string

// IsTerminalOrderStatus reports whether an order status can no longer change.
func IsTerminalOrderStatus(status OrderStatus) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Ticker is a point-in-time price snapshot from a single venue or source.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Change24h decimal.Decimal `json:"change_24h,omitempty"`
	MarketCap decimal.Decimal `json:"market_cap,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// PriceLevel is a single price/quantity entry in an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook holds venue depth. Bids are sorted descending, asks ascending.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source"`
	// Synthetic marks books fabricated from pool reserves (DEX adapters)
	// rather than observed from a matching engine.
	Synthetic bool `json:"synthetic,omitempty"`
}

// BestBid returns the top bid level, or false when the book is empty.
func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book is empty.
func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// PublicTrade is a trade printed on a venue's public feed.
type PublicTrade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      OrderSide       `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Order is a single-venue order tracked by the order manager. It is created
// on submit and afterwards mutated only by the order manager from venue
// feedback; a terminal order never re-opens.
type Order struct {
	ID          string          `json:"id"`
	VenueID     string          `json:"venue_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price,omitempty"`
	Status      OrderStatus     `json:"status"`
	Venue       string          `json:"venue"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return IsTerminalOrderStatus(o.Status)
}

// Clone returns a copy so observers never share the manager's instance.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Balance is a single-asset balance on one venue.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Kline is one historical candle.
type Kline struct {
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
}

// Position is an open or closed directional position.
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TakePrice     decimal.Decimal `json:"take_price,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// Open reports whether the position has not been closed yet.
func (p *Position) Open() bool {
	return p.ClosedAt == nil
}

// Notional returns size times current price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.CurrentPrice)
}
