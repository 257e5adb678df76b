package types

import (
	"context"
	"time"
)

// Connector is the uniform adapter over one exchange or DEX. Every
// implementation, spot or subgraph-backed, satisfies the same capability
// set; symbol encoding for the venue is the adapter's own responsibility
// and the rest of the system speaks canonical BASE/QUOTE.
//
// I/O-bound methods honour the passed context and are wrapped internally
// by the shared retry+timeout policy; after retries exhaust they return a
// typed error (xerr kind), never panic.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	GetMarketData(ctx context.Context, symbols []string) (map[string]*Ticker, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)
	GetTrades(ctx context.Context, symbol string, limit int) ([]*PublicTrade, error)
	GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*Kline, error)

	// PlaceOrder is not idempotent at the venue. The caller assigns the
	// client id (Order.ID); the returned order carries the venue-assigned
	// id in VenueID.
	PlaceOrder(ctx context.Context, order *Order) (*Order, error)
	CancelOrder(ctx context.Context, symbol, venueID string) error
	GetOrderStatus(ctx context.Context, symbol, venueID string) (*Order, error)

	GetPositions(ctx context.Context) ([]*Position, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)

	Name() string
}

// AltSource is a read-only price feed over public HTTP. A source failure
// never blocks aggregation; implementations return whatever subset of the
// requested symbols they could fetch.
type AltSource interface {
	Name() string
	GetMarketData(ctx context.Context, symbols []string) (map[string]*Ticker, error)
}

// Credentials holds one venue's API access material. Never logged.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// CredentialsProvider supplies per-venue credentials at connector
// construction time.
type CredentialsProvider interface {
	Get(venue string) (Credentials, error)
}
