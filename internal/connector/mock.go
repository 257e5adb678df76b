package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// Mock is an in-memory venue used by tests and paper trading. Quotes and
// balances are seeded by the caller; orders fill instantly unless a fill
// policy says otherwise.
type Mock struct {
	name string

	mu       sync.RWMutex
	tickers  map[string]*types.Ticker
	books    map[string]*types.OrderBook
	balances map[string]types.Balance
	orders   map[string]*types.Order

	connected bool

	// FailConnect makes Connect return UNAVAILABLE.
	FailConnect bool
	// FailData makes all market data calls return UNAVAILABLE.
	FailData bool
	// RejectOrders makes PlaceOrder return REJECTED.
	RejectOrders bool
	// HoldOrders leaves placed orders PENDING instead of filling them.
	HoldOrders bool
	// HoldOrdersAfter, when positive, holds orders PENDING once that many
	// have been accepted; earlier orders fill normally.
	HoldOrdersAfter int
	// PartialFillQty, when positive, caps each fill at that quantity and
	// leaves short-filled orders PARTIALLY_FILLED.
	PartialFillQty decimal.Decimal

	placed int
}

// NewMock creates a mock venue.
func NewMock(name string) *Mock {
	return &Mock{
		name:     name,
		tickers:  make(map[string]*types.Ticker),
		books:    make(map[string]*types.OrderBook),
		balances: make(map[string]types.Balance),
		orders:   make(map[string]*types.Order),
	}
}

// SetTicker seeds a quote.
func (m *Mock) SetTicker(symbol string, last, bid, ask, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = &types.Ticker{
		Symbol:    symbol,
		Last:      decimal.NewFromFloat(last),
		Bid:       decimal.NewFromFloat(bid),
		Ask:       decimal.NewFromFloat(ask),
		Volume:    decimal.NewFromFloat(volume),
		Timestamp: time.Now(),
		Source:    m.name,
	}
}

// SetBalance seeds an asset balance.
func (m *Mock) SetBalance(asset string, free float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = types.Balance{Asset: asset, Free: decimal.NewFromFloat(free)}
}

// PlacedOrders returns how many orders were accepted.
func (m *Mock) PlacedOrders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.placed
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Connect(ctx context.Context) error {
	if m.FailConnect {
		return xerr.New(xerr.Unavailable, "%s unreachable", m.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Mock) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	if m.FailData {
		return nil, xerr.New(xerr.Unavailable, "%s market data unavailable", m.name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*types.Ticker)
	for _, s := range symbols {
		if t, ok := m.tickers[s]; ok {
			c := *t
			out[s] = &c
		}
	}
	return out, nil
}

func (m *Mock) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	if m.FailData {
		return nil, xerr.New(xerr.Unavailable, "%s market data unavailable", m.name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, xerr.New(xerr.Invalid, "unknown symbol %s", symbol)
	}
	c := *t
	return &c, nil
}

func (m *Mock) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if m.FailData {
		return nil, xerr.New(xerr.Unavailable, "%s market data unavailable", m.name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.books[symbol]; ok {
		return b, nil
	}
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, xerr.New(xerr.Invalid, "unknown symbol %s", symbol)
	}
	qty := decimal.NewFromInt(10)
	return &types.OrderBook{
		Symbol:    symbol,
		Bids:      []types.PriceLevel{{Price: t.Bid, Quantity: qty}},
		Asks:      []types.PriceLevel{{Price: t.Ask, Quantity: qty}},
		Timestamp: time.Now(),
		Source:    m.name,
	}, nil
}

func (m *Mock) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	return nil, nil
}

func (m *Mock) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	return nil, nil
}

func (m *Mock) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	if m.RejectOrders {
		return nil, xerr.New(xerr.Rejected, "%s rejected order %s", m.name, order.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	placed := order.Clone()
	placed.Venue = m.name
	placed.VenueID = fmt.Sprintf("%s-%d", m.name, len(m.orders)+1)
	placed.CreatedAt = time.Now()
	placed.UpdatedAt = placed.CreatedAt
	m.placed++

	hold := m.HoldOrders || (m.HoldOrdersAfter > 0 && m.placed > m.HoldOrdersAfter)
	if hold {
		placed.Status = types.OrderStatusPending
	} else {
		fill := placed.Quantity
		if m.PartialFillQty.IsPositive() && fill.GreaterThan(m.PartialFillQty) {
			fill = m.PartialFillQty
		}
		placed.FilledQty = fill
		if fill.Equal(placed.Quantity) {
			placed.Status = types.OrderStatusFilled
		} else {
			placed.Status = types.OrderStatusPartiallyFilled
		}
		fillPx := placed.Price
		if t, ok := m.tickers[placed.Symbol]; ok {
			if placed.Side == types.OrderSideBuy {
				fillPx = t.Ask
			} else {
				fillPx = t.Bid
			}
		}
		placed.AvgPrice = fillPx
	}

	m.orders[placed.VenueID] = placed
	return placed.Clone(), nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, venueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[venueID]
	if !ok {
		return xerr.New(xerr.Invalid, "unknown order %s", venueID)
	}
	if o.IsTerminal() {
		return xerr.New(xerr.Rejected, "order %s already %s", venueID, o.Status)
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[venueID]
	if !ok {
		return nil, xerr.New(xerr.Invalid, "unknown order %s", venueID)
	}
	return o.Clone(), nil
}

// FillOrder marks a held order as filled at the given price (test hook).
func (m *Mock) FillOrder(venueID string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[venueID]; ok && !o.IsTerminal() {
		o.Status = types.OrderStatusFilled
		o.FilledQty = o.Quantity
		o.AvgPrice = decimal.NewFromFloat(price)
		o.UpdatedAt = time.Now()
	}
}

func (m *Mock) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (m *Mock) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}
