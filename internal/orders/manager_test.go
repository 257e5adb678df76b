package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

func testSetup(t *testing.T, cfg Config) (*Manager, *connector.Mock, *bus.MemoryBus) {
	t.Helper()
	mock := connector.NewMock("binance")
	mock.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	require.NoError(t, mock.Connect(context.Background()))

	registry := connector.NewRegistry(map[string]connector.Factory{}, nil)
	registry.Add(mock)

	events := bus.NewMemoryBus(1000)
	t.Cleanup(func() { events.Close() })

	return NewManager(registry, events, cfg), mock, events
}

func marketBuy(qty float64) *types.Order {
	return &types.Order{
		Symbol:   "BTC/USDT",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(qty),
		Venue:    "binance",
	}
}

func TestSubmitAssignsIDAndPublishes(t *testing.T) {
	m, mock, events := testSetup(t, Config{})

	placed, err := m.Submit(context.Background(), marketBuy(0.5))
	require.NoError(t, err)
	assert.NotEmpty(t, placed.ID)
	assert.NotEmpty(t, placed.VenueID)
	assert.Equal(t, types.OrderStatusFilled, placed.Status)
	assert.Equal(t, 1, mock.PlacedOrders())

	assert.Equal(t, 1, events.Len(bus.StreamOrdersSubmitted))
	assert.Equal(t, 1, events.Len(bus.StreamOrdersExecuted))
}

func TestSubmitValidation(t *testing.T) {
	m, _, _ := testSetup(t, Config{})

	cases := []*types.Order{
		{Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1), Venue: "binance"},
		{Symbol: "BTC/USDT", Side: "HOLD", Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1), Venue: "binance"},
		{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Venue: "binance"},
		{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Venue: "binance"},
		{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeStop, Quantity: decimal.NewFromInt(1), Venue: "binance"},
	}
	for _, req := range cases {
		_, err := m.Submit(context.Background(), req)
		require.Error(t, err)
		assert.True(t, xerr.Is(err, xerr.Invalid), "expected INVALID for %+v", req)
	}
}

func TestSubmitRejectionIsRecorded(t *testing.T) {
	m, mock, _ := testSetup(t, Config{})
	mock.RejectOrders = true

	_, err := m.Submit(context.Background(), marketBuy(0.5))
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Rejected))
}

func TestMonitoringLoopPromotesFills(t *testing.T) {
	m, mock, events := testSetup(t, Config{MonitorInterval: 10 * time.Millisecond})
	mock.HoldOrders = true

	m.Start(context.Background())
	defer m.Stop()

	placed, err := m.Submit(context.Background(), marketBuy(0.5))
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusPending, placed.Status)

	mock.FillOrder(placed.VenueID, 50010)

	require.Eventually(t, func() bool {
		got, ok := m.Get(placed.ID)
		return ok && got.Status == types.OrderStatusFilled
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, events.Len(bus.StreamOrdersUpdated), 1)
	assert.Equal(t, 1, events.Len(bus.StreamOrdersExecuted))
}

func TestPendingOrderTimesOut(t *testing.T) {
	m, mock, events := testSetup(t, Config{
		MonitorInterval: 10 * time.Millisecond,
		OrderTimeout:    30 * time.Millisecond,
	})
	mock.HoldOrders = true

	m.Start(context.Background())
	defer m.Stop()

	placed, err := m.Submit(context.Background(), marketBuy(0.5))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := m.Get(placed.ID)
		return ok && got.Status == types.OrderStatusCancelled
	}, time.Second, 10*time.Millisecond)

	got, _ := m.Get(placed.ID)
	assert.Equal(t, "timeout", got.Reason)
	assert.Equal(t, 1, events.Len(bus.StreamOrdersCancelled))
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	m, _, _ := testSetup(t, Config{})

	placed, err := m.Submit(context.Background(), marketBuy(0.5))
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, placed.Status)

	err = m.Cancel(context.Background(), placed.ID, "late cancel")
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Rejected))

	got, ok := m.Get(placed.ID)
	require.True(t, ok)
	assert.Equal(t, types.OrderStatusFilled, got.Status)
	assert.Empty(t, got.Reason)
}

func TestCleanupPurgesOldTerminalOrders(t *testing.T) {
	m, _, _ := testSetup(t, Config{RetainTerminal: time.Nanosecond})

	placed, err := m.Submit(context.Background(), marketBuy(0.5))
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	m.purgeTerminal()

	_, ok := m.Get(placed.ID)
	assert.False(t, ok)
	assert.Empty(t, m.Open())
}
