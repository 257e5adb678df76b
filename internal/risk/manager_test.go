package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

func testOpp(symbol string, size, price float64) *types.Opportunity {
	return &types.Opportunity{
		ID:           "opp-1",
		Symbol:       symbol,
		BuyVenue:     "kraken",
		SellVenue:    "binance",
		BuyPrice:     decimal.NewFromFloat(price),
		SellPrice:    decimal.NewFromFloat(price * 1.01),
		TradableSize: decimal.NewFromFloat(size),
	}
}

func startManager(t *testing.T, limits Limits) *Manager {
	t.Helper()
	m := NewManager(limits)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestOpportunityWithinLimitsIsSafe(t *testing.T) {
	m := startManager(t, DefaultLimits())
	assert.NoError(t, m.IsOpportunitySafe(testOpp("BTC/USDT", 0.1, 50000)))
}

func TestMaxPositionSizeBlocks(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositionSize = decimal.NewFromInt(1000)
	m := startManager(t, limits)

	err := m.IsOpportunitySafe(testOpp("BTC/USDT", 1, 50000))
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.RiskBlocked))
}

func TestMaxDailyTradesBlocks(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDailyTrades = 3
	m := startManager(t, limits)

	for i := 0; i < 3; i++ {
		m.RecordTrade(decimal.NewFromInt(5))
	}

	err := m.IsOpportunitySafe(testOpp("BTC/USDT", 0.01, 50000))
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.RiskBlocked))
	assert.ErrorContains(t, err, "daily trade limit")

	state := m.State()
	assert.Equal(t, 3, state.DailyTrades)
	assert.Equal(t, "15", state.DailyPnL.String())
}

func TestDailyLossLimitBlocks(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDailyLoss = decimal.NewFromInt(100)
	m := startManager(t, limits)

	m.RecordTrade(decimal.NewFromInt(-95))

	// Worst case of the next trade pushes past the loss limit.
	err := m.IsOpportunitySafe(testOpp("BTC/USDT", 0.1, 50000))
	require.Error(t, err)
	assert.ErrorContains(t, err, "daily loss limit")
}

func TestSameSymbolCorrelationBlocks(t *testing.T) {
	m := startManager(t, DefaultLimits())

	m.PositionOpened("BTC/USDT", decimal.NewFromInt(5000))

	err := m.IsOpportunitySafe(testOpp("BTC/USDT", 0.01, 50000))
	require.Error(t, err)
	assert.ErrorContains(t, err, "already open")

	assert.NoError(t, m.IsOpportunitySafe(testOpp("ETH/USDT", 0.1, 3000)))

	m.PositionClosed("BTC/USDT", decimal.NewFromInt(5000), decimal.NewFromInt(20))
	assert.NoError(t, m.IsOpportunitySafe(testOpp("BTC/USDT", 0.01, 50000)))
}

func TestMaxOpenPositionsBlocks(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOpenPositions = 2
	m := startManager(t, limits)

	m.PositionOpened("BTC/USDT", decimal.NewFromInt(1000))
	m.PositionOpened("ETH/USDT", decimal.NewFromInt(1000))

	err := m.IsOpportunitySafe(testOpp("SOL/USDT", 1, 100))
	require.Error(t, err)
	assert.ErrorContains(t, err, "open position limit")
}

func TestUTCRolloverResetsCounters(t *testing.T) {
	m := NewManager(DefaultLimits())
	var mu sync.Mutex
	day := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return day
	}
	m.Start(context.Background())
	defer m.Stop()

	m.RecordTrade(decimal.NewFromInt(-50))
	state := m.State()
	require.Equal(t, 1, state.DailyTrades)

	mu.Lock()
	day = day.Add(2 * time.Hour) // past midnight UTC
	mu.Unlock()
	state = m.State()
	assert.Equal(t, 0, state.DailyTrades)
	assert.True(t, state.DailyPnL.IsZero())
}

func TestCanOpenPositionStopDistance(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositionRisk = 0.02
	m := startManager(t, limits)

	tight := &types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		Size:       decimal.NewFromFloat(0.01),
		EntryPrice: decimal.NewFromInt(50000),
		StopPrice:  decimal.NewFromInt(49500), // 1% away
	}
	assert.NoError(t, m.CanOpenPosition(tight))

	wide := &types.Position{
		Symbol:     "ETH/USDT",
		Side:       types.PositionSideLong,
		Size:       decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromInt(3000),
		StopPrice:  decimal.NewFromInt(2700), // 10% away
	}
	err := m.CanOpenPosition(wide)
	require.Error(t, err)
	assert.ErrorContains(t, err, "stop distance")
}
