package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

type gateStub struct {
	mu     sync.Mutex
	block  bool
	opened []decimal.Decimal
	closed []decimal.Decimal
}

func (g *gateStub) CanOpenPosition(p *types.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.block {
		return xerr.New(xerr.RiskBlocked, "blocked")
	}
	return nil
}

func (g *gateStub) PositionOpened(symbol string, notional decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = append(g.opened, notional)
}

func (g *gateStub) PositionClosed(symbol string, notional, realized decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, realized)
}

func (g *gateStub) openedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.opened)
}

func (g *gateStub) closedPnLs() []decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]decimal.Decimal(nil), g.closed...)
}

type fixture struct {
	manager *Manager
	events  *bus.MemoryBus
	gate    *gateStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := bus.NewMemoryBus(1000)
	t.Cleanup(func() { events.Close() })

	gate := &gateStub{}
	m := NewManager(events, gate, Config{})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	return &fixture{manager: m, events: events, gate: gate}
}

func signal(action string, price, strength float64) types.Signal {
	return types.Signal{
		ID:        "sig-1",
		Symbol:    "BTC/USDT",
		Action:    action,
		Strength:  strength,
		Price:     decimal.NewFromFloat(price),
		Timestamp: time.Now(),
	}
}

func quote(mid float64) types.AggregatedQuote {
	return types.AggregatedQuote{
		Symbol:    "BTC/USDT",
		Mid:       decimal.NewFromFloat(mid),
		Timestamp: time.Now(),
	}
}

func (f *fixture) waitOpen(t *testing.T) *types.Position {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.manager.Get("BTC/USDT") != nil
	}, 2*time.Second, 10*time.Millisecond)
	return f.manager.Get("BTC/USDT")
}

func (f *fixture) waitClosed(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.events.Len(bus.StreamPositionsClosed) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuySignalOpensSizedLong(t *testing.T) {
	f := newFixture(t)

	_, err := f.events.Publish(context.Background(), bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.9))
	require.NoError(t, err)

	p := f.waitOpen(t)
	assert.Equal(t, types.PositionSideLong, p.Side)
	// 1% of 10k equity at risk over a 2% stop: 100 / 1000 = 0.1.
	assert.Equal(t, "0.1", p.Size.String())
	assert.Equal(t, "49000", p.StopPrice.String())
	assert.Equal(t, "52000", p.TakePrice.String())
	assert.Equal(t, 1, f.gate.openedCount())
	assert.Equal(t, 1, f.events.Len(bus.StreamPositionsOpened))
}

func TestSellSignalOpensShort(t *testing.T) {
	f := newFixture(t)

	_, err := f.events.Publish(context.Background(), bus.StreamSignals, signal(types.SignalActionSell, 50000, 0.9))
	require.NoError(t, err)

	p := f.waitOpen(t)
	assert.Equal(t, types.PositionSideShort, p.Side)
	assert.Equal(t, "51000", p.StopPrice.String())
	assert.Equal(t, "48000", p.TakePrice.String())
}

func TestWeakSignalIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.3))
	require.NoError(t, err)
	// A strong one afterwards proves the weak one was consumed, not queued.
	_, err = f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionBuy, 60000, 0.9))
	require.NoError(t, err)

	p := f.waitOpen(t)
	assert.Equal(t, "60000", p.EntryPrice.String())
	assert.Equal(t, 1, f.events.Len(bus.StreamPositionsOpened))
}

func TestRiskBlockPreventsOpen(t *testing.T) {
	f := newFixture(t)
	f.gate.block = true

	_, err := f.events.Publish(context.Background(), bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.9))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Nil(t, f.manager.Get("BTC/USDT"))
	assert.Equal(t, 0, f.events.Len(bus.StreamPositionsOpened))
}

func TestTickUpdatesUnrealizedPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.9))
	require.NoError(t, err)
	f.waitOpen(t)

	_, err = f.events.Publish(ctx, bus.StreamMarketTicks, quote(51000))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := f.manager.Get("BTC/USDT")
		return p != nil && p.UnrealizedPnL.Equal(decimal.NewFromInt(100))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopLossClosesLong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.9))
	require.NoError(t, err)
	f.waitOpen(t)

	_, err = f.events.Publish(ctx, bus.StreamMarketTicks, quote(48000))
	require.NoError(t, err)
	f.waitClosed(t, 1)

	assert.Nil(t, f.manager.Get("BTC/USDT"))
	// (48000 - 50000) * 0.1
	assert.Equal(t, "-200", f.manager.RealizedPnL().String())
	pnls := f.gate.closedPnLs()
	require.Len(t, pnls, 1)
	assert.Equal(t, "-200", pnls[0].String())
}

func TestTakeProfitClosesLong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.9))
	require.NoError(t, err)
	f.waitOpen(t)

	_, err = f.events.Publish(ctx, bus.StreamMarketTicks, quote(52000))
	require.NoError(t, err)
	f.waitClosed(t, 1)

	assert.Equal(t, "200", f.manager.RealizedPnL().String())
}

func TestOppositeSignalClosesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionBuy, 50000, 0.9))
	require.NoError(t, err)
	f.waitOpen(t)

	_, err = f.events.Publish(ctx, bus.StreamSignals, signal(types.SignalActionSell, 50500, 0.9))
	require.NoError(t, err)
	f.waitClosed(t, 1)

	assert.Nil(t, f.manager.Get("BTC/USDT"))
	assert.Equal(t, "50", f.manager.RealizedPnL().String())
}

func TestExecutionResultsFoldIntoLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, exec := range []types.Execution{
		{ID: "e1", Status: types.ExecutionCompleted, NetProfit: decimal.NewFromInt(12)},
		{ID: "e2", Status: types.ExecutionRolledBack, NetProfit: decimal.NewFromInt(-5)},
		{ID: "e3", Status: types.ExecutionFailed, NetProfit: decimal.Zero},
	} {
		_, err := f.events.Publish(ctx, bus.StreamExecutions, exec)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return f.manager.ArbitragePnL().Equal(decimal.NewFromInt(7))
	}, 2*time.Second, 10*time.Millisecond)
}
