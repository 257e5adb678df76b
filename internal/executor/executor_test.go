package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/orders"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

type recordedTrades struct {
	mu     sync.Mutex
	trades []decimal.Decimal
}

func (r *recordedTrades) RecordTrade(pnl decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, pnl)
}

func (r *recordedTrades) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

type fixture struct {
	engine *Engine
	orders *orders.Manager
	buy    *connector.Mock // buy venue (kraken, cheaper)
	sell   *connector.Mock // sell venue (binance, richer)
	events *bus.MemoryBus
	risk   *recordedTrades
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	buy := connector.NewMock("kraken")
	buy.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	sell := connector.NewMock("binance")
	sell.SetTicker("BTC/USDT", 50500, 50490, 50510, 1e9)
	require.NoError(t, buy.Connect(context.Background()))
	require.NoError(t, sell.Connect(context.Background()))

	registry := connector.NewRegistry(map[string]connector.Factory{}, nil)
	registry.Add(buy)
	registry.Add(sell)

	events := bus.NewMemoryBus(1000)
	t.Cleanup(func() { events.Close() })

	om := orders.NewManager(registry, events, orders.Config{})
	risk := &recordedTrades{}

	return &fixture{
		engine: NewEngine(om, risk, events, cfg),
		orders: om,
		buy:    buy,
		sell:   sell,
		events: events,
		risk:   risk,
	}
}

func opportunity(id string) *types.Opportunity {
	return &types.Opportunity{
		ID:             id,
		Symbol:         "BTC/USDT",
		BuyVenue:       "kraken",
		SellVenue:      "binance",
		BuyPrice:       decimal.NewFromInt(50010),
		SellPrice:      decimal.NewFromInt(50490),
		TradableSize:   decimal.NewFromFloat(0.1),
		EstExecSeconds: 0.2,
		Timestamp:      time.Now(),
	}
}

func TestExecuteCompletesWhenBothLegsFill(t *testing.T) {
	f := newFixture(t, Config{})

	exec, err := f.engine.Execute(context.Background(), opportunity("opp-1"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)

	// Both legs were really placed, one per venue.
	assert.Equal(t, 1, f.buy.PlacedOrders())
	assert.Equal(t, 1, f.sell.PlacedOrders())

	// Bought at kraken's ask, sold at binance's bid, minus taker fees.
	assert.True(t, exec.NetProfit.IsPositive(), "net profit %s", exec.NetProfit)
	assert.True(t, exec.FeesPaid.IsPositive())
	assert.Equal(t, 1, f.events.Len(bus.StreamExecutions))
	assert.Equal(t, 1, f.risk.count())
}

func TestExecuteRollsBackStrandedBuyLeg(t *testing.T) {
	f := newFixture(t, Config{})
	f.sell.RejectOrders = true

	exec, err := f.engine.Execute(context.Background(), opportunity("opp-2"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRolledBack, exec.Status)

	// The filled buy was reversed with a sell on the same venue.
	assert.Equal(t, 2, f.buy.PlacedOrders())
	assert.Equal(t, 0, f.sell.PlacedOrders())

	// Round trip across kraken's spread plus fees loses money.
	assert.True(t, exec.NetProfit.IsNegative(), "rollback pnl %s", exec.NetProfit)
	assert.Equal(t, 1, f.risk.count())
	assert.Equal(t, 1, f.events.Len(bus.StreamExecutions))
}

func TestExecuteRollsBackStrandedSellLeg(t *testing.T) {
	f := newFixture(t, Config{})
	f.buy.RejectOrders = true

	exec, err := f.engine.Execute(context.Background(), opportunity("opp-3"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRolledBack, exec.Status)

	// The filled sell was reversed with a buy on the sell venue.
	assert.Equal(t, 0, f.buy.PlacedOrders())
	assert.Equal(t, 2, f.sell.PlacedOrders())
}

func TestExecuteReversesPartialFillOnCancelledLeg(t *testing.T) {
	f := newFixture(t, Config{})
	f.buy.RejectOrders = true
	// The sell leg fills 0.04 of 0.1 and hangs; the deadline cancels it
	// with that inventory still short.
	f.sell.PartialFillQty = decimal.NewFromFloat(0.04)

	exec, err := f.engine.Execute(context.Background(), opportunity("opp-p1"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRolledBack, exec.Status)

	// The partial short was bought back on the same venue.
	assert.Equal(t, 0, f.buy.PlacedOrders())
	assert.Equal(t, 2, f.sell.PlacedOrders())
	assert.Equal(t, 1, f.risk.count())
}

func TestRollbackWaitsForReverseFill(t *testing.T) {
	f := newFixture(t, Config{})
	f.sell.RejectOrders = true
	// The buy leg fills; the rollback sell on the same venue is answered
	// PENDING and only fills once the venue is polled.
	f.buy.HoldOrdersAfter = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orders.Start(ctx)
	t.Cleanup(f.orders.Stop)

	go func() {
		for i := 0; i < 1000; i++ {
			if f.buy.PlacedOrders() == 2 {
				f.buy.FillOrder("kraken-2", 49980)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	exec, err := f.engine.Execute(context.Background(), opportunity("opp-p2"))
	require.NoError(t, err)
	require.Equal(t, types.ExecutionRolledBack, exec.Status)

	// PnL uses the reverse leg's real fill, not the PENDING answer's zeros:
	// bought 0.1 at 50010, sold back at 49980, minus both taker fees.
	qty := decimal.NewFromFloat(0.1)
	fees := decimal.NewFromInt(50010).Mul(qty).Add(decimal.NewFromInt(49980).Mul(qty)).
		Mul(connector.TakerFeeFor("kraken"))
	want := decimal.NewFromInt(49980).Sub(decimal.NewFromInt(50010)).Mul(qty).Sub(fees)
	assert.True(t, exec.NetProfit.Equal(want), "net %s want %s", exec.NetProfit, want)
}

func TestExecuteFailsWhenBothLegsFail(t *testing.T) {
	f := newFixture(t, Config{})
	f.buy.RejectOrders = true
	f.sell.RejectOrders = true

	exec, err := f.engine.Execute(context.Background(), opportunity("opp-4"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.NotEmpty(t, exec.Error)
	// Nothing filled, nothing to account.
	assert.Equal(t, 0, f.risk.count())
}

func TestExecuteGuardsInFlightPair(t *testing.T) {
	f := newFixture(t, Config{})
	f.buy.HoldOrders = true
	f.sell.HoldOrders = true

	done := make(chan *types.Execution, 1)
	go func() {
		exec, _ := f.engine.Execute(context.Background(), opportunity("opp-5"))
		done <- exec
	}()
	require.Eventually(t, func() bool {
		return f.engine.InFlight() == 1
	}, time.Second, time.Millisecond)

	_, err := f.engine.Execute(context.Background(), opportunity("opp-6"))
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Rejected))

	exec := <-done
	// Held legs never filled before the deadline.
	assert.Equal(t, types.ExecutionFailed, exec.Status)
}

func TestFailureBreakerPausesEngine(t *testing.T) {
	f := newFixture(t, Config{MaxConsecutiveFailures: 2})
	f.buy.RejectOrders = true
	f.sell.RejectOrders = true

	for i := 0; i < 2; i++ {
		exec, err := f.engine.Execute(context.Background(), opportunity("opp-7"))
		require.NoError(t, err)
		require.Equal(t, types.ExecutionFailed, exec.Status)
	}
	require.True(t, f.engine.Paused())

	_, err := f.engine.Execute(context.Background(), opportunity("opp-8"))
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Unavailable))
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 0; i < 3; i++ {
		_, err := f.engine.Execute(context.Background(), opportunity("opp-h"))
		require.NoError(t, err)
	}
	f.sell.RejectOrders = true
	_, err := f.engine.Execute(context.Background(), opportunity("opp-h"))
	require.NoError(t, err)

	recent := f.engine.History(10)
	require.Len(t, recent, 4)
	assert.Equal(t, types.ExecutionRolledBack, recent[0].Status)

	stats := f.engine.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.RolledBack)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
	assert.True(t, stats.DailyVolume.IsPositive())
}
