package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/internal/aggregator"
	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

type gateStub struct {
	block bool
}

func (g *gateStub) IsOpportunitySafe(opp *types.Opportunity) error {
	if g.block {
		return xerr.New(xerr.RiskBlocked, "blocked")
	}
	return nil
}

type executorStub struct {
	mu   sync.Mutex
	opps []*types.Opportunity
}

func (e *executorStub) Execute(ctx context.Context, opp *types.Opportunity) (*types.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opps = append(e.opps, opp)
	return &types.Execution{ID: opp.ID, Opportunity: opp, Status: types.ExecutionCompleted}, nil
}

func (e *executorStub) received() []*types.Opportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.Opportunity(nil), e.opps...)
}

type fixture struct {
	engine   *Engine
	cheap    *connector.Mock
	rich     *connector.Mock
	gate     *gateStub
	executor *executorStub
	events   *bus.MemoryBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	cheap := connector.NewMock("kraken")
	cheap.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	cheap.SetBalance("USDT", 100_000)
	rich := connector.NewMock("binance")
	rich.SetTicker("BTC/USDT", 50500, 50490, 50510, 1e9)
	rich.SetBalance("BTC", 0.5)
	require.NoError(t, cheap.Connect(context.Background()))
	require.NoError(t, rich.Connect(context.Background()))

	registry := connector.NewRegistry(map[string]connector.Factory{}, nil)
	registry.Add(cheap)
	registry.Add(rich)

	agg := aggregator.New(registry, nil, aggregator.Config{CacheTTL: time.Minute})

	events := bus.NewMemoryBus(1000)
	t.Cleanup(func() { events.Close() })

	gate := &gateStub{}
	exec := &executorStub{}
	if len(cfg.Watchlist) == 0 {
		cfg.Watchlist = []string{"BTC/USDT"}
	}
	return &fixture{
		engine:   New(agg, registry, gate, exec, events, cfg),
		cheap:    cheap,
		rich:     rich,
		gate:     gate,
		executor: exec,
		events:   events,
	}
}

func TestScanProducesSizedOpportunity(t *testing.T) {
	f := newFixture(t, Config{MinSpreadPct: 0.005})

	require.NoError(t, f.engine.Scan(context.Background()))

	opps := f.executor.received()
	require.Len(t, opps, 1)
	opp := opps[0]

	assert.Equal(t, "kraken", opp.BuyVenue)
	assert.Equal(t, "binance", opp.SellVenue)
	// min(0.5 BTC on the sell venue, 100k/50k = 2) capped by the 10k
	// notional ceiling: 10000/50000 = 0.2.
	assert.Equal(t, "0.2", opp.TradableSize.String())
	// (50500 - 50000) / 50000 = 0.01, a fraction rather than a percentage.
	assert.InDelta(t, 0.01, opp.SpreadPct.InexactFloat64(), 1e-9)
	assert.True(t, opp.NetProfit.IsPositive())
	assert.True(t, opp.Fees.IsPositive())
	assert.GreaterOrEqual(t, opp.Confidence, 0.7)
	assert.GreaterOrEqual(t, opp.RiskScore, 0.0)
	assert.LessOrEqual(t, opp.RiskScore, 1.0)

	assert.Equal(t, 1, f.events.Len(bus.StreamOpportunities))
}

func TestScanRespectsRiskGate(t *testing.T) {
	f := newFixture(t, Config{MinSpreadPct: 0.005})
	f.gate.block = true

	require.NoError(t, f.engine.Scan(context.Background()))

	assert.Empty(t, f.executor.received())
	assert.Equal(t, 0, f.events.Len(bus.StreamOpportunities))
}

func TestScanSkipsWithoutBalances(t *testing.T) {
	f := newFixture(t, Config{MinSpreadPct: 0.005})
	// No base inventory on the sell venue.
	f.rich.SetBalance("BTC", 0)

	require.NoError(t, f.engine.Scan(context.Background()))
	assert.Empty(t, f.executor.received())
}

func TestScanDiscardsThinProfit(t *testing.T) {
	f := newFixture(t, Config{
		MinSpreadPct: 0.005,
		MinProfit:    decimal.NewFromInt(1_000_000),
	})

	require.NoError(t, f.engine.Scan(context.Background()))
	assert.Empty(t, f.executor.received())
}

func TestScanIgnoresSpreadsAgainstDEXVenues(t *testing.T) {
	f := newFixture(t, Config{MinSpreadPct: 0.005})

	// A DEX quoting even richer prices must not become a leg.
	dex := connector.NewMock("uniswap")
	dex.SetTicker("BTC/USDT", 51000, 50990, 51010, 1e8)
	require.NoError(t, dex.Connect(context.Background()))
	f.engine.registry.Add(dex)

	require.NoError(t, f.engine.Scan(context.Background()))

	for _, opp := range f.executor.received() {
		assert.NotEqual(t, "uniswap", opp.BuyVenue)
		assert.NotEqual(t, "uniswap", opp.SellVenue)
	}
}

func TestScanRecordsMetrics(t *testing.T) {
	mx := monitor.NewMetrics()
	f := newFixture(t, Config{MinSpreadPct: 0.005, Metrics: mx})

	require.NoError(t, f.engine.Scan(context.Background()))

	assert.Equal(t, 1.0, metricValue(t, mx, "xarb_opportunities_total"))
	assert.Equal(t, 1.0, metricValue(t, mx, "xarb_scan_duration_seconds"))
}

// metricValue sums a family across its label sets; histograms count samples.
func metricValue(t *testing.T, mx *monitor.Metrics, name string) float64 {
	t.Helper()
	families, err := mx.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	return 0
}

func TestScanFailureBackoff(t *testing.T) {
	f := newFixture(t, Config{ScanInterval: time.Second})
	f.cheap.FailData = true
	f.rich.FailData = true

	for i := 0; i < 3; i++ {
		err := f.engine.Scan(context.Background())
		require.Error(t, err)
		f.engine.onScanFailure(err)
	}
	f.engine.mu.Lock()
	backedOff := f.engine.interval
	f.engine.mu.Unlock()
	assert.Equal(t, 2*time.Second, backedOff)

	f.engine.onScanSuccess()
	f.engine.mu.Lock()
	reset := f.engine.interval
	f.engine.mu.Unlock()
	assert.Equal(t, time.Second, reset)
}
