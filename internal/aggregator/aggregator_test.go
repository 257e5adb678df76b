package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/source"
	"github.com/xarb-io/xarb/pkg/types"
)

func testRegistry(t *testing.T, mocks ...*connector.Mock) *connector.Registry {
	t.Helper()
	r := connector.NewRegistry(map[string]connector.Factory{}, nil)
	for _, m := range mocks {
		require.NoError(t, m.Connect(context.Background()))
		r.Add(m)
	}
	return r
}

func TestAggregateReconcilesAcrossSources(t *testing.T) {
	m1 := connector.NewMock("binance")
	m1.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	m2 := connector.NewMock("kraken")
	m2.SetTicker("BTC/USDT", 50100, 50090, 50110, 5e8)

	agg := New(testRegistry(t, m1, m2), nil, Config{})
	defer agg.Stop()

	quotes, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	require.Contains(t, quotes, "BTC/USDT")

	q := quotes["BTC/USDT"]
	assert.Equal(t, "50050", q.Mid.String())
	assert.Equal(t, []string{"binance", "kraken"}, q.SourcesUsed)
	assert.False(t, q.FromCache)
	assert.True(t, q.Bid.LessThan(q.Ask))
}

func TestAggregateSurvivesFailingVenue(t *testing.T) {
	healthy := connector.NewMock("binance")
	healthy.SetTicker("ETH/USDT", 3000, 2999, 3001, 1e8)
	broken := connector.NewMock("kraken")
	broken.FailData = true

	agg := New(testRegistry(t, healthy, broken), nil, Config{})
	defer agg.Stop()

	quotes, err := agg.Aggregate(context.Background(), []string{"ETH/USDT"})
	require.NoError(t, err)
	require.Contains(t, quotes, "ETH/USDT")
	assert.Equal(t, []string{"binance"}, quotes["ETH/USDT"].SourcesUsed)
}

func TestAggregateIncludesAltSources(t *testing.T) {
	venue := connector.NewMock("binance")
	venue.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)

	ref := source.NewStatic("coingecko")
	ref.SetPrice("BTC/USDT", 50020)

	agg := New(testRegistry(t, venue), []types.AltSource{ref}, Config{})
	defer agg.Stop()

	quotes, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)

	q := quotes["BTC/USDT"]
	assert.Equal(t, []string{"binance", "coingecko"}, q.SourcesUsed)
	assert.Equal(t, "50010", q.Mid.String())
}

func TestBidMidAskOrderingWithMixedSources(t *testing.T) {
	// Only the venue quotes a book; the reference source drags the mid
	// below the venue's bid.
	venue := connector.NewMock("binance")
	venue.SetTicker("BTC/USDT", 50100, 50090, 50110, 1e9)

	ref := source.NewStatic("coingecko")
	ref.SetPrice("BTC/USDT", 49900)

	agg := New(testRegistry(t, venue), []types.AltSource{ref}, Config{})
	defer agg.Stop()

	quotes, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)

	q := quotes["BTC/USDT"]
	assert.True(t, q.Bid.LessThanOrEqual(q.Mid), "bid %s > mid %s", q.Bid, q.Mid)
	assert.True(t, q.Mid.LessThanOrEqual(q.Ask), "mid %s > ask %s", q.Mid, q.Ask)
}

func TestAggregateDiscardsSlowSource(t *testing.T) {
	fast := connector.NewMock("binance")
	fast.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)

	slow := source.NewStatic("coingecko")
	slow.SetPrice("BTC/USDT", 50100)
	slow.Delay = 200 * time.Millisecond

	agg := New(testRegistry(t, fast), []types.AltSource{slow},
		Config{TaskTimeout: 50 * time.Millisecond})
	defer agg.Stop()

	quotes, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	assert.Equal(t, []string{"binance"}, quotes["BTC/USDT"].SourcesUsed)
}

func TestAggregateFailsWhenEverythingIsDown(t *testing.T) {
	broken := connector.NewMock("binance")
	broken.FailData = true

	agg := New(testRegistry(t, broken), nil, Config{})
	defer agg.Stop()

	_, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	assert.Error(t, err)
}

func TestConfidenceDropsWithDisagreement(t *testing.T) {
	agree1 := connector.NewMock("binance")
	agree1.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	agree2 := connector.NewMock("kraken")
	agree2.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)

	agg := New(testRegistry(t, agree1, agree2), nil, Config{})
	quotes, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	agreeing := quotes["BTC/USDT"].Confidence
	agg.Stop()

	div1 := connector.NewMock("binance")
	div1.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	div2 := connector.NewMock("kraken")
	div2.SetTicker("BTC/USDT", 90000, 89990, 90010, 1e9)

	agg2 := New(testRegistry(t, div1, div2), nil, Config{})
	defer agg2.Stop()
	quotes, err = agg2.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	diverging := quotes["BTC/USDT"].Confidence

	assert.Equal(t, 1.0, agreeing)
	assert.Less(t, diverging, agreeing)
}

func TestCacheHitIsMarkedAndStable(t *testing.T) {
	m := connector.NewMock("binance")
	m.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)

	agg := New(testRegistry(t, m), nil, Config{CacheTTL: time.Minute})
	defer agg.Stop()

	first, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	assert.False(t, first["BTC/USDT"].FromCache)

	// Price moves, but within TTL the snapshot is served as-is.
	m.SetTicker("BTC/USDT", 60000, 59990, 60010, 1e9)

	second, err := agg.Aggregate(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	assert.True(t, second["BTC/USDT"].FromCache)
	assert.Equal(t, first["BTC/USDT"].Mid.String(), second["BTC/USDT"].Mid.String())
}

func TestOpportunitiesFindsDislocation(t *testing.T) {
	cheap := connector.NewMock("kraken")
	cheap.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	rich := connector.NewMock("binance")
	rich.SetTicker("BTC/USDT", 50500, 50490, 50510, 1e9)

	agg := New(testRegistry(t, cheap, rich), nil, Config{})
	defer agg.Stop()

	spreads, err := agg.Opportunities(context.Background(), []string{"BTC/USDT"}, 0.005)
	require.NoError(t, err)
	require.Len(t, spreads, 1)

	s := spreads[0]
	assert.Equal(t, "kraken", s.MinSource)
	assert.Equal(t, "binance", s.MaxSource)
	assert.InDelta(t, 0.01, s.SpreadPct.InexactFloat64(), 1e-9)
}

func TestSpreadIsFractional(t *testing.T) {
	a := connector.NewMock("kraken")
	a.SetTicker("BTC/USDT", 50000, 49995, 50005, 1e9)
	b := connector.NewMock("binance")
	b.SetTicker("BTC/USDT", 50100, 50095, 50105, 1e9)

	agg := New(testRegistry(t, a, b), nil, Config{})
	defer agg.Stop()

	spreads, err := agg.Opportunities(context.Background(), []string{"BTC/USDT"}, 0.001)
	require.NoError(t, err)
	require.Len(t, spreads, 1)

	// (50100 - 50000) / 50000 = 0.002.
	assert.InDelta(t, 0.002, spreads[0].SpreadPct.InexactFloat64(), 1e-9)
	assert.GreaterOrEqual(t, spreads[0].Confidence, 0.7)
}

func TestOpportunitiesRespectsMinSpread(t *testing.T) {
	a := connector.NewMock("kraken")
	a.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	b := connector.NewMock("binance")
	b.SetTicker("BTC/USDT", 50050, 50040, 50060, 1e9)

	agg := New(testRegistry(t, a, b), nil, Config{})
	defer agg.Stop()

	spreads, err := agg.Opportunities(context.Background(), []string{"BTC/USDT"}, 0.005)
	require.NoError(t, err)
	assert.Empty(t, spreads)
}

func TestOutlierRejection(t *testing.T) {
	xs := make([]float64, 0, 12)
	for i := 0; i < 11; i++ {
		xs = append(xs, 50000)
	}
	xs = append(xs, 100000)

	kept := rejectOutliers(xs)
	assert.Len(t, kept, 11)
	assert.NotContains(t, kept, 100000.0)

	// Too few samples to judge: everything survives.
	assert.Len(t, rejectOutliers([]float64{1, 100}), 2)
}
