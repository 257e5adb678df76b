// Package aggregator reconciles per-symbol prices across venue connectors
// and alternative sources into a single quote with a confidence score, and
// surfaces raw cross-source spreads for the arbitrage engine.
package aggregator

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/cache"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// minConfidence filters which quotes may feed arbitrage detection.
const minConfidence = 0.7

// Config tunes one aggregator instance. Zero values take defaults.
type Config struct {
	// TaskTimeout bounds each per-source fetch in a cycle.
	TaskTimeout time.Duration
	// CacheTTL is how long a reconciled snapshot is served before rescanning.
	CacheTTL time.Duration
}

func (c *Config) defaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
}

// snapshot is one completed aggregation cycle. Per-source samples are kept
// so Opportunities can reuse the same cycle without refetching.
type snapshot struct {
	Quotes  map[string]*types.AggregatedQuote `json:"quotes"`
	Samples map[string]map[string]float64     `json:"samples"` // symbol -> source -> price
}

// Aggregator fans out over healthy connectors plus alternative sources and
// reconciles the answers. Safe for concurrent use.
type Aggregator struct {
	registry *connector.Registry
	sources  []types.AltSource
	cfg      Config

	memory  *cache.Memory
	redis   *cache.Redis
	events  bus.Bus
	metrics *monitor.Metrics

	logger *logrus.Entry
}

// Option customizes construction.
type Option func(*Aggregator)

// WithRedis adds a shared warm cache tier.
func WithRedis(r *cache.Redis) Option {
	return func(a *Aggregator) { a.redis = r }
}

// WithBus publishes every reconciled quote on market_data.ticks.
func WithBus(b bus.Bus) Option {
	return func(a *Aggregator) { a.events = b }
}

// WithMetrics records published ticks and per-symbol confidence.
func WithMetrics(m *monitor.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// New creates an aggregator over the registry and the given sources.
func New(registry *connector.Registry, sources []types.AltSource, cfg Config, opts ...Option) *Aggregator {
	cfg.defaults()
	a := &Aggregator{
		registry: registry,
		sources:  sources,
		cfg:      cfg,
		memory:   cache.NewMemory(),
		logger:   logrus.WithField("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stop releases cache resources.
func (a *Aggregator) Stop() {
	a.memory.Stop()
}

func cacheKey(symbols []string) string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)
	return "agg:" + strings.Join(sorted, ",")
}

// Aggregate returns one reconciled quote per symbol. Snapshots are cached by
// the sorted symbol set; cache hits are marked FromCache.
func (a *Aggregator) Aggregate(ctx context.Context, symbols []string) (map[string]*types.AggregatedQuote, error) {
	if len(symbols) == 0 {
		return map[string]*types.AggregatedQuote{}, nil
	}
	key := cacheKey(symbols)

	if cached, ok := a.memory.Get(key); ok {
		return markCached(cached.(*snapshot)), nil
	}
	if a.redis != nil {
		var snap snapshot
		if hit, err := a.redis.GetJSON(ctx, key, &snap); err == nil && hit {
			a.memory.Set(key, &snap, a.cfg.CacheTTL)
			return markCached(&snap), nil
		}
	}

	snap, err := a.scan(ctx, symbols)
	if err != nil {
		return nil, err
	}

	a.memory.Set(key, snap, a.cfg.CacheTTL)
	if a.redis != nil {
		if err := a.redis.SetJSON(ctx, key, snap, a.cfg.CacheTTL); err != nil {
			a.logger.Debugf("redis cache write failed: %v", err)
		}
	}
	a.publish(ctx, snap)

	out := make(map[string]*types.AggregatedQuote, len(snap.Quotes))
	for sym, q := range snap.Quotes {
		c := *q
		out[sym] = &c
	}
	return out, nil
}

func markCached(snap *snapshot) map[string]*types.AggregatedQuote {
	out := make(map[string]*types.AggregatedQuote, len(snap.Quotes))
	for sym, q := range snap.Quotes {
		c := *q
		c.FromCache = true
		out[sym] = &c
	}
	return out
}

// fetchResult is one source's answer within a cycle.
type fetchResult struct {
	source  string
	tickers map[string]*types.Ticker
}

// scan runs one fan-out cycle: one goroutine per healthy connector and per
// source, each bounded by TaskTimeout. Failed or late tasks are dropped; the
// cycle succeeds if anything answered.
func (a *Aggregator) scan(ctx context.Context, symbols []string) (*snapshot, error) {
	type fetcher struct {
		name string
		fn   func(ctx context.Context) (map[string]*types.Ticker, error)
	}
	var fetchers []fetcher

	for name, conn := range a.registry.Connectors() {
		if !conn.IsConnected() || !a.registry.Healthy(name) {
			continue
		}
		conn := conn
		fetchers = append(fetchers, fetcher{name: name, fn: func(ctx context.Context) (map[string]*types.Ticker, error) {
			return conn.GetMarketData(ctx, symbols)
		}})
	}
	for _, src := range a.sources {
		src := src
		fetchers = append(fetchers, fetcher{name: src.Name(), fn: func(ctx context.Context) (map[string]*types.Ticker, error) {
			return src.GetMarketData(ctx, symbols)
		}})
	}
	if len(fetchers) == 0 {
		return nil, xerr.New(xerr.Unavailable, "no healthy sources")
	}

	results := make(chan fetchResult, len(fetchers))
	var wg sync.WaitGroup
	for _, f := range fetchers {
		wg.Add(1)
		go func(f fetcher) {
			defer wg.Done()
			taskCtx, cancel := context.WithTimeout(ctx, a.cfg.TaskTimeout)
			defer cancel()
			tickers, err := f.fn(taskCtx)
			if err != nil {
				a.logger.WithField("src", f.name).Debugf("fetch failed: %v", err)
				return
			}
			results <- fetchResult{source: f.name, tickers: tickers}
		}(f)
	}
	wg.Wait()
	close(results)

	// symbol -> per-source observations for this cycle only.
	type obs struct {
		source    string
		price     float64
		bid, ask  float64
		volume    decimal.Decimal
		hasBidAsk bool
	}
	bySymbol := make(map[string][]obs)
	for res := range results {
		for sym, t := range res.tickers {
			price, _ := t.Last.Float64()
			if price <= 0 {
				continue
			}
			o := obs{source: res.source, price: price, volume: t.Volume}
			if t.Bid.IsPositive() && t.Ask.IsPositive() {
				o.bid, _ = t.Bid.Float64()
				o.ask, _ = t.Ask.Float64()
				o.hasBidAsk = true
			}
			bySymbol[sym] = append(bySymbol[sym], o)
		}
	}
	if len(bySymbol) == 0 {
		return nil, xerr.New(xerr.Unavailable, "all sources failed for %v", symbols)
	}

	snap := &snapshot{
		Quotes:  make(map[string]*types.AggregatedQuote),
		Samples: make(map[string]map[string]float64),
	}
	now := time.Now()
	for sym, observations := range bySymbol {
		prices := make([]float64, 0, len(observations))
		for _, o := range observations {
			prices = append(prices, o.price)
		}
		kept := rejectOutliers(prices)

		keptSet := make(map[float64]int)
		for _, p := range kept {
			keptSet[p]++
		}

		var bids, asks []float64
		var volume decimal.Decimal
		var sources []string
		samples := make(map[string]float64)
		for _, o := range observations {
			if keptSet[o.price] == 0 {
				continue
			}
			keptSet[o.price]--
			sources = append(sources, o.source)
			samples[o.source] = o.price
			volume = volume.Add(o.volume)
			if o.hasBidAsk {
				bids = append(bids, o.bid)
				asks = append(asks, o.ask)
			}
		}
		sort.Strings(sources)

		m := mean(kept)
		bid := m * 0.999
		if len(bids) > 0 {
			bid = mean(bids)
		}
		ask := m * 1.001
		if len(asks) > 0 {
			ask = mean(asks)
		}
		// Not every source quotes a book; clamp so Bid <= Mid <= Ask holds
		// when the bid/ask sample set differs from the last-price set.
		bid = math.Min(bid, m)
		ask = math.Max(ask, m)

		confidence := 0.0
		if m > 0 {
			confidence = clamp01(1 - stddev(kept)/m)
		}
		confidence += math.Min(0.2, 0.05*float64(len(kept)))
		confidence = clamp01(confidence)

		snap.Quotes[sym] = &types.AggregatedQuote{
			Symbol:      sym,
			Mid:         decimal.NewFromFloat(m),
			Bid:         decimal.NewFromFloat(bid),
			Ask:         decimal.NewFromFloat(ask),
			Spread:      decimal.NewFromFloat(ask - bid),
			Volume:      volume,
			SourcesUsed: sources,
			Confidence:  confidence,
			Timestamp:   now,
		}
		snap.Samples[sym] = samples
	}
	return snap, nil
}

func (a *Aggregator) publish(ctx context.Context, snap *snapshot) {
	for sym, q := range snap.Quotes {
		a.metrics.SetConfidence(sym, q.Confidence)
	}
	if a.events == nil {
		return
	}
	for _, q := range snap.Quotes {
		if _, err := a.events.Publish(ctx, bus.StreamMarketTicks, q); err != nil {
			a.logger.Debugf("tick publish failed: %v", err)
			return
		}
		a.metrics.TickPublished(q.Symbol)
	}
}

// Opportunities surfaces cross-source price dislocations whose fractional
// spread (maxPrice-minPrice)/minPrice reaches minSpreadPct. Only symbols
// whose reconciled confidence clears the floor and that have two or more
// surviving sources are considered.
func (a *Aggregator) Opportunities(ctx context.Context, symbols []string, minSpreadPct float64) ([]types.SourceSpread, error) {
	if _, err := a.Aggregate(ctx, symbols); err != nil {
		return nil, err
	}

	// Aggregate just populated the cache for this exact key.
	cached, ok := a.memory.Get(cacheKey(symbols))
	if !ok {
		return nil, xerr.New(xerr.Internal, "aggregation snapshot missing")
	}
	snap := cached.(*snapshot)

	var out []types.SourceSpread
	for sym, quote := range snap.Quotes {
		if quote.Confidence < minConfidence {
			continue
		}
		samples := snap.Samples[sym]
		if len(samples) < 2 {
			continue
		}

		minSource, maxSource := "", ""
		minPrice, maxPrice := math.MaxFloat64, -math.MaxFloat64
		for src, price := range samples {
			if price < minPrice || (price == minPrice && src < minSource) {
				minPrice, minSource = price, src
			}
			if price > maxPrice || (price == maxPrice && src < maxSource) {
				maxPrice, maxSource = price, src
			}
		}
		if minSource == maxSource || minPrice <= 0 {
			continue
		}

		spreadPct := (maxPrice - minPrice) / minPrice
		if spreadPct < minSpreadPct {
			continue
		}
		out = append(out, types.SourceSpread{
			Symbol:     sym,
			MinSource:  minSource,
			MaxSource:  maxSource,
			MinPrice:   decimal.NewFromFloat(minPrice),
			MaxPrice:   decimal.NewFromFloat(maxPrice),
			SpreadPct:  decimal.NewFromFloat(spreadPct),
			Confidence: quote.Confidence,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SpreadPct.GreaterThan(out[j].SpreadPct)
	})
	return out, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// rejectOutliers drops samples farther than three standard deviations from
// the mean. With fewer than three samples there is nothing to judge against.
func rejectOutliers(xs []float64) []float64 {
	if len(xs) < 3 {
		return xs
	}
	m := mean(xs)
	sd := stddev(xs)
	if sd == 0 {
		return xs
	}
	kept := make([]float64, 0, len(xs))
	for _, x := range xs {
		if math.Abs(x-m) <= 3*sd {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		return xs
	}
	return kept
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
