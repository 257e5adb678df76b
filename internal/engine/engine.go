// Package engine drives arbitrage detection: it turns raw cross-source
// spreads from the aggregator into sized, fee-adjusted, risk-checked
// opportunities and hands the accepted ones to the execution engine.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/aggregator"
	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
)

// maxScanInterval bounds the failure backoff.
const maxScanInterval = 30 * time.Second

// RiskGate approves opportunities before execution.
type RiskGate interface {
	IsOpportunitySafe(opp *types.Opportunity) error
}

// Executor runs an approved opportunity to a terminal execution.
type Executor interface {
	Execute(ctx context.Context, opp *types.Opportunity) (*types.Execution, error)
}

// Config tunes one scanner. Zero values take defaults.
type Config struct {
	Watchlist    []string
	ScanInterval time.Duration
	MinSpreadPct float64         // fraction, 0.001 = 0.1%
	MinProfit    decimal.Decimal // net, in quote currency
	SlippageBps  int             // applied per leg
	MaxNotional  decimal.Decimal // per-opportunity size ceiling
	BalanceTTL   time.Duration

	// riskScore weights; must sum to 1.
	WeightVolatility float64
	WeightLiquidity  float64
	WeightVenue      float64

	// Metrics is optional; nil disables recording.
	Metrics *monitor.Metrics
}

func (c *Config) defaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.MinSpreadPct <= 0 {
		c.MinSpreadPct = 0.001
	}
	if c.MinProfit.IsZero() {
		c.MinProfit = decimal.NewFromInt(1)
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 5
	}
	if c.MaxNotional.IsZero() {
		c.MaxNotional = decimal.NewFromInt(10_000)
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = 30 * time.Second
	}
	if c.WeightVolatility == 0 && c.WeightLiquidity == 0 && c.WeightVenue == 0 {
		c.WeightVolatility = 0.4
		c.WeightLiquidity = 0.3
		c.WeightVenue = 0.3
	}
}

// Engine owns the scan loop for one watchlist.
type Engine struct {
	agg      *aggregator.Aggregator
	registry *connector.Registry
	risk     RiskGate
	executor Executor
	events   bus.Bus
	cfg      Config
	logger   *logrus.Entry

	mu          sync.Mutex
	balances    map[string]map[string]types.Balance // venue -> asset -> balance
	balancesAt  time.Time
	failStreak  int
	interval    time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates an engine. events may be nil when no stream is wired.
func New(agg *aggregator.Aggregator, registry *connector.Registry, risk RiskGate, exec Executor, events bus.Bus, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		agg:      agg,
		registry: registry,
		risk:     risk,
		executor: exec,
		events:   events,
		cfg:      cfg,
		logger:   logrus.WithField("component", "engine"),
		balances: make(map[string]map[string]types.Balance),
		interval: cfg.ScanInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scanner.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop terminates the scanner.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		wait := e.interval
		e.mu.Unlock()

		select {
		case <-time.After(wait):
			if err := e.Scan(ctx); err != nil {
				e.onScanFailure(err)
			} else {
				e.onScanSuccess()
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Backoff doubles after three consecutive failures and resets on success.
func (e *Engine) onScanFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failStreak++
	if e.failStreak >= 3 {
		e.interval *= 2
		if e.interval > maxScanInterval {
			e.interval = maxScanInterval
		}
		e.logger.Warnf("scan failing (%d in a row), interval now %s: %v", e.failStreak, e.interval, err)
	} else {
		e.logger.Debugf("scan failed: %v", err)
	}
}

func (e *Engine) onScanSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failStreak = 0
	e.interval = e.cfg.ScanInterval
}

// Scan runs one detection cycle. Exported so the scheduler and tests share
// the same path.
func (e *Engine) Scan(ctx context.Context) error {
	started := time.Now()
	defer func() { e.cfg.Metrics.ScanDone(time.Since(started).Seconds()) }()

	spreads, err := e.agg.Opportunities(ctx, e.cfg.Watchlist, e.cfg.MinSpreadPct)
	if err != nil {
		return err
	}

	for _, spread := range spreads {
		opp, ok := e.build(ctx, spread)
		if !ok {
			continue
		}
		if err := e.risk.IsOpportunitySafe(opp); err != nil {
			e.logger.WithField("symbol", opp.Symbol).Debugf("blocked: %v", err)
			continue
		}
		e.cfg.Metrics.OpportunityApproved()

		if e.events != nil {
			if _, err := e.events.Publish(ctx, bus.StreamOpportunities, opp); err != nil {
				e.logger.Debugf("opportunity publish failed: %v", err)
			}
		}
		e.logger.WithField("symbol", opp.Symbol).
			Infof("Opportunity %s: buy %s@%s sell %s@%s net %s",
				opp.ID, opp.BuyVenue, opp.BuyPrice, opp.SellVenue, opp.SellPrice,
				opp.NetProfit.StringFixed(2))

		if e.executor != nil {
			if _, err := e.executor.Execute(ctx, opp); err != nil {
				e.logger.WithField("symbol", opp.Symbol).Warnf("execution refused: %v", err)
			}
		}
	}
	return nil
}

// build sizes and scores one raw spread. Spreads whose endpoints are not
// tradable venues (reference sources, disconnected venues) are dropped.
func (e *Engine) build(ctx context.Context, spread types.SourceSpread) (*types.Opportunity, bool) {
	buyVenue, sellVenue := spread.MinSource, spread.MaxSource
	if !e.tradable(buyVenue) || !e.tradable(sellVenue) {
		return nil, false
	}

	base, quote, err := types.SplitSymbol(spread.Symbol)
	if err != nil {
		return nil, false
	}
	buyPx, sellPx := spread.MinPrice, spread.MaxPrice

	size := e.tradableSize(ctx, base, quote, buyVenue, sellVenue, buyPx)
	if !size.IsPositive() {
		return nil, false
	}

	notional := size.Mul(buyPx)
	slippage := decimal.NewFromInt(int64(e.cfg.SlippageBps)).Div(decimal.NewFromInt(10_000))
	fees := notional.Mul(connector.TakerFeeFor(buyVenue)).
		Add(size.Mul(sellPx).Mul(connector.TakerFeeFor(sellVenue))).
		Add(notional.Mul(slippage)).
		Add(size.Mul(sellPx).Mul(slippage))

	gross := sellPx.Sub(buyPx).Mul(size)
	net := gross.Sub(fees)
	if net.LessThanOrEqual(e.cfg.MinProfit) {
		return nil, false
	}

	opp := &types.Opportunity{
		ID:             uuid.NewString(),
		Symbol:         spread.Symbol,
		BuyVenue:       buyVenue,
		SellVenue:      sellVenue,
		BuyPrice:       buyPx,
		SellPrice:      sellPx,
		Spread:         sellPx.Sub(buyPx),
		SpreadPct:      spread.SpreadPct,
		TradableSize:   size,
		GrossProfit:    gross,
		Fees:           fees,
		NetProfit:      net,
		Confidence:     spread.Confidence,
		EstExecSeconds: e.estExecSeconds(buyVenue, sellVenue),
		Timestamp:      time.Now(),
	}
	opp.RiskScore = e.riskScore(ctx, opp)
	return opp, true
}

func (e *Engine) tradable(venue string) bool {
	conn, err := e.registry.Get(venue)
	if err != nil || !conn.IsConnected() || !e.registry.Healthy(venue) {
		return false
	}
	// Price-only venues cannot carry a leg.
	return !connector.VenueInfoFor(venue).DEX
}

// tradableSize is min(base available on the sell venue, quote available on
// the buy venue / buy price), capped by the per-opportunity notional ceiling.
func (e *Engine) tradableSize(ctx context.Context, base, quote, buyVenue, sellVenue string, buyPx decimal.Decimal) decimal.Decimal {
	balances := e.cachedBalances(ctx)

	baseAvail := balances[sellVenue][base].Free
	quoteAvail := balances[buyVenue][quote].Free
	if !baseAvail.IsPositive() || !quoteAvail.IsPositive() || !buyPx.IsPositive() {
		return decimal.Zero
	}

	size := decimal.Min(baseAvail, quoteAvail.Div(buyPx))
	if ceiling := e.cfg.MaxNotional.Div(buyPx); size.GreaterThan(ceiling) {
		size = ceiling
	}
	return size
}

// cachedBalances refreshes per-venue balances at most every BalanceTTL.
func (e *Engine) cachedBalances(ctx context.Context) map[string]map[string]types.Balance {
	e.mu.Lock()
	if time.Since(e.balancesAt) < e.cfg.BalanceTTL {
		snapshot := e.balances
		e.mu.Unlock()
		return snapshot
	}
	e.mu.Unlock()

	fresh := make(map[string]map[string]types.Balance)
	for name, conn := range e.registry.Connectors() {
		if !conn.IsConnected() {
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		balances, err := conn.GetBalances(fetchCtx)
		cancel()
		if err != nil {
			e.logger.WithField("venue", name).Debugf("balance fetch failed: %v", err)
			continue
		}
		fresh[name] = balances
	}

	e.mu.Lock()
	e.balances = fresh
	e.balancesAt = time.Now()
	e.mu.Unlock()
	return fresh
}

func (e *Engine) estExecSeconds(buyVenue, sellVenue string) float64 {
	est := 2.0
	if connector.VenueInfoFor(buyVenue).DEX || connector.VenueInfoFor(sellVenue).DEX {
		est += 3.0
	}
	return est
}

// riskScore blends price volatility (confidence complement), top-of-book
// liquidity coverage of the intended size, and venue trust into [0,1].
func (e *Engine) riskScore(ctx context.Context, opp *types.Opportunity) float64 {
	volatility := clamp01(1 - opp.Confidence)
	liquidity := e.liquidityCoverage(ctx, opp)
	venuePenalty := clamp01(1 - minFloat(
		connector.VenueInfoFor(opp.BuyVenue).Trust,
		connector.VenueInfoFor(opp.SellVenue).Trust))

	return clamp01(e.cfg.WeightVolatility*volatility +
		e.cfg.WeightLiquidity*(1-liquidity) +
		e.cfg.WeightVenue*venuePenalty)
}

// liquidityCoverage is how much of the intended size the top of both books
// can absorb, in [0,1]. Missing books count as zero coverage.
func (e *Engine) liquidityCoverage(ctx context.Context, opp *types.Opportunity) float64 {
	coverage := func(venue string, wantBid bool) float64 {
		conn, err := e.registry.Get(venue)
		if err != nil {
			return 0
		}
		bookCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		book, err := conn.GetOrderBook(bookCtx, opp.Symbol, 5)
		cancel()
		if err != nil {
			return 0
		}
		var level types.PriceLevel
		var ok bool
		if wantBid {
			level, ok = book.BestBid()
		} else {
			level, ok = book.BestAsk()
		}
		if !ok || !opp.TradableSize.IsPositive() {
			return 0
		}
		c, _ := level.Quantity.Div(opp.TradableSize).Float64()
		return clamp01(c)
	}

	// Buying hits the buy venue's asks, selling hits the sell venue's bids.
	return minFloat(coverage(opp.BuyVenue, false), coverage(opp.SellVenue, true))
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

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
