// Package executor turns accepted opportunities into paired buy/sell
// executions with bounded concurrency, per-pair exclusivity and rollback of
// stranded legs.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/internal/orders"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// TradeRecorder receives realized results for risk accounting.
type TradeRecorder interface {
	RecordTrade(netPnl decimal.Decimal)
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	MaxConcurrent int // global semaphore over active executions
	SafetyFactor  float64
	PollInterval  time.Duration // leg status poll cadence while awaiting
	// MaxConsecutiveFailures trips the engine breaker; CooldownPeriod is
	// how long it stays tripped.
	MaxConsecutiveFailures int
	CooldownPeriod         time.Duration

	// Metrics is optional; nil disables recording.
	Metrics *monitor.Metrics
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.SafetyFactor <= 0 {
		c.SafetyFactor = 2.0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 5 * time.Minute
	}
}

// Engine executes opportunities. Safe for concurrent use; each call to
// Execute runs one state machine to a terminal status.
type Engine struct {
	orders *orders.Manager
	risk   TradeRecorder
	events bus.Bus
	cfg    Config
	logger *logrus.Entry

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool // (symbol,buyVenue,sellVenue) -> active

	failStreak  int
	trippedTill time.Time

	history *history
}

// NewEngine creates an execution engine. risk and events may be nil in tests.
func NewEngine(om *orders.Manager, risk TradeRecorder, events bus.Bus, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		orders:   om,
		risk:     risk,
		events:   events,
		cfg:      cfg,
		logger:   logrus.WithField("component", "executor"),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inFlight: make(map[string]bool),
		history:  newHistory(1000),
	}
}

func pairKey(opp *types.Opportunity) string {
	return opp.Symbol + "|" + opp.BuyVenue + "|" + opp.SellVenue
}

// Execute runs one opportunity to a terminal execution. At most one
// execution is in flight per (symbol, buyVenue, sellVenue); a duplicate is
// rejected immediately rather than queued, since its prices would be stale
// by the time the first finishes.
func (e *Engine) Execute(ctx context.Context, opp *types.Opportunity) (*types.Execution, error) {
	e.mu.Lock()
	if !e.trippedTill.IsZero() && time.Now().Before(e.trippedTill) {
		till := e.trippedTill
		e.mu.Unlock()
		return nil, xerr.New(xerr.Unavailable, "execution paused until %s after repeated failures",
			till.Format(time.RFC3339))
	}
	key := pairKey(opp)
	if e.inFlight[key] {
		e.mu.Unlock()
		return nil, xerr.New(xerr.Rejected, "execution already in flight for %s", key)
	}
	e.inFlight[key] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, xerr.Wrap(xerr.Timeout, ctx.Err(), "awaiting execution slot")
	}
	defer func() { <-e.sem }()

	exec := &types.Execution{
		ID:          opp.ID,
		Opportunity: opp,
		Status:      types.ExecutionPending,
		StartedAt:   time.Now(),
	}
	e.run(ctx, exec)

	exec.FinishedAt = time.Now()
	exec.Elapsed = exec.FinishedAt.Sub(exec.StartedAt)
	e.finish(ctx, exec)
	return exec, nil
}

// run drives the state machine to a terminal status.
func (e *Engine) run(ctx context.Context, exec *types.Execution) {
	opp := exec.Opportunity
	exec.Status = types.ExecutionPlacing

	buyReq := &types.Order{
		ID:          opp.ID + "-buy",
		Symbol:      opp.Symbol,
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeMarket,
		Quantity:    opp.TradableSize,
		Venue:       opp.BuyVenue,
		ExecutionID: exec.ID,
	}
	sellReq := &types.Order{
		ID:          opp.ID + "-sell",
		Symbol:      opp.Symbol,
		Side:        types.OrderSideSell,
		Type:        types.OrderTypeMarket,
		Quantity:    opp.TradableSize,
		Venue:       opp.SellVenue,
		ExecutionID: exec.ID,
	}

	// Both legs go out concurrently; a leg that fails submission is treated
	// as a FAILED leg in the await below.
	var wg sync.WaitGroup
	var buyErr, sellErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, buyErr = e.orders.Submit(ctx, buyReq)
	}()
	go func() {
		defer wg.Done()
		_, sellErr = e.orders.Submit(ctx, sellReq)
	}()
	wg.Wait()
	exec.BuyOrderID = buyReq.ID
	exec.SellOrderID = sellReq.ID

	deadline := e.legDeadline(opp)
	buy := e.awaitLeg(ctx, buyReq.ID, buyErr, deadline)
	sell := e.awaitLeg(ctx, sellReq.ID, sellErr, deadline)

	buyFilled := buy != nil && buy.Status == types.OrderStatusFilled
	sellFilled := sell != nil && sell.Status == types.OrderStatusFilled
	// A cancelled or expired leg can still carry a partial fill; that
	// inventory must be reversed, not abandoned.
	buyHasFill := buy != nil && buy.FilledQty.IsPositive()
	sellHasFill := sell != nil && sell.FilledQty.IsPositive()

	switch {
	case buyFilled && sellFilled:
		e.complete(exec, buy, sell)
	case buyHasFill && sellHasFill:
		// Unequal fills: the overlap is a hedged round trip, the excess on
		// the larger leg is reversed like a stranded fill.
		e.complete(exec, buy, sell)
		e.reverseExcess(ctx, exec, buy, sell)
	case buyHasFill != sellHasFill:
		e.rollback(ctx, exec, buy, sell, buyHasFill)
	default:
		exec.Status = types.ExecutionFailed
		exec.Error = legError("buy", buyErr, buy)
		if sellMsg := legError("sell", sellErr, sell); sellMsg != "" {
			if exec.Error != "" {
				exec.Error += "; "
			}
			exec.Error += sellMsg
		}
	}
}

func legError(side string, submitErr error, order *types.Order) string {
	if submitErr != nil {
		return fmt.Sprintf("%s leg: %v", side, submitErr)
	}
	if order == nil {
		return fmt.Sprintf("%s leg: no terminal state before deadline", side)
	}
	if order.Status != types.OrderStatusFilled {
		return fmt.Sprintf("%s leg: %s", side, order.Status)
	}
	return ""
}

func (e *Engine) legDeadline(opp *types.Opportunity) time.Time {
	est := opp.EstExecSeconds
	if est <= 0 {
		est = 5
	}
	wait := time.Duration(est * e.cfg.SafetyFactor * float64(time.Second))
	return time.Now().Add(wait)
}

// awaitLeg polls the order until it is terminal or the deadline passes. A
// leg whose submission already failed resolves immediately. On deadline the
// leg is cancelled so it cannot fill after the execution settles.
func (e *Engine) awaitLeg(ctx context.Context, orderID string, submitErr error, deadline time.Time) *types.Order {
	if submitErr != nil {
		order, _ := e.orders.Get(orderID)
		return order
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		order, ok := e.orders.Get(orderID)
		if ok && order.IsTerminal() {
			return order
		}
		if time.Now().After(deadline) {
			if err := e.orders.Cancel(ctx, orderID, "execution deadline"); err != nil {
				e.logger.Debugf("deadline cancel of %s: %v", orderID, err)
			}
			order, _ := e.orders.Get(orderID)
			return order
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			order, _ := e.orders.Get(orderID)
			return order
		}
	}
}

func (e *Engine) complete(exec *types.Execution, buy, sell *types.Order) {
	qty := decimal.Min(buy.FilledQty, sell.FilledQty)
	fees := takerFees(buy).Add(takerFees(sell))
	exec.FeesPaid = fees
	exec.NetProfit = sell.AvgPrice.Mul(qty).Sub(buy.AvgPrice.Mul(qty)).Sub(fees)
	exec.Status = types.ExecutionCompleted
}

// rollback reverses the filled leg at market with the filled size, capping
// the loss at the round trip cost instead of holding an unhedged position.
func (e *Engine) rollback(ctx context.Context, exec *types.Execution, buy, sell *types.Order, buyFilled bool) {
	filled := sell
	reverseSide := types.OrderSideBuy
	if buyFilled {
		filled = buy
		reverseSide = types.OrderSideSell
	}

	reverse := &types.Order{
		ID:          exec.ID + "-rollback",
		Symbol:      filled.Symbol,
		Side:        reverseSide,
		Type:        types.OrderTypeMarket,
		Quantity:    filled.FilledQty,
		Venue:       filled.Venue,
		ExecutionID: exec.ID,
	}
	placed, err := e.orders.Submit(ctx, reverse)
	if err != nil {
		// The position is stranded; surface loudly and leave FAILED.
		e.logger.WithField("venue", filled.Venue).
			Errorf("rollback of %s failed, unhedged %s %s: %v",
				exec.ID, filled.FilledQty, filled.Symbol, err)
		exec.Status = types.ExecutionFailed
		exec.Error = fmt.Sprintf("rollback failed: %v", err)
		return
	}
	placed = e.awaitReverse(ctx, placed)

	exec.Status = types.ExecutionRolledBack
	exec.FeesPaid = takerFees(filled).Add(takerFees(placed))
	if buyFilled {
		// Bought then sold back.
		exec.NetProfit = placed.AvgPrice.Mul(placed.FilledQty).
			Sub(filled.AvgPrice.Mul(filled.FilledQty)).
			Sub(exec.FeesPaid)
	} else {
		// Sold then bought back.
		exec.NetProfit = filled.AvgPrice.Mul(filled.FilledQty).
			Sub(placed.AvgPrice.Mul(placed.FilledQty)).
			Sub(exec.FeesPaid)
	}
	exec.Error = "one leg failed, filled leg reversed"
}

// awaitReverse settles the reversal order before its fill price is used, so
// the reported PnL never comes from a venue's immediate PENDING answer.
func (e *Engine) awaitReverse(ctx context.Context, placed *types.Order) *types.Order {
	if placed.IsTerminal() {
		return placed
	}
	deadline := time.Now().Add(time.Duration(5 * e.cfg.SafetyFactor * float64(time.Second)))
	if final := e.awaitLeg(ctx, placed.ID, nil, deadline); final != nil {
		return final
	}
	return placed
}

// reverseExcess unwinds the fill imbalance left when both legs filled but by
// different quantities. The execution settles as PARTIAL.
func (e *Engine) reverseExcess(ctx context.Context, exec *types.Execution, buy, sell *types.Order) {
	diff := buy.FilledQty.Sub(sell.FilledQty)
	if diff.IsZero() {
		return
	}
	over := buy
	side := types.OrderSideSell
	if diff.IsNegative() {
		over = sell
		side = types.OrderSideBuy
		diff = diff.Neg()
	}

	reverse := &types.Order{
		ID:          exec.ID + "-rollback",
		Symbol:      over.Symbol,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Quantity:    diff,
		Venue:       over.Venue,
		ExecutionID: exec.ID,
	}
	placed, err := e.orders.Submit(ctx, reverse)
	if err != nil {
		e.logger.WithField("venue", over.Venue).
			Errorf("excess reversal of %s failed, unhedged %s %s: %v",
				exec.ID, diff, over.Symbol, err)
		exec.Status = types.ExecutionFailed
		exec.Error = fmt.Sprintf("excess reversal failed: %v", err)
		return
	}
	placed = e.awaitReverse(ctx, placed)

	fees := takerFees(placed)
	var pnl decimal.Decimal
	if side == types.OrderSideSell {
		// Bought the excess, sold it back.
		pnl = placed.AvgPrice.Sub(over.AvgPrice).Mul(placed.FilledQty)
	} else {
		// Sold the excess, bought it back.
		pnl = over.AvgPrice.Sub(placed.AvgPrice).Mul(placed.FilledQty)
	}
	exec.Status = types.ExecutionPartial
	exec.FeesPaid = exec.FeesPaid.Add(fees)
	exec.NetProfit = exec.NetProfit.Add(pnl).Sub(fees)
	exec.Error = "legs filled unevenly, excess reversed"
}

func takerFees(order *types.Order) decimal.Decimal {
	if order == nil {
		return decimal.Zero
	}
	notional := order.AvgPrice.Mul(order.FilledQty)
	return notional.Mul(connector.TakerFeeFor(order.Venue))
}

// finish publishes the terminal execution, updates history and stats, feeds
// risk accounting, and drives the failure breaker.
func (e *Engine) finish(ctx context.Context, exec *types.Execution) {
	e.history.record(exec)
	e.cfg.Metrics.ExecutionFinished(exec.Status)
	if e.risk != nil && (exec.Status == types.ExecutionCompleted ||
		exec.Status == types.ExecutionRolledBack || exec.Status == types.ExecutionPartial) {
		e.risk.RecordTrade(exec.NetProfit)
	}

	e.mu.Lock()
	if exec.Status == types.ExecutionCompleted {
		e.failStreak = 0
		e.trippedTill = time.Time{}
	} else {
		e.failStreak++
		if e.failStreak >= e.cfg.MaxConsecutiveFailures {
			e.trippedTill = time.Now().Add(e.cfg.CooldownPeriod)
			e.logger.Warnf("%d consecutive failed executions, pausing until %s",
				e.failStreak, e.trippedTill.Format(time.RFC3339))
		}
	}
	e.mu.Unlock()

	if e.events != nil {
		if _, err := e.events.Publish(ctx, bus.StreamExecutions, exec); err != nil {
			e.logger.Debugf("execution publish failed: %v", err)
		}
	}

	e.logger.WithField("symbol", exec.Opportunity.Symbol).
		WithField("status", exec.Status).
		Infof("Execution %s finished in %s, net %s",
			exec.ID, exec.Elapsed.Round(time.Millisecond), exec.NetProfit.StringFixed(2))
}

// InFlight reports how many executions are currently active.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

// Paused reports whether the failure breaker currently blocks executions.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.trippedTill.IsZero() && time.Now().Before(e.trippedTill)
}

// History returns the most recent executions, newest first, up to n.
func (e *Engine) History(n int) []*types.Execution {
	return e.history.recent(n)
}

// Stats returns aggregate execution statistics.
func (e *Engine) Stats() Stats {
	return e.history.stats()
}
