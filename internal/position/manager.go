// Package position tracks directional positions opened from trading signals.
// The manager consumes signals, aggregated ticks and execution results from
// the event bus, sizes entries with risk-fraction sizing, applies stop and
// take exits on price updates and publishes open/close events.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// RiskGate is the slice of the risk manager the position layer needs.
type RiskGate interface {
	CanOpenPosition(p *types.Position) error
	PositionOpened(symbol string, notional decimal.Decimal)
	PositionClosed(symbol string, notional, realized decimal.Decimal)
}

// ClosedEvent is the payload published when a position is closed.
type ClosedEvent struct {
	Position *types.Position `json:"position"`
	Reason   string          `json:"reason"`
}

// Close reasons.
const (
	CloseReasonSignal = "signal"
	CloseReasonStop   = "stop_loss"
	CloseReasonTake   = "take_profit"
)

// Config tunes one manager. Zero values take defaults.
type Config struct {
	// Equity is the account equity the risk fraction is applied to.
	Equity decimal.Decimal
	// RiskFraction is the share of equity put at risk per position.
	RiskFraction decimal.Decimal
	// StopPct / TakePct place the protective prices relative to entry.
	StopPct decimal.Decimal
	TakePct decimal.Decimal
	// MinStrength ignores weak signals.
	MinStrength float64
	Group       string
	Consumer    string

	// Metrics is optional; nil disables recording.
	Metrics *monitor.Metrics
}

func (c *Config) defaults() {
	if c.Equity.IsZero() {
		c.Equity = decimal.NewFromInt(10_000)
	}
	if c.RiskFraction.IsZero() {
		c.RiskFraction = decimal.NewFromFloat(0.01)
	}
	if c.StopPct.IsZero() {
		c.StopPct = decimal.NewFromFloat(0.02)
	}
	if c.TakePct.IsZero() {
		c.TakePct = decimal.NewFromFloat(0.04)
	}
	if c.MinStrength <= 0 {
		c.MinStrength = 0.6
	}
	if c.Group == "" {
		c.Group = "position-manager"
	}
	if c.Consumer == "" {
		c.Consumer = "manager-1"
	}
}

// Manager owns the open-position book.
type Manager struct {
	events bus.Bus
	risk   RiskGate
	cfg    Config
	logger *logrus.Entry

	mu        sync.RWMutex
	open      map[string]*types.Position // by symbol; at most one per symbol
	closed    []*types.Position
	realized  decimal.Decimal // realized PnL of closed positions
	arbProfit decimal.Decimal // net PnL reported by arbitrage executions
	consumers []bus.Consumer
}

func NewManager(events bus.Bus, risk RiskGate, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		events: events,
		risk:   risk,
		cfg:    cfg,
		logger: logrus.WithField("component", "position"),
		open:   make(map[string]*types.Position),
	}
}

// Start attaches the consumer loops.
func (m *Manager) Start(ctx context.Context) error {
	streams := []struct {
		name    string
		handler bus.Handler
	}{
		{bus.StreamSignals, m.handleSignal},
		{bus.StreamMarketTicks, m.handleTick},
		{bus.StreamExecutions, m.handleExecution},
	}
	for _, s := range streams {
		consumer, err := m.events.Consume(ctx, s.name, m.cfg.Group, m.cfg.Consumer, s.handler)
		if err != nil {
			m.Stop()
			return err
		}
		m.mu.Lock()
		m.consumers = append(m.consumers, consumer)
		m.mu.Unlock()
	}
	return nil
}

// Stop terminates the consumer loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	consumers := m.consumers
	m.consumers = nil
	m.mu.Unlock()
	for _, c := range consumers {
		c.Stop()
	}
}

func (m *Manager) handleSignal(ctx context.Context, msg bus.Message) error {
	var sig types.Signal
	if err := msg.Decode(&sig); err != nil {
		m.logger.Debugf("undecodable signal %d: %v", msg.ID, err)
		return nil
	}
	if sig.Action == types.SignalActionHold || sig.Strength < m.cfg.MinStrength {
		return nil
	}

	m.mu.Lock()
	existing := m.open[sig.Symbol]
	m.mu.Unlock()

	// A signal against an open position is an exit; with it, a no-op.
	if existing != nil {
		if opposes(existing.Side, sig.Action) {
			return m.close(ctx, existing, sig.Price, CloseReasonSignal)
		}
		return nil
	}
	return m.openFromSignal(ctx, &sig)
}

func (m *Manager) openFromSignal(ctx context.Context, sig *types.Signal) error {
	if !sig.Price.IsPositive() {
		return nil
	}

	side := types.PositionSideLong
	stopPx := sig.Price.Mul(decimal.NewFromInt(1).Sub(m.cfg.StopPct))
	takePx := sig.Price.Mul(decimal.NewFromInt(1).Add(m.cfg.TakePct))
	if sig.Action == types.SignalActionSell {
		side = types.PositionSideShort
		stopPx = sig.Price.Mul(decimal.NewFromInt(1).Add(m.cfg.StopPct))
		takePx = sig.Price.Mul(decimal.NewFromInt(1).Sub(m.cfg.TakePct))
	}

	// Risk-fraction sizing: the loss at the stop equals the risk budget.
	budget := m.cfg.Equity.Mul(m.cfg.RiskFraction)
	stopDist := sig.Price.Sub(stopPx).Abs()
	if !stopDist.IsPositive() {
		return nil
	}
	size := budget.Div(stopDist)

	p := &types.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Side:         side,
		Size:         size,
		EntryPrice:   sig.Price,
		CurrentPrice: sig.Price,
		StopPrice:    stopPx,
		TakePrice:    takePx,
		OpenedAt:     time.Now(),
	}
	if err := m.risk.CanOpenPosition(p); err != nil {
		if xerr.Is(err, xerr.RiskBlocked) {
			m.logger.WithField("symbol", p.Symbol).Debugf("open blocked: %v", err)
			return nil
		}
		return err
	}

	m.mu.Lock()
	if m.open[p.Symbol] != nil { // lost the race to a concurrent signal
		m.mu.Unlock()
		return nil
	}
	m.open[p.Symbol] = p
	m.cfg.Metrics.SetOpenPositions(len(m.open))
	m.mu.Unlock()

	m.risk.PositionOpened(p.Symbol, p.Size.Mul(p.EntryPrice))
	if _, err := m.events.Publish(ctx, bus.StreamPositionsOpened, p); err != nil {
		m.logger.Debugf("open publish failed: %v", err)
	}
	m.logger.WithField("symbol", p.Symbol).
		Infof("Opened %s %s @ %s (stop %s take %s)",
			p.Side, p.Size.StringFixed(6), p.EntryPrice, p.StopPrice.StringFixed(2), p.TakePrice.StringFixed(2))
	return nil
}

func (m *Manager) handleTick(ctx context.Context, msg bus.Message) error {
	var quote types.AggregatedQuote
	if err := msg.Decode(&quote); err != nil || quote.Symbol == "" || !quote.Mid.IsPositive() {
		return nil
	}

	m.mu.Lock()
	p := m.open[quote.Symbol]
	if p == nil {
		m.mu.Unlock()
		return nil
	}
	p.CurrentPrice = quote.Mid
	p.UnrealizedPnL = unrealized(p)
	exit := exitReason(p)
	m.mu.Unlock()

	if exit == "" {
		return nil
	}
	return m.close(ctx, p, quote.Mid, exit)
}

// handleExecution folds arbitrage outcomes into the portfolio ledger. The
// risk manager is credited by the executor directly, so only the local
// running total is kept here.
func (m *Manager) handleExecution(ctx context.Context, msg bus.Message) error {
	var exec types.Execution
	if err := msg.Decode(&exec); err != nil {
		return nil
	}
	switch exec.Status {
	case types.ExecutionCompleted, types.ExecutionRolledBack, types.ExecutionPartial:
		m.mu.Lock()
		m.arbProfit = m.arbProfit.Add(exec.NetProfit)
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) close(ctx context.Context, p *types.Position, px decimal.Decimal, reason string) error {
	m.mu.Lock()
	if m.open[p.Symbol] != p {
		m.mu.Unlock()
		return nil
	}
	delete(m.open, p.Symbol)
	m.cfg.Metrics.SetOpenPositions(len(m.open))

	now := time.Now()
	p.CurrentPrice = px
	p.RealizedPnL = unrealized(p)
	p.UnrealizedPnL = decimal.Zero
	p.ClosedAt = &now
	m.closed = append(m.closed, p)
	m.realized = m.realized.Add(p.RealizedPnL)
	m.mu.Unlock()

	m.risk.PositionClosed(p.Symbol, p.Size.Mul(p.EntryPrice), p.RealizedPnL)
	if _, err := m.events.Publish(ctx, bus.StreamPositionsClosed, ClosedEvent{Position: p, Reason: reason}); err != nil {
		m.logger.Debugf("close publish failed: %v", err)
	}
	m.logger.WithField("symbol", p.Symbol).
		Infof("Closed %s @ %s (%s, pnl %s)", p.Side, px, reason, p.RealizedPnL.StringFixed(2))
	return nil
}

// Open returns copies of the open positions.
func (m *Manager) Open() []*types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Position, 0, len(m.open))
	for _, p := range m.open {
		c := *p
		out = append(out, &c)
	}
	return out
}

// Get returns a copy of the open position on symbol, or nil.
func (m *Manager) Get(symbol string) *types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.open[symbol]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

// RealizedPnL is the running total over closed positions.
func (m *Manager) RealizedPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realized
}

// ArbitragePnL is the running net result of arbitrage executions.
func (m *Manager) ArbitragePnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.arbProfit
}

func opposes(side types.PositionSide, action types.SignalAction) bool {
	return (side == types.PositionSideLong && action == types.SignalActionSell) ||
		(side == types.PositionSideShort && action == types.SignalActionBuy)
}

func unrealized(p *types.Position) decimal.Decimal {
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	if p.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// exitReason checks the protective prices against the current mark.
func exitReason(p *types.Position) string {
	if p.Side == types.PositionSideLong {
		if p.StopPrice.IsPositive() && p.CurrentPrice.LessThanOrEqual(p.StopPrice) {
			return CloseReasonStop
		}
		if p.TakePrice.IsPositive() && p.CurrentPrice.GreaterThanOrEqual(p.TakePrice) {
			return CloseReasonTake
		}
		return ""
	}
	if p.StopPrice.IsPositive() && p.CurrentPrice.GreaterThanOrEqual(p.StopPrice) {
		return CloseReasonStop
	}
	if p.TakePrice.IsPositive() && p.CurrentPrice.LessThanOrEqual(p.TakePrice) {
		return CloseReasonTake
	}
	return ""
}
