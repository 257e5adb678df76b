// Package risk gates opportunities and positions against process-wide
// exposure limits. All accounting flows through a single goroutine; callers
// send records and read immutable snapshots, so no check ever blocks on a
// lock held across I/O.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// Limits are the static risk bounds. Zero decimal limits disable the
// corresponding check.
type Limits struct {
	MaxPositionSize  decimal.Decimal // notional per trade
	MaxDailyLoss     decimal.Decimal // cumulative, positive number
	MaxDailyTrades   int
	MaxPositionRisk  float64 // stop distance as fraction of entry
	MaxOpenPositions int
}

// DefaultLimits are conservative production bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:  decimal.NewFromInt(10_000),
		MaxDailyLoss:     decimal.NewFromInt(1_000),
		MaxDailyTrades:   100,
		MaxPositionRisk:  0.02,
		MaxOpenPositions: 10,
	}
}

// State is an immutable snapshot of the accounting at read time.
type State struct {
	DailyPnL           decimal.Decimal
	DailyTrades        int
	OpenPositions      int
	OpenPositionsValue decimal.Decimal
	MaxDrawdown        decimal.Decimal
	OpenSymbols        map[string]bool
	Day                time.Time
}

type command struct {
	// Exactly one of the following is set.
	trade    *decimal.Decimal
	open     *positionDelta
	closePos *positionDelta
	query    chan State
}

type positionDelta struct {
	symbol   string
	notional decimal.Decimal
	realized decimal.Decimal
}

// Manager owns the risk state. Start launches the accounting goroutine;
// until then record calls block.
type Manager struct {
	limits  Limits
	logger  *logrus.Entry
	metrics *monitor.Metrics

	cmdCh  chan command
	stopCh chan struct{}
	wg     sync.WaitGroup

	// now is swapped by tests to drive the UTC rollover.
	now func() time.Time
}

// Option customizes construction.
type Option func(*Manager)

// WithMetrics mirrors the daily PnL into monitoring.
func WithMetrics(mx *monitor.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a manager with the given limits.
func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits: limits,
		logger: logrus.WithField("component", "risk"),
		cmdCh:  make(chan command, 64),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the accounting loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop terminates the accounting loop after draining queued records.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	state := State{
		OpenSymbols: make(map[string]bool),
		Day:         m.utcDay(),
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-m.cmdCh:
			m.rollover(&state)
			m.apply(&state, cmd)
		case <-ticker.C:
			m.rollover(&state)
		case <-m.stopCh:
			// Drain pending accounting before exit.
			for {
				select {
				case cmd := <-m.cmdCh:
					m.apply(&state, cmd)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) apply(state *State, cmd command) {
	switch {
	case cmd.trade != nil:
		state.DailyPnL = state.DailyPnL.Add(*cmd.trade)
		state.DailyTrades++
		if state.DailyPnL.IsNegative() && state.DailyPnL.Neg().GreaterThan(state.MaxDrawdown) {
			state.MaxDrawdown = state.DailyPnL.Neg()
		}
		m.metrics.SetDailyPnL(state.DailyPnL.InexactFloat64())
	case cmd.open != nil:
		state.OpenPositions++
		state.OpenPositionsValue = state.OpenPositionsValue.Add(cmd.open.notional)
		state.OpenSymbols[cmd.open.symbol] = true
	case cmd.closePos != nil:
		if state.OpenPositions > 0 {
			state.OpenPositions--
		}
		state.OpenPositionsValue = state.OpenPositionsValue.Sub(cmd.closePos.notional)
		if state.OpenPositionsValue.IsNegative() {
			state.OpenPositionsValue = decimal.Zero
		}
		delete(state.OpenSymbols, cmd.closePos.symbol)
		state.DailyPnL = state.DailyPnL.Add(cmd.closePos.realized)
		m.metrics.SetDailyPnL(state.DailyPnL.InexactFloat64())
	case cmd.query != nil:
		snap := *state
		snap.OpenSymbols = make(map[string]bool, len(state.OpenSymbols))
		for k, v := range state.OpenSymbols {
			snap.OpenSymbols[k] = v
		}
		cmd.query <- snap
	}
}

func (m *Manager) utcDay() time.Time {
	return m.now().UTC().Truncate(24 * time.Hour)
}

func (m *Manager) rollover(state *State) {
	day := m.utcDay()
	if day.Equal(state.Day) {
		return
	}
	m.logger.WithField("pnl", state.DailyPnL.String()).
		WithField("trades", state.DailyTrades).
		Info("Daily risk counters reset")
	state.DailyPnL = decimal.Zero
	state.DailyTrades = 0
	state.MaxDrawdown = decimal.Zero
	state.Day = day
	m.metrics.SetDailyPnL(0)
}

// RecordTrade accounts one realized trade result.
func (m *Manager) RecordTrade(netPnl decimal.Decimal) {
	m.cmdCh <- command{trade: &netPnl}
}

// PositionOpened registers an open position for exposure and correlation
// tracking.
func (m *Manager) PositionOpened(symbol string, notional decimal.Decimal) {
	m.cmdCh <- command{open: &positionDelta{symbol: symbol, notional: notional}}
}

// PositionClosed releases the exposure and accounts the realized PnL.
func (m *Manager) PositionClosed(symbol string, notional, realized decimal.Decimal) {
	m.cmdCh <- command{closePos: &positionDelta{symbol: symbol, notional: notional, realized: realized}}
}

// State returns a snapshot of the accounting.
func (m *Manager) State() State {
	reply := make(chan State, 1)
	m.cmdCh <- command{query: reply}
	return <-reply
}

// IsOpportunitySafe applies every limit against a snapshot. A violation
// returns a RISK_BLOCKED error naming the tripped limit.
func (m *Manager) IsOpportunitySafe(opp *types.Opportunity) error {
	state := m.State()
	notional := opp.Notional()

	if m.limits.MaxPositionSize.IsPositive() && notional.GreaterThan(m.limits.MaxPositionSize) {
		return xerr.New(xerr.RiskBlocked, "notional %s exceeds max position size %s",
			notional.StringFixed(2), m.limits.MaxPositionSize.StringFixed(2))
	}
	if m.limits.MaxDailyTrades > 0 && state.DailyTrades >= m.limits.MaxDailyTrades {
		return xerr.New(xerr.RiskBlocked, "daily trade limit %d reached", m.limits.MaxDailyTrades)
	}
	if m.limits.MaxDailyLoss.IsPositive() {
		// Worst case assumes the stop distance is fully lost on this trade.
		worstCase := notional.Mul(decimal.NewFromFloat(m.limits.MaxPositionRisk))
		if state.DailyPnL.Sub(worstCase).LessThan(m.limits.MaxDailyLoss.Neg()) {
			return xerr.New(xerr.RiskBlocked, "daily loss limit %s would be breached",
				m.limits.MaxDailyLoss.StringFixed(2))
		}
	}
	if m.limits.MaxOpenPositions > 0 && state.OpenPositions >= m.limits.MaxOpenPositions {
		return xerr.New(xerr.RiskBlocked, "open position limit %d reached", m.limits.MaxOpenPositions)
	}
	if state.OpenSymbols[opp.Symbol] {
		return xerr.New(xerr.RiskBlocked, "position already open on %s", opp.Symbol)
	}
	return nil
}

// CanOpenPosition validates a directional position before the position
// manager opens it.
func (m *Manager) CanOpenPosition(p *types.Position) error {
	state := m.State()
	notional := p.Size.Mul(p.EntryPrice)

	if m.limits.MaxPositionSize.IsPositive() && notional.GreaterThan(m.limits.MaxPositionSize) {
		return xerr.New(xerr.RiskBlocked, "notional %s exceeds max position size %s",
			notional.StringFixed(2), m.limits.MaxPositionSize.StringFixed(2))
	}
	if m.limits.MaxOpenPositions > 0 && state.OpenPositions >= m.limits.MaxOpenPositions {
		return xerr.New(xerr.RiskBlocked, "open position limit %d reached", m.limits.MaxOpenPositions)
	}
	if state.OpenSymbols[p.Symbol] {
		return xerr.New(xerr.RiskBlocked, "position already open on %s", p.Symbol)
	}
	if m.limits.MaxPositionRisk > 0 && p.StopPrice.IsPositive() && p.EntryPrice.IsPositive() {
		dist := p.EntryPrice.Sub(p.StopPrice).Abs().Div(p.EntryPrice)
		if dist.GreaterThan(decimal.NewFromFloat(m.limits.MaxPositionRisk)) {
			return xerr.New(xerr.RiskBlocked, "stop distance %s exceeds max position risk %.4f",
				dist.StringFixed(4), m.limits.MaxPositionRisk)
		}
	}
	return nil
}
