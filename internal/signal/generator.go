// Package signal turns computed indicator values into trading signals. The
// generator consumes the indicators stream, applies per-indicator threshold
// rules and publishes BUY/SELL signals for the position layer.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
)

// Rule is one threshold pair for an indicator. A zero bound disables that
// side; values at or beyond a bound fire the corresponding action.
type Rule struct {
	Indicator string
	BuyBelow  decimal.Decimal
	SellAbove decimal.Decimal
}

// DefaultRules covers the oscillators the indicator pipeline publishes.
func DefaultRules() []Rule {
	return []Rule{
		{Indicator: "rsi", BuyBelow: decimal.NewFromInt(30), SellAbove: decimal.NewFromInt(70)},
		{Indicator: "stoch_k", BuyBelow: decimal.NewFromInt(20), SellAbove: decimal.NewFromInt(80)},
	}
}

// Config tunes one generator. Zero values take defaults.
type Config struct {
	Rules []Rule
	// Cooldown suppresses repeat signals for the same symbol and action.
	Cooldown time.Duration
	Group    string
	Consumer string
}

func (c *Config) defaults() {
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Group == "" {
		c.Group = "signal-generator"
	}
	if c.Consumer == "" {
		c.Consumer = "generator-1"
	}
}

// Generator consumes indicator updates and emits signals.
type Generator struct {
	events bus.Bus
	cfg    Config
	rules  map[string]Rule
	logger *logrus.Entry

	mu       sync.Mutex
	lastSent map[string]time.Time // symbol|action -> emit time
	consumer bus.Consumer
}

func New(events bus.Bus, cfg Config) *Generator {
	cfg.defaults()
	rules := make(map[string]Rule, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[r.Indicator] = r
	}
	return &Generator{
		events:   events,
		cfg:      cfg,
		rules:    rules,
		logger:   logrus.WithField("component", "signal"),
		lastSent: make(map[string]time.Time),
	}
}

// Start attaches the consumer loop to the indicators stream.
func (g *Generator) Start(ctx context.Context) error {
	consumer, err := g.events.Consume(ctx, bus.StreamIndicators, g.cfg.Group, g.cfg.Consumer, g.handle)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.consumer = consumer
	g.mu.Unlock()
	return nil
}

// Stop terminates the consumer loop.
func (g *Generator) Stop() {
	g.mu.Lock()
	consumer := g.consumer
	g.consumer = nil
	g.mu.Unlock()
	if consumer != nil {
		consumer.Stop()
	}
}

func (g *Generator) handle(ctx context.Context, msg bus.Message) error {
	var update types.IndicatorUpdate
	if err := msg.Decode(&update); err != nil {
		g.logger.Debugf("undecodable indicator message %d: %v", msg.ID, err)
		return nil // poison messages are dropped, not redelivered
	}

	sig := g.Evaluate(update)
	if sig == nil {
		return nil
	}
	if !g.claimCooldown(sig.Symbol, sig.Action, sig.Timestamp) {
		return nil
	}

	if _, err := g.events.Publish(ctx, bus.StreamSignals, sig); err != nil {
		return err
	}
	g.logger.WithField("symbol", sig.Symbol).
		Infof("%s signal from %s=%s (strength %.2f)", sig.Action, update.Indicator, update.Value, sig.Strength)
	return nil
}

// Evaluate applies the rule for the update's indicator. It returns nil when
// no rule matches or the value sits between the bounds.
func (g *Generator) Evaluate(update types.IndicatorUpdate) *types.Signal {
	rule, ok := g.rules[update.Indicator]
	if !ok {
		return nil
	}

	var action types.SignalAction
	var bound decimal.Decimal
	switch {
	case !rule.BuyBelow.IsZero() && update.Value.LessThanOrEqual(rule.BuyBelow):
		action, bound = types.SignalActionBuy, rule.BuyBelow
	case !rule.SellAbove.IsZero() && update.Value.GreaterThanOrEqual(rule.SellAbove):
		action, bound = types.SignalActionSell, rule.SellAbove
	default:
		return nil
	}

	ts := update.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &types.Signal{
		ID:        uuid.NewString(),
		Symbol:    update.Symbol,
		Action:    action,
		Strength:  strength(update.Value, bound),
		Price:     update.Price,
		Indicator: update.Indicator,
		Reason:    update.Indicator + " crossed " + bound.String(),
		Timestamp: ts,
	}
}

func (g *Generator) claimCooldown(symbol, action string, now time.Time) bool {
	key := symbol + "|" + action
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastSent[key]; ok && now.Sub(last) < g.cfg.Cooldown {
		return false
	}
	g.lastSent[key] = now
	return true
}

// strength grows with the distance beyond the threshold, starting at 0.5 at
// the bound itself.
func strength(value, bound decimal.Decimal) float64 {
	if bound.IsZero() {
		return 0.5
	}
	dist, _ := value.Sub(bound).Abs().Div(bound).Float64()
	s := 0.5 + dist
	if s > 1 {
		return 1
	}
	return s
}
