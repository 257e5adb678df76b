package signal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
)

func update(indicator string, value float64) types.IndicatorUpdate {
	return types.IndicatorUpdate{
		Symbol:    "BTC/USDT",
		Indicator: indicator,
		Value:     decimal.NewFromFloat(value),
		Price:     decimal.NewFromInt(50000),
		Timestamp: time.Now(),
	}
}

func TestEvaluateThresholds(t *testing.T) {
	g := New(nil, Config{})

	buy := g.Evaluate(update("rsi", 25))
	require.NotNil(t, buy)
	assert.Equal(t, types.SignalActionBuy, buy.Action)
	assert.Equal(t, "rsi", buy.Indicator)
	assert.Greater(t, buy.Strength, 0.5)
	assert.LessOrEqual(t, buy.Strength, 1.0)

	sell := g.Evaluate(update("rsi", 85))
	require.NotNil(t, sell)
	assert.Equal(t, types.SignalActionSell, sell.Action)

	assert.Nil(t, g.Evaluate(update("rsi", 50)), "neutral value must not fire")
	assert.Nil(t, g.Evaluate(update("macd", 25)), "unknown indicator must not fire")
}

func TestEvaluateAtExactBound(t *testing.T) {
	g := New(nil, Config{})

	sig := g.Evaluate(update("stoch_k", 20))
	require.NotNil(t, sig)
	assert.Equal(t, types.SignalActionBuy, sig.Action)
	assert.InDelta(t, 0.5, sig.Strength, 0.001)
}

func TestGeneratorEmitsOnIndicatorStream(t *testing.T) {
	events := bus.NewMemoryBus(1000)
	defer events.Close()

	g := New(events, Config{})
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	_, err := events.Publish(context.Background(), bus.StreamIndicators, update("rsi", 22))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return events.Len(bus.StreamSignals) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	events := bus.NewMemoryBus(1000)
	defer events.Close()

	g := New(events, Config{Cooldown: time.Hour})
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := events.Publish(ctx, bus.StreamIndicators, update("rsi", 22))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return events.Len(bus.StreamSignals) == 1
	}, 2*time.Second, 10*time.Millisecond)
	// Give the consumer a chance to process the remaining updates.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, events.Len(bus.StreamSignals))

	// The opposite action is not throttled by the BUY cooldown.
	_, err := events.Publish(ctx, bus.StreamIndicators, update("rsi", 90))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return events.Len(bus.StreamSignals) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
