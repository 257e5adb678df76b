// Package source holds read-only reference price feeds that supplement
// venue data during aggregation. Sources never participate in execution.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// Default returns the standard reference feeds.
func Default() []types.AltSource {
	return []types.AltSource{
		NewCoinGecko(),
		NewCoinPaprika(),
	}
}

// Static is a seeded in-memory source used by tests.
type Static struct {
	name string

	mu     sync.RWMutex
	prices map[string]float64

	// Fail makes every fetch return UNAVAILABLE.
	Fail bool
	// Delay is imposed before answering, to exercise fan-out deadlines.
	Delay time.Duration
}

// NewStatic creates a static source.
func NewStatic(name string) *Static {
	return &Static{name: name, prices: make(map[string]float64)}
}

// SetPrice seeds a reference price.
func (s *Static) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *Static) Name() string { return s.name }

func (s *Static) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, xerr.Wrap(xerr.Timeout, ctx.Err(), "%s", s.name)
		}
	}
	if s.Fail {
		return nil, xerr.New(xerr.Unavailable, "%s down", s.name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*types.Ticker)
	now := time.Now()
	for _, symbol := range symbols {
		price, ok := s.prices[symbol]
		if !ok {
			continue
		}
		out[symbol] = &types.Ticker{
			Symbol:    symbol,
			Last:      decimal.NewFromFloat(price),
			Timestamp: now,
			Source:    s.name,
		}
	}
	return out, nil
}
