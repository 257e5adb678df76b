package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xarb-io/xarb/pkg/retry"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// Base carries the plumbing shared by every venue adapter: connection flag,
// per-venue rate limiter, circuit breaker and the retry+timeout policy that
// wraps all I/O.
type Base struct {
	name   string
	codec  types.SymbolCodec
	logger *logrus.Entry

	mu        sync.RWMutex
	connected bool

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
}

// NewBase builds the shared adapter plumbing. rps bounds request rate to
// the venue; the breaker opens after five consecutive transport failures.
func NewBase(name string, codec types.SymbolCodec, rps float64, burst int) *Base {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &Base{
		name:   name,
		codec:  codec,
		logger: logrus.WithField("venue", name),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		policy: retry.Default,
	}
}

// Name returns the canonical venue name.
func (b *Base) Name() string { return b.name }

// Logger returns the venue-scoped log entry.
func (b *Base) Logger() *logrus.Entry { return b.logger }

// Codec returns the venue's symbol codec.
func (b *Base) Codec() types.SymbolCodec { return b.codec }

// IsConnected reports the adapter's connection state.
func (b *Base) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// SetConnected records the connection state.
func (b *Base) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// BreakerOpen reports whether the venue's circuit breaker is open.
func (b *Base) BreakerOpen() bool {
	return b.breaker.State() == gobreaker.StateOpen
}

// Call runs fn under the rate limiter, circuit breaker and retry policy.
// Permanent venue errors (REJECTED, INVALID) pass through without counting
// against the breaker.
func (b *Base) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return xerr.Wrap(xerr.Timeout, err, "%s rate wait", op)
	}

	var permErr error
	_, err := b.breaker.Execute(func() (interface{}, error) {
		err := b.policy.Do(ctx, op, fn)
		if err != nil && !xerr.Retryable(err) {
			// The venue answered; do not trip the breaker.
			permErr = err
			return nil, nil
		}
		return nil, err
	})
	if permErr != nil {
		return permErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return xerr.Wrap(xerr.Unavailable, err, "%s breaker open for %s", op, b.name)
	}
	return err
}
