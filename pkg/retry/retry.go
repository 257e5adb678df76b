// Package retry wraps venue I/O with the shared retry+timeout policy:
// bounded attempts with exponential backoff inside a hard per-call budget.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xarb-io/xarb/pkg/xerr"
)

// Policy is the retry+timeout configuration applied to a class of calls.
type Policy struct {
	Attempts  int           // total attempts, not counting the budget cutoff
	BaseDelay time.Duration // first backoff interval
	Backoff   float64       // interval multiplier between attempts
	Budget    time.Duration // hard deadline for the whole call
}

// Default is the connector-wide policy: 3 attempts, 200 ms exponential
// backoff, 5 s budget.
var Default = Policy{
	Attempts:  3,
	BaseDelay: 200 * time.Millisecond,
	Backoff:   2.0,
	Budget:    5 * time.Second,
}

// Do runs fn under the policy. Permanent errors (REJECTED, INVALID) stop
// immediately. Exceeding the budget yields TIMEOUT; exhausting attempts on
// transport failures yields UNAVAILABLE.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p = Default
	}

	ctx, cancel := context.WithTimeout(ctx, p.Budget)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Backoff
	eb.MaxElapsedTime = p.Budget
	eb.RandomizationFactor = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !xerr.Retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, policy)
	if err == nil {
		return nil
	}

	// backoff.Retry hands Permanent errors back unwrapped; they carry the
	// venue's own kind (REJECTED, INVALID) and must not be relabelled.
	if lastErr != nil && !xerr.Retryable(lastErr) {
		return lastErr
	}

	if ctx.Err() != nil {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return xerr.Wrap(xerr.Timeout, lastErr, "%s exceeded %s budget", op, p.Budget)
	}
	return xerr.Wrap(xerr.Unavailable, lastErr, "%s failed after %d attempts", op, p.Attempts)
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}
