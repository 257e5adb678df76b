package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/pkg/retry"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

func fastBase(name string) *Base {
	b := NewBase(name, types.ConcatCodec{}, 1000, 1000)
	b.policy = retry.Policy{
		Attempts:  2,
		BaseDelay: time.Millisecond,
		Backoff:   2,
		Budget:    time.Second,
	}
	return b
}

func TestCallRetriesTransientFailures(t *testing.T) {
	b := fastBase("binance")

	calls := 0
	err := b.Call(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return xerr.New(xerr.Unavailable, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	b := fastBase("binance")

	calls := 0
	err := b.Call(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return xerr.New(xerr.Rejected, "insufficient balance")
	})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Rejected))
	assert.Equal(t, 1, calls)
}

func TestCallPermanentErrorsDoNotTripBreaker(t *testing.T) {
	b := fastBase("binance")

	for i := 0; i < 10; i++ {
		err := b.Call(context.Background(), "op", func(ctx context.Context) error {
			return xerr.New(xerr.Invalid, "bad symbol")
		})
		require.Error(t, err)
	}
	assert.False(t, b.BreakerOpen())
}

func TestCallBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := fastBase("binance")

	for i := 0; i < 5; i++ {
		_ = b.Call(context.Background(), "op", func(ctx context.Context) error {
			return xerr.New(xerr.Unavailable, "down")
		})
	}
	require.True(t, b.BreakerOpen())

	err := b.Call(context.Background(), "op", func(ctx context.Context) error {
		t.Fatal("must not be called while breaker is open")
		return nil
	})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Unavailable))
}

func TestConnectedStateIsTracked(t *testing.T) {
	b := NewBase("binance", types.ConcatCodec{}, 10, 10)
	assert.False(t, b.IsConnected())
	b.SetConnected(true)
	assert.True(t, b.IsConnected())
	b.SetConnected(false)
	assert.False(t, b.IsConnected())
}
