package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(nil, nil)
	m := NewMock("binance")
	r.Add(m)

	got, err := r.Get("binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", got.Name())

	_, err = r.Get("unknown")
	assert.Error(t, err)
}

func TestRegistryCreateUnknownVenue(t *testing.T) {
	r := NewRegistry(map[string]Factory{}, nil)
	err := r.Create([]string{"nope"})
	assert.ErrorContains(t, err, "unsupported venue")
}

func TestRegistryConnectAllMarksFailures(t *testing.T) {
	r := NewRegistry(nil, nil)

	good := NewMock("binance")
	bad := NewMock("kraken")
	bad.FailConnect = true
	r.Add(good)
	r.Add(bad)

	r.ConnectAll(context.Background())

	assert.True(t, good.IsConnected())
	assert.False(t, bad.IsConnected())
	assert.True(t, r.Healthy("binance"))
	assert.False(t, r.Healthy("kraken"))
	assert.Equal(t, []string{"binance"}, r.Connected())
}

func TestRegistrySelectForArbitrage(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, name := range []string{"kraken", "binance", "coinbase", "uniswap"} {
		m := NewMock(name)
		require.NoError(t, m.Connect(context.Background()))
		r.Add(m)
	}

	top := r.SelectForArbitrage(2)
	require.Len(t, top, 2)
	// Binance dominates on trust, fees and volume.
	assert.Equal(t, "binance", top[0])

	all := r.SelectForArbitrage(10)
	assert.Len(t, all, 4)
}

func TestRegistryHealthRecovery(t *testing.T) {
	r := NewRegistry(nil, nil)
	m := NewMock("binance")
	m.SetTicker("BTC/USDT", 50000, 49990, 50010, 1e9)
	require.NoError(t, m.Connect(context.Background()))
	r.Add(m)

	m.FailData = true
	r.pingAll(context.Background())
	assert.False(t, r.Healthy("binance"))
	assert.Empty(t, r.Connected())

	m.FailData = false
	r.pingAll(context.Background())
	assert.True(t, r.Healthy("binance"))
	assert.Equal(t, []string{"binance"}, r.Connected())
}

func TestVenueInfoDefaults(t *testing.T) {
	info := VenueInfoFor("binance")
	assert.Equal(t, 0.95, info.Trust)
	assert.False(t, info.DEX)

	fallback := VenueInfoFor("newvenue")
	assert.Equal(t, 0.5, fallback.Trust)
	assert.True(t, TakerFeeFor("newvenue").IsPositive())
}
