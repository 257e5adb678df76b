package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"BTCUSDT", "BTC/", "/USDT", "", "A/B/C"} {
		_, _, err := SplitSymbol(bad)
		assert.Error(t, err, "symbol %q", bad)
	}
}

func TestConcatCodec(t *testing.T) {
	c := ConcatCodec{}
	assert.Equal(t, "BTCUSDT", c.ToVenue("BTC/USDT"))
	assert.Equal(t, "BTC/USDT", c.FromVenue("BTCUSDT"))
	assert.Equal(t, "ETH/BTC", c.FromVenue("ethbtc"))
	// Longer stablecoin suffixes win over USD.
	assert.Equal(t, "SOL/USDC", c.FromVenue("SOLUSDC"))
}

func TestDashCodec(t *testing.T) {
	c := DashCodec{}
	assert.Equal(t, "BTC-USDT", c.ToVenue("BTC/USDT"))
	assert.Equal(t, "BTC/USDT", c.FromVenue("btc-usdt"))
}

func TestKrakenCodec(t *testing.T) {
	c := KrakenCodec{}
	assert.Equal(t, "XBT/USDT", c.ToVenue("BTC/USDT"))
	assert.Equal(t, "BTC/USD", c.FromVenue("XBT/USD"))
	// Non-bitcoin pairs pass through untouched.
	assert.Equal(t, "ETH/USD", c.ToVenue("ETH/USD"))
}
