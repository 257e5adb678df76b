package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarb-io/xarb/pkg/types"
)

func TestStaticGet(t *testing.T) {
	p := NewStatic(map[string]types.Credentials{
		"kraken": {Key: "k", Secret: "s"},
	})

	creds, err := p.Get("kraken")
	require.NoError(t, err)
	assert.Equal(t, "k", creds.Key)

	// Unknown venues are not an error; public-data connectors need nothing.
	creds, err = p.Get("okx")
	require.NoError(t, err)
	assert.Empty(t, creds.Key)
}

func TestStaticSetOverrides(t *testing.T) {
	p := NewStatic(nil)
	p.Set("bybit", types.Credentials{Key: "a", Secret: "b"})
	p.Set("bybit", types.Credentials{Key: "c", Secret: "d", Passphrase: "e"})

	creds, err := p.Get("bybit")
	require.NoError(t, err)
	assert.Equal(t, "c", creds.Key)
	assert.Equal(t, "e", creds.Passphrase)
}

func TestChainReturnsFirstNonEmpty(t *testing.T) {
	empty := NewStatic(nil)
	filled := NewStatic(map[string]types.Credentials{
		"okx": {Key: "k2", Secret: "s2", Passphrase: "p"},
	})

	chain := Chain{empty, filled}
	creds, err := chain.Get("okx")
	require.NoError(t, err)
	assert.Equal(t, "k2", creds.Key)

	creds, err = chain.Get("unknown")
	require.NoError(t, err)
	assert.Empty(t, creds.Key)
}
