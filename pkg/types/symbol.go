package types

import (
	"fmt"
	"strings"
)

// Canonical symbol form is BASE/QUOTE, e.g. "BTC/USDT". Each adapter owns
// the translation to its venue's encoding.
type SymbolCodec interface {
	// ToVenue converts a canonical symbol to the venue's format.
	ToVenue(symbol string) string
	// FromVenue converts a venue symbol back to canonical form.
	FromVenue(venueSymbol string) string
}

// SplitSymbol parses a canonical BASE/QUOTE symbol.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol format: %s", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// JoinSymbol builds a canonical symbol from assets.
func JoinSymbol(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// ConcatCodec maps BTC/USDT <-> BTCUSDT (binance, bybit style).
type ConcatCodec struct{}

func (ConcatCodec) ToVenue(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func (ConcatCodec) FromVenue(venueSymbol string) string {
	venueSymbol = strings.ToUpper(venueSymbol)
	quotes := []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}
	for _, quote := range quotes {
		if strings.HasSuffix(venueSymbol, quote) && len(venueSymbol) > len(quote) {
			return JoinSymbol(strings.TrimSuffix(venueSymbol, quote), quote)
		}
	}
	return venueSymbol
}

// DashCodec maps BTC/USDT <-> BTC-USDT (okx, coinbase style).
type DashCodec struct{}

func (DashCodec) ToVenue(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

func (DashCodec) FromVenue(venueSymbol string) string {
	return strings.ReplaceAll(strings.ToUpper(venueSymbol), "-", "/")
}

// KrakenCodec handles kraken's XBT naming on top of concatenation-free
// pair names (kraken accepts BASE/QUOTE with XBT for BTC).
type KrakenCodec struct{}

func (KrakenCodec) ToVenue(symbol string) string {
	return strings.ReplaceAll(symbol, "BTC", "XBT")
}

func (KrakenCodec) FromVenue(venueSymbol string) string {
	return strings.ReplaceAll(strings.ToUpper(venueSymbol), "XBT", "BTC")
}
