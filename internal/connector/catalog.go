package connector

import (
	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
)

// Catalog lists the supported venues with the static trust and fee data
// used by SelectForArbitrage and by fee estimation. Volume figures are
// refreshed at runtime from venue tickers when available.
var Catalog = map[string]types.VenueInfo{
	"binance": {
		Name:      "binance",
		Trust:     0.95,
		MakerFee:  decimal.NewFromFloat(0.001),
		TakerFee:  decimal.NewFromFloat(0.001),
		Volume24h: decimal.NewFromInt(20_000_000_000),
	},
	"kraken": {
		Name:      "kraken",
		Trust:     0.92,
		MakerFee:  decimal.NewFromFloat(0.0016),
		TakerFee:  decimal.NewFromFloat(0.0026),
		Volume24h: decimal.NewFromInt(800_000_000),
	},
	"bybit": {
		Name:      "bybit",
		Trust:     0.85,
		MakerFee:  decimal.NewFromFloat(0.001),
		TakerFee:  decimal.NewFromFloat(0.001),
		Volume24h: decimal.NewFromInt(3_000_000_000),
	},
	"okx": {
		Name:      "okx",
		Trust:     0.88,
		MakerFee:  decimal.NewFromFloat(0.0008),
		TakerFee:  decimal.NewFromFloat(0.001),
		Volume24h: decimal.NewFromInt(2_500_000_000),
	},
	"coinbase": {
		Name:      "coinbase",
		Trust:     0.93,
		MakerFee:  decimal.NewFromFloat(0.004),
		TakerFee:  decimal.NewFromFloat(0.006),
		Volume24h: decimal.NewFromInt(1_800_000_000),
	},
	"uniswap": {
		Name:      "uniswap",
		Trust:     0.80,
		MakerFee:  decimal.NewFromFloat(0.003),
		TakerFee:  decimal.NewFromFloat(0.003),
		Volume24h: decimal.NewFromInt(1_200_000_000),
		DEX:       true,
	},
}

// VenueInfoFor returns catalog data for a venue, with a conservative
// default for venues added outside the catalog.
func VenueInfoFor(name string) types.VenueInfo {
	if info, ok := Catalog[name]; ok {
		return info
	}
	return types.VenueInfo{
		Name:     name,
		Trust:    0.5,
		MakerFee: decimal.NewFromFloat(0.002),
		TakerFee: decimal.NewFromFloat(0.002),
	}
}

// TakerFeeFor returns the taker fee rate for a venue.
func TakerFeeFor(name string) decimal.Decimal {
	return VenueInfoFor(name).TakerFee
}
