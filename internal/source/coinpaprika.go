package source

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

const coinpaprikaURL = "https://api.coinpaprika.com/v1"

// coinpaprikaIDs maps base assets to CoinPaprika coin ids.
var coinpaprikaIDs = map[string]string{
	"BTC":   "btc-bitcoin",
	"ETH":   "eth-ethereum",
	"SOL":   "sol-solana",
	"BNB":   "bnb-binance-coin",
	"XRP":   "xrp-xrp",
	"ADA":   "ada-cardano",
	"DOGE":  "doge-dogecoin",
	"DOT":   "dot-polkadot",
	"MATIC": "matic-polygon",
	"LINK":  "link-chainlink",
	"AVAX":  "avax-avalanche",
	"LTC":   "ltc-litecoin",
}

// CoinPaprika is a read-only aggregate price source.
type CoinPaprika struct {
	http   *resty.Client
	logger *logrus.Entry
}

// NewCoinPaprika creates the source.
func NewCoinPaprika() *CoinPaprika {
	return &CoinPaprika{
		http: resty.New().
			SetBaseURL(coinpaprikaURL).
			SetTimeout(8 * time.Second),
		logger: logrus.WithField("source", "coinpaprika"),
	}
}

func (c *CoinPaprika) Name() string { return "coinpaprika" }

func (c *CoinPaprika) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	out := make(map[string]*types.Ticker, len(symbols))
	now := time.Now()

	for _, symbol := range symbols {
		base, quote, err := types.SplitSymbol(symbol)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(quote, "USD") {
			continue
		}
		id, ok := coinpaprikaIDs[base]
		if !ok {
			continue
		}

		var result struct {
			Quotes map[string]struct {
				Price            float64 `json:"price"`
				Volume24h        float64 `json:"volume_24h"`
				MarketCap        float64 `json:"market_cap"`
				PercentChange24h float64 `json:"percent_change_24h"`
			} `json:"quotes"`
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/tickers/" + id)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, xerr.New(xerr.Unavailable, "coinpaprika: http %d", resp.StatusCode())
		}

		usd, ok := result.Quotes["USD"]
		if !ok || usd.Price <= 0 {
			continue
		}
		out[symbol] = &types.Ticker{
			Symbol:    symbol,
			Last:      decimal.NewFromFloat(usd.Price),
			Volume:    decimal.NewFromFloat(usd.Volume24h),
			Change24h: decimal.NewFromFloat(usd.PercentChange24h),
			MarketCap: decimal.NewFromFloat(usd.MarketCap),
			Timestamp: now,
			Source:    c.Name(),
		}
	}
	return out, nil
}
