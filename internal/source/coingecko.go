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

const coingeckoURL = "https://api.coingecko.com/api/v3"

// coingeckoIDs maps base assets to CoinGecko coin ids.
var coingeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"LINK":  "chainlink",
	"AVAX":  "avalanche-2",
	"LTC":   "litecoin",
}

// CoinGecko is a read-only aggregate price source. Quotes carry no bid/ask;
// the aggregator treats them as reference prices only.
type CoinGecko struct {
	http   *resty.Client
	logger *logrus.Entry
}

// NewCoinGecko creates the source. No API key; the public tier is enough
// for reference pricing.
func NewCoinGecko() *CoinGecko {
	return &CoinGecko{
		http: resty.New().
			SetBaseURL(coingeckoURL).
			SetTimeout(8 * time.Second),
		logger: logrus.WithField("source", "coingecko"),
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	idToSymbol := make(map[string]string)
	var ids []string
	for _, symbol := range symbols {
		base, quote, err := types.SplitSymbol(symbol)
		if err != nil {
			continue
		}
		// Only USD-pegged quotes map onto CoinGecko's USD pricing.
		if !strings.HasPrefix(quote, "USD") {
			continue
		}
		id, ok := coingeckoIDs[base]
		if !ok {
			continue
		}
		idToSymbol[id] = symbol
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]*types.Ticker{}, nil
	}

	result := map[string]struct {
		USD          float64 `json:"usd"`
		USDVol       float64 `json:"usd_24h_vol"`
		USDChange    float64 `json:"usd_24h_change"`
		USDMarketCap float64 `json:"usd_market_cap"`
	}{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                 strings.Join(ids, ","),
			"vs_currencies":       "usd",
			"include_24hr_vol":    "true",
			"include_24hr_change": "true",
			"include_market_cap":  "true",
		}).
		SetResult(&result).
		Get("/simple/price")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, xerr.New(xerr.Unavailable, "coingecko: http %d", resp.StatusCode())
	}

	out := make(map[string]*types.Ticker, len(result))
	now := time.Now()
	for id, quote := range result {
		symbol, ok := idToSymbol[id]
		if !ok || quote.USD <= 0 {
			continue
		}
		out[symbol] = &types.Ticker{
			Symbol:    symbol,
			Last:      decimal.NewFromFloat(quote.USD),
			Volume:    decimal.NewFromFloat(quote.USDVol),
			Change24h: decimal.NewFromFloat(quote.USDChange),
			MarketCap: decimal.NewFromFloat(quote.USDMarketCap),
			Timestamp: now,
			Source:    c.Name(),
		}
	}
	return out, nil
}
