package connector

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

const uniswapSubgraphURL = "https://api.thegraph.com/subgraphs/name/uniswap/uniswap-v3"

// spreadFactor fabricates bid/ask around the pool mid. AMMs quote a single
// price, so books from this adapter are marked Synthetic.
var uniswapSpread = decimal.NewFromFloat(0.001)

// uniswapCodec maps canonical assets to their wrapped ERC-20 symbols.
type uniswapCodec struct{}

func (uniswapCodec) ToVenue(symbol string) string {
	symbol = strings.ReplaceAll(symbol, "BTC", "WBTC")
	return strings.ReplaceAll(symbol, "ETH/", "WETH/")
}

func (uniswapCodec) FromVenue(venueSymbol string) string {
	venueSymbol = strings.ReplaceAll(strings.ToUpper(venueSymbol), "WBTC", "BTC")
	return strings.ReplaceAll(venueSymbol, "WETH/", "ETH/")
}

// Uniswap is a read-only DEX adapter over the v3 subgraph. Pricing comes
// from pool state; order placement is not supported and returns REJECTED so
// the engine never routes an execution leg here.
type Uniswap struct {
	*Base
	http *resty.Client
}

// NewUniswap creates the adapter. No credentials; the subgraph is public.
func NewUniswap() *Uniswap {
	return &Uniswap{
		Base: NewBase("uniswap", uniswapCodec{}, 5, 10),
		http: resty.New().
			SetBaseURL(uniswapSubgraphURL).
			SetTimeout(10 * time.Second),
	}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

func (u *Uniswap) query(ctx context.Context, op, query string, vars map[string]interface{}, result interface{}) error {
	return u.Call(ctx, op, func(ctx context.Context) error {
		var env struct {
			Data   interface{} `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		env.Data = result

		resp, err := u.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(graphQLRequest{Query: query, Variables: vars}).
			SetResult(&env).
			Post("")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "subgraph: http %d", resp.StatusCode())
		}
		if len(env.Errors) > 0 {
			return xerr.New(xerr.Internal, "subgraph: %s", env.Errors[0].Message)
		}
		return nil
	})
}

const uniswapPoolQuery = `
query pools($base: String!, $quote: String!) {
  pools(
    first: 1
    orderBy: totalValueLockedUSD
    orderDirection: desc
    where: { token0_: { symbol: $base }, token1_: { symbol: $quote } }
  ) {
    token0Price
    token1Price
    totalValueLockedUSD
    volumeUSD
  }
}`

type uniswapPool struct {
	Token0Price string `json:"token0Price"`
	Token1Price string `json:"token1Price"`
	TVLUSD      string `json:"totalValueLockedUSD"`
	VolumeUSD   string `json:"volumeUSD"`
}

// deepestPool finds the highest-TVL pool for the pair, trying both token
// orderings.
func (u *Uniswap) deepestPool(ctx context.Context, symbol string) (*uniswapPool, bool, error) {
	base, quote, err := types.SplitSymbol(u.Codec().ToVenue(symbol))
	if err != nil {
		return nil, false, xerr.Wrap(xerr.Invalid, err, "uniswap")
	}

	var result struct {
		Pools []uniswapPool `json:"pools"`
	}
	if err := u.query(ctx, "uniswap.pools", uniswapPoolQuery,
		map[string]interface{}{"base": base, "quote": quote}, &result); err != nil {
		return nil, false, err
	}
	if len(result.Pools) > 0 {
		return &result.Pools[0], false, nil
	}

	// Reversed ordering: quote is token0, price must be inverted.
	if err := u.query(ctx, "uniswap.pools", uniswapPoolQuery,
		map[string]interface{}{"base": quote, "quote": base}, &result); err != nil {
		return nil, false, err
	}
	if len(result.Pools) > 0 {
		return &result.Pools[0], true, nil
	}
	return nil, false, xerr.New(xerr.Invalid, "no pool for %s", symbol)
}

func (u *Uniswap) Connect(ctx context.Context) error {
	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	err := u.query(ctx, "uniswap.meta", `query { _meta { block { number } } }`, nil, &result)
	if err != nil {
		return err
	}
	u.SetConnected(true)
	u.Logger().Info("Connected")
	return nil
}

func (u *Uniswap) Disconnect() error {
	u.SetConnected(false)
	return nil
}

func (u *Uniswap) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	out := make(map[string]*types.Ticker, len(symbols))
	for _, symbol := range symbols {
		t, err := u.GetTicker(ctx, symbol)
		if err != nil {
			u.Logger().WithField("symbol", symbol).Debugf("pool fetch failed: %v", err)
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

func (u *Uniswap) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	pool, reversed, err := u.deepestPool(ctx, symbol)
	if err != nil {
		return nil, err
	}

	mid := mustDecimal(pool.Token1Price)
	if reversed {
		mid = mustDecimal(pool.Token0Price)
	}
	if !mid.IsPositive() {
		return nil, xerr.New(xerr.Internal, "pool priced %s at zero", symbol)
	}

	one := decimal.NewFromInt(1)
	return &types.Ticker{
		Symbol:    symbol,
		Last:      mid,
		Bid:       mid.Mul(one.Sub(uniswapSpread)),
		Ask:       mid.Mul(one.Add(uniswapSpread)),
		Volume:    mustDecimal(pool.VolumeUSD),
		Timestamp: time.Now(),
		Source:    u.Name(),
	}, nil
}

// GetOrderBook fabricates a two-level book around the pool mid. Depth per
// level is a slice of pool TVL; callers see Synthetic=true and treat sizing
// conservatively.
func (u *Uniswap) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	pool, reversed, err := u.deepestPool(ctx, symbol)
	if err != nil {
		return nil, err
	}

	mid := mustDecimal(pool.Token1Price)
	if reversed {
		mid = mustDecimal(pool.Token0Price)
	}
	if !mid.IsPositive() {
		return nil, xerr.New(xerr.Internal, "pool priced %s at zero", symbol)
	}

	one := decimal.NewFromInt(1)
	bid := mid.Mul(one.Sub(uniswapSpread))
	ask := mid.Mul(one.Add(uniswapSpread))

	// A swap of ~1% of TVL keeps price impact near the quoted spread.
	depthUSD := mustDecimal(pool.TVLUSD).Mul(decimal.NewFromFloat(0.01))
	qty := depthUSD.Div(mid)

	return &types.OrderBook{
		Symbol:    symbol,
		Bids:      []types.PriceLevel{{Price: bid, Quantity: qty}},
		Asks:      []types.PriceLevel{{Price: ask, Quantity: qty}},
		Timestamp: time.Now(),
		Source:    u.Name(),
		Synthetic: true,
	}, nil
}

func (u *Uniswap) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	return nil, nil
}

func (u *Uniswap) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	return nil, nil
}

func (u *Uniswap) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	return nil, xerr.New(xerr.Rejected, "uniswap is price-only, no execution")
}

func (u *Uniswap) CancelOrder(ctx context.Context, symbol, venueID string) error {
	return xerr.New(xerr.Rejected, "uniswap is price-only, no execution")
}

func (u *Uniswap) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	return nil, xerr.New(xerr.Invalid, "uniswap holds no orders")
}

func (u *Uniswap) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (u *Uniswap) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	return map[string]types.Balance{}, nil
}
