package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

const coinbaseRESTURL = "https://api.coinbase.com"

// Coinbase is the spot adapter over the Advanced Trade REST API.
type Coinbase struct {
	*Base
	http   *resty.Client
	key    string
	secret string
}

// NewCoinbase creates the adapter. Keys may be empty for market-data-only use.
func NewCoinbase(apiKey, secretKey string) *Coinbase {
	return &Coinbase{
		Base: NewBase("coinbase", types.DashCodec{}, 10, 20),
		http: resty.New().
			SetBaseURL(coinbaseRESTURL).
			SetTimeout(10 * time.Second),
		key:    apiKey,
		secret: secretKey,
	}
}

func (c *Coinbase) public(ctx context.Context, op, path string, query map[string]string, result interface{}) error {
	return c.Call(ctx, op, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(result).
			Get(path)
		if err != nil {
			return err
		}
		return mapCoinbaseHTTP(path, resp)
	})
}

// signed sends an authenticated request. The prehash covers the path without
// query string, per the legacy HMAC scheme.
func (c *Coinbase) signed(ctx context.Context, op, method, path string, query map[string]string, body interface{}, result interface{}) error {
	if c.key == "" || c.secret == "" {
		return xerr.New(xerr.Invalid, "coinbase credentials not configured")
	}
	return c.Call(ctx, op, func(ctx context.Context) error {
		var payload []byte
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			if err != nil {
				return xerr.Wrap(xerr.Invalid, err, "coinbase encode body")
			}
		}

		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(c.secret))
		mac.Write([]byte(ts + method + path))
		mac.Write(payload)
		sig := hex.EncodeToString(mac.Sum(nil))

		req := c.http.R().
			SetContext(ctx).
			SetHeader("CB-ACCESS-KEY", c.key).
			SetHeader("CB-ACCESS-SIGN", sig).
			SetHeader("CB-ACCESS-TIMESTAMP", ts).
			SetHeader("Content-Type", "application/json").
			SetQueryParams(query).
			SetResult(result)

		var resp *resty.Response
		var err error
		if method == "POST" {
			resp, err = req.SetBody(payload).Post(path)
		} else {
			resp, err = req.Get(path)
		}
		if err != nil {
			return err
		}
		return mapCoinbaseHTTP(path, resp)
	})
}

func mapCoinbaseHTTP(path string, resp *resty.Response) error {
	switch {
	case resp.StatusCode() < 400:
		return nil
	case resp.StatusCode() == 400 || resp.StatusCode() == 404:
		return xerr.New(xerr.Invalid, "coinbase %s: http %d", path, resp.StatusCode())
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return xerr.New(xerr.Rejected, "coinbase %s: http %d", path, resp.StatusCode())
	default:
		return xerr.New(xerr.Unavailable, "coinbase %s: http %d", path, resp.StatusCode())
	}
}

func (c *Coinbase) Connect(ctx context.Context) error {
	var result struct {
		Iso string `json:"iso"`
	}
	if err := c.public(ctx, "coinbase.time", "/api/v3/brokerage/time", nil, &result); err != nil {
		return err
	}
	c.SetConnected(true)
	c.Logger().Info("Connected")
	return nil
}

func (c *Coinbase) Disconnect() error {
	c.SetConnected(false)
	return nil
}

func (c *Coinbase) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	out := make(map[string]*types.Ticker, len(symbols))
	for _, symbol := range symbols {
		t, err := c.GetTicker(ctx, symbol)
		if err != nil {
			c.Logger().WithField("symbol", symbol).Debugf("ticker fetch failed: %v", err)
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

func (c *Coinbase) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	product := c.Codec().ToVenue(symbol)

	var info struct {
		Price           string `json:"price"`
		Volume24h       string `json:"volume_24h"`
		PricePctChange  string `json:"price_percentage_change_24h"`
		QuoteCurrencyID string `json:"quote_currency_id"`
	}
	err := c.public(ctx, "coinbase.product", "/api/v3/brokerage/market/products/"+product, nil, &info)
	if err != nil {
		return nil, err
	}

	var book struct {
		Pricebook struct {
			Bids []struct {
				Price string `json:"price"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
			} `json:"asks"`
		} `json:"pricebook"`
	}
	err = c.public(ctx, "coinbase.best_bid_ask", "/api/v3/brokerage/market/product_book",
		map[string]string{"product_id": product, "limit": "1"}, &book)
	if err != nil {
		return nil, err
	}

	last := mustDecimal(info.Price)
	tick := &types.Ticker{
		Symbol:    symbol,
		Last:      last,
		Volume:    mustDecimal(info.Volume24h).Mul(last),
		Change24h: mustDecimal(info.PricePctChange),
		Timestamp: time.Now(),
		Source:    c.Name(),
	}
	if len(book.Pricebook.Bids) > 0 {
		tick.Bid = mustDecimal(book.Pricebook.Bids[0].Price)
	}
	if len(book.Pricebook.Asks) > 0 {
		tick.Ask = mustDecimal(book.Pricebook.Asks[0].Price)
	}
	return tick, nil
}

func (c *Coinbase) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}

	var result struct {
		Pricebook struct {
			Bids []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"asks"`
		} `json:"pricebook"`
	}
	err := c.public(ctx, "coinbase.depth", "/api/v3/brokerage/market/product_book", map[string]string{
		"product_id": c.Codec().ToVenue(symbol),
		"limit":      strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}

	book := &types.OrderBook{
		Symbol:    symbol,
		Bids:      make([]types.PriceLevel, 0, len(result.Pricebook.Bids)),
		Asks:      make([]types.PriceLevel, 0, len(result.Pricebook.Asks)),
		Timestamp: time.Now(),
		Source:    c.Name(),
	}
	for _, lvl := range result.Pricebook.Bids {
		book.Bids = append(book.Bids, types.PriceLevel{
			Price:    mustDecimal(lvl.Price),
			Quantity: mustDecimal(lvl.Size),
		})
	}
	for _, lvl := range result.Pricebook.Asks {
		book.Asks = append(book.Asks, types.PriceLevel{
			Price:    mustDecimal(lvl.Price),
			Quantity: mustDecimal(lvl.Size),
		})
	}
	return book, nil
}

func (c *Coinbase) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	var result struct {
		Trades []struct {
			TradeID string    `json:"trade_id"`
			Price   string    `json:"price"`
			Size    string    `json:"size"`
			Side    string    `json:"side"`
			Time    time.Time `json:"time"`
		} `json:"trades"`
	}
	err := c.public(ctx, "coinbase.trades",
		"/api/v3/brokerage/market/products/"+c.Codec().ToVenue(symbol)+"/ticker",
		map[string]string{"limit": strconv.Itoa(limit)}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]*types.PublicTrade, 0, len(result.Trades))
	for _, t := range result.Trades {
		out = append(out, &types.PublicTrade{
			ID:        t.TradeID,
			Symbol:    symbol,
			Price:     mustDecimal(t.Price),
			Quantity:  mustDecimal(t.Size),
			Side:      strings.ToUpper(t.Side),
			Timestamp: t.Time,
			Source:    c.Name(),
		})
	}
	return out, nil
}

func coinbaseGranularity(timeframe string) string {
	switch timeframe {
	case "1m":
		return "ONE_MINUTE"
	case "5m":
		return "FIVE_MINUTE"
	case "15m":
		return "FIFTEEN_MINUTE"
	case "1h":
		return "ONE_HOUR"
	case "4h":
		return "SIX_HOUR"
	case "1d":
		return "ONE_DAY"
	default:
		return "ONE_HOUR"
	}
}

func (c *Coinbase) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	var result struct {
		Candles []struct {
			Start  string `json:"start"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	err := c.public(ctx, "coinbase.candles",
		"/api/v3/brokerage/market/products/"+c.Codec().ToVenue(symbol)+"/candles",
		map[string]string{
			"start":       strconv.FormatInt(from.Unix(), 10),
			"end":         strconv.FormatInt(to.Unix(), 10),
			"granularity": coinbaseGranularity(timeframe),
		}, &result)
	if err != nil {
		return nil, err
	}

	step := intervalDuration(timeframe)
	out := make([]*types.Kline, 0, len(result.Candles))
	// Newest first in the response.
	for i := len(result.Candles) - 1; i >= 0; i-- {
		k := result.Candles[i]
		sec, _ := strconv.ParseInt(k.Start, 10, 64)
		openTime := time.Unix(sec, 0)
		out = append(out, &types.Kline{
			OpenTime:  openTime,
			Open:      mustDecimal(k.Open),
			High:      mustDecimal(k.High),
			Low:       mustDecimal(k.Low),
			Close:     mustDecimal(k.Close),
			Volume:    mustDecimal(k.Volume),
			CloseTime: openTime.Add(step),
		})
	}
	return out, nil
}

func (c *Coinbase) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	var orderConfig map[string]interface{}
	switch order.Type {
	case types.OrderTypeMarket:
		orderConfig = map[string]interface{}{
			"market_market_ioc": map[string]string{
				"base_size": order.Quantity.String(),
			},
		}
	case types.OrderTypeLimit:
		orderConfig = map[string]interface{}{
			"limit_limit_gtc": map[string]string{
				"base_size":   order.Quantity.String(),
				"limit_price": order.Price.String(),
			},
		}
	default:
		return nil, xerr.New(xerr.Invalid, "unsupported order type %s", order.Type)
	}

	body := map[string]interface{}{
		"client_order_id":     order.ID,
		"product_id":          c.Codec().ToVenue(order.Symbol),
		"side":                order.Side,
		"order_configuration": orderConfig,
	}

	var result struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error        string `json:"error"`
			ErrorDetails string `json:"error_details"`
		} `json:"error_response"`
	}
	if err := c.signed(ctx, "coinbase.place_order", "POST", "/api/v3/brokerage/orders", nil, body, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, xerr.New(xerr.Rejected, "coinbase %s: %s",
			result.ErrorResponse.Error, result.ErrorResponse.ErrorDetails)
	}

	placed := order.Clone()
	placed.VenueID = result.SuccessResponse.OrderID
	placed.Venue = c.Name()
	placed.Status = types.OrderStatusPending
	placed.UpdatedAt = time.Now()
	return placed, nil
}

func (c *Coinbase) CancelOrder(ctx context.Context, symbol, venueID string) error {
	body := map[string]interface{}{
		"order_ids": []string{venueID},
	}
	var result struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
		} `json:"results"`
	}
	if err := c.signed(ctx, "coinbase.cancel_order", "POST", "/api/v3/brokerage/orders/batch_cancel", nil, body, &result); err != nil {
		return err
	}
	if len(result.Results) > 0 && !result.Results[0].Success {
		return xerr.New(xerr.Rejected, "coinbase cancel: %s", result.Results[0].FailureReason)
	}
	return nil
}

func (c *Coinbase) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	var result struct {
		Order struct {
			OrderID       string    `json:"order_id"`
			ClientOrderID string    `json:"client_order_id"`
			Side          string    `json:"side"`
			Status        string    `json:"status"`
			FilledSize    string    `json:"filled_size"`
			AvgFilledPx   string    `json:"average_filled_price"`
			CreatedTime   time.Time `json:"created_time"`
		} `json:"order"`
	}
	if err := c.signed(ctx, "coinbase.order_status", "GET",
		"/api/v3/brokerage/orders/historical/"+venueID, nil, nil, &result); err != nil {
		return nil, err
	}

	o := result.Order
	order := &types.Order{
		ID:        o.ClientOrderID,
		VenueID:   o.OrderID,
		Symbol:    symbol,
		Side:      strings.ToUpper(o.Side),
		FilledQty: mustDecimal(o.FilledSize),
		AvgPrice:  mustDecimal(o.AvgFilledPx),
		Venue:     c.Name(),
		CreatedAt: o.CreatedTime,
		UpdatedAt: time.Now(),
	}
	switch o.Status {
	case "FILLED":
		order.Status = types.OrderStatusFilled
	case "CANCELLED", "EXPIRED":
		order.Status = types.OrderStatusCancelled
	case "FAILED":
		order.Status = types.OrderStatusRejected
	case "OPEN":
		if order.FilledQty.IsPositive() {
			order.Status = types.OrderStatusPartiallyFilled
		} else {
			order.Status = types.OrderStatusPending
		}
	default:
		order.Status = types.OrderStatusPending
	}
	return order, nil
}

func (c *Coinbase) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (c *Coinbase) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	var result struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	if err := c.signed(ctx, "coinbase.accounts", "GET", "/api/v3/brokerage/accounts",
		map[string]string{"limit": "250"}, nil, &result); err != nil {
		return nil, err
	}

	out := make(map[string]types.Balance)
	for _, acct := range result.Accounts {
		free := mustDecimal(acct.AvailableBalance.Value)
		locked := mustDecimal(acct.Hold.Value)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[acct.Currency] = types.Balance{Asset: acct.Currency, Free: free, Locked: locked}
	}
	return out, nil
}
