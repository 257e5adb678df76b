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

const (
	bybitRESTURL   = "https://api.bybit.com"
	bybitRecvWin   = "5000"
	bybitSpotParam = "spot"
)

// Bybit is the spot adapter over the v5 unified REST API.
type Bybit struct {
	*Base
	http   *resty.Client
	key    string
	secret string
}

// NewBybit creates the adapter. Keys may be empty for market-data-only use.
func NewBybit(apiKey, secretKey string) *Bybit {
	return &Bybit{
		Base: NewBase("bybit", types.ConcatCodec{}, 10, 20),
		http: resty.New().
			SetBaseURL(bybitRESTURL).
			SetTimeout(10 * time.Second),
		key:    apiKey,
		secret: secretKey,
	}
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (e *bybitEnvelope) err() error {
	switch {
	case e.RetCode == 0:
		return nil
	case e.RetCode == 10001 || e.RetCode == 10004:
		return xerr.New(xerr.Invalid, "bybit %d: %s", e.RetCode, e.RetMsg)
	case e.RetCode == 10006 || e.RetCode == 10016:
		return xerr.New(xerr.Unavailable, "bybit %d: %s", e.RetCode, e.RetMsg)
	case e.RetCode >= 110000 && e.RetCode < 120000:
		return xerr.New(xerr.Rejected, "bybit %d: %s", e.RetCode, e.RetMsg)
	default:
		return xerr.New(xerr.Internal, "bybit %d: %s", e.RetCode, e.RetMsg)
	}
}

func (b *Bybit) get(ctx context.Context, op, path string, query map[string]string, result interface{}) error {
	return b.Call(ctx, op, func(ctx context.Context) error {
		var env bybitEnvelope
		resp, err := b.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(&env).
			Get(path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "bybit %s: http %d", path, resp.StatusCode())
		}
		if err := env.err(); err != nil {
			return err
		}
		return json.Unmarshal(env.Result, result)
	})
}

func (b *Bybit) signedPost(ctx context.Context, op, path string, body interface{}, result interface{}) error {
	if b.key == "" || b.secret == "" {
		return xerr.New(xerr.Invalid, "bybit credentials not configured")
	}
	return b.Call(ctx, op, func(ctx context.Context) error {
		payload, err := json.Marshal(body)
		if err != nil {
			return xerr.Wrap(xerr.Invalid, err, "bybit encode body")
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

		var env bybitEnvelope
		resp, err := b.http.R().
			SetContext(ctx).
			SetHeader("X-BAPI-API-KEY", b.key).
			SetHeader("X-BAPI-TIMESTAMP", ts).
			SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWin).
			SetHeader("X-BAPI-SIGN", b.sign(ts+b.key+bybitRecvWin+string(payload))).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			SetResult(&env).
			Post(path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "bybit %s: http %d", path, resp.StatusCode())
		}
		if err := env.err(); err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(env.Result, result)
	})
}

func (b *Bybit) signedGet(ctx context.Context, op, path, query string, result interface{}) error {
	if b.key == "" || b.secret == "" {
		return xerr.New(xerr.Invalid, "bybit credentials not configured")
	}
	return b.Call(ctx, op, func(ctx context.Context) error {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

		var env bybitEnvelope
		resp, err := b.http.R().
			SetContext(ctx).
			SetHeader("X-BAPI-API-KEY", b.key).
			SetHeader("X-BAPI-TIMESTAMP", ts).
			SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWin).
			SetHeader("X-BAPI-SIGN", b.sign(ts+b.key+bybitRecvWin+query)).
			SetResult(&env).
			Get(path + "?" + query)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "bybit %s: http %d", path, resp.StatusCode())
		}
		if err := env.err(); err != nil {
			return err
		}
		return json.Unmarshal(env.Result, result)
	})
}

func (b *Bybit) sign(msg string) string {
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Bybit) Connect(ctx context.Context) error {
	var result struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := b.get(ctx, "bybit.time", "/v5/market/time", nil, &result); err != nil {
		return err
	}
	b.SetConnected(true)
	b.Logger().Info("Connected")
	return nil
}

func (b *Bybit) Disconnect() error {
	b.SetConnected(false)
	return nil
}

func (b *Bybit) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	out := make(map[string]*types.Ticker, len(symbols))
	for _, symbol := range symbols {
		t, err := b.GetTicker(ctx, symbol)
		if err != nil {
			b.Logger().WithField("symbol", symbol).Debugf("ticker fetch failed: %v", err)
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

func (b *Bybit) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			Turnover24h  string `json:"turnover24h"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	}
	err := b.get(ctx, "bybit.ticker", "/v5/market/tickers", map[string]string{
		"category": bybitSpotParam,
		"symbol":   b.Codec().ToVenue(symbol),
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, xerr.New(xerr.Invalid, "no ticker for %s", symbol)
	}

	t := result.List[0]
	return &types.Ticker{
		Symbol:    symbol,
		Last:      mustDecimal(t.LastPrice),
		Bid:       mustDecimal(t.Bid1Price),
		Ask:       mustDecimal(t.Ask1Price),
		Volume:    mustDecimal(t.Turnover24h),
		Change24h: mustDecimal(t.Price24hPcnt).Mul(mustDecimal("100")),
		Timestamp: time.Now(),
		Source:    b.Name(),
	}, nil
}

func (b *Bybit) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}

	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		Ts   int64      `json:"ts"`
	}
	err := b.get(ctx, "bybit.depth", "/v5/market/orderbook", map[string]string{
		"category": bybitSpotParam,
		"symbol":   b.Codec().ToVenue(symbol),
		"limit":    strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}

	book := &types.OrderBook{
		Symbol:    symbol,
		Bids:      stringLevels(result.Bids),
		Asks:      stringLevels(result.Asks),
		Timestamp: time.UnixMilli(result.Ts),
		Source:    b.Name(),
	}
	return book, nil
}

func stringLevels(raw [][]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, types.PriceLevel{
			Price:    mustDecimal(lvl[0]),
			Quantity: mustDecimal(lvl[1]),
		})
	}
	return out
}

func (b *Bybit) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	var result struct {
		List []struct {
			ExecID string `json:"execId"`
			Price  string `json:"price"`
			Size   string `json:"size"`
			Side   string `json:"side"`
			Time   string `json:"time"`
		} `json:"list"`
	}
	err := b.get(ctx, "bybit.trades", "/v5/market/recent-trade", map[string]string{
		"category": bybitSpotParam,
		"symbol":   b.Codec().ToVenue(symbol),
		"limit":    strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]*types.PublicTrade, 0, len(result.List))
	for _, t := range result.List {
		ms, _ := strconv.ParseInt(t.Time, 10, 64)
		out = append(out, &types.PublicTrade{
			ID:        t.ExecID,
			Symbol:    symbol,
			Price:     mustDecimal(t.Price),
			Quantity:  mustDecimal(t.Size),
			Side:      strings.ToUpper(t.Side),
			Timestamp: time.UnixMilli(ms),
			Source:    b.Name(),
		})
	}
	return out, nil
}

// bybitInterval maps timeframe strings to v5 kline intervals.
func bybitInterval(timeframe string) string {
	switch timeframe {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return "60"
	}
}

func (b *Bybit) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	err := b.get(ctx, "bybit.klines", "/v5/market/kline", map[string]string{
		"category": bybitSpotParam,
		"symbol":   b.Codec().ToVenue(symbol),
		"interval": bybitInterval(timeframe),
		"start":    strconv.FormatInt(from.UnixMilli(), 10),
		"end":      strconv.FormatInt(to.UnixMilli(), 10),
	}, &result)
	if err != nil {
		return nil, err
	}

	step := intervalDuration(timeframe)
	out := make([]*types.Kline, 0, len(result.List))
	// v5 returns newest first.
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		openTime := time.UnixMilli(ms)
		out = append(out, &types.Kline{
			OpenTime:  openTime,
			Open:      mustDecimal(row[1]),
			High:      mustDecimal(row[2]),
			Low:       mustDecimal(row[3]),
			Close:     mustDecimal(row[4]),
			Volume:    mustDecimal(row[5]),
			CloseTime: openTime.Add(step),
		})
	}
	return out, nil
}

func (b *Bybit) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	side := "Buy"
	if order.Side == types.OrderSideSell {
		side = "Sell"
	}
	body := map[string]interface{}{
		"category":    bybitSpotParam,
		"symbol":      b.Codec().ToVenue(order.Symbol),
		"side":        side,
		"qty":         order.Quantity.String(),
		"orderLinkId": order.ID,
	}
	switch order.Type {
	case types.OrderTypeMarket:
		body["orderType"] = "Market"
	case types.OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = order.Price.String()
		body["timeInForce"] = "GTC"
	default:
		return nil, xerr.New(xerr.Invalid, "unsupported order type %s", order.Type)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.signedPost(ctx, "bybit.place_order", "/v5/order/create", body, &result); err != nil {
		return nil, err
	}

	placed := order.Clone()
	placed.VenueID = result.OrderID
	placed.Venue = b.Name()
	placed.Status = types.OrderStatusPending
	placed.UpdatedAt = time.Now()
	return placed, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, venueID string) error {
	body := map[string]interface{}{
		"category": bybitSpotParam,
		"symbol":   b.Codec().ToVenue(symbol),
		"orderId":  venueID,
	}
	return b.signedPost(ctx, "bybit.cancel_order", "/v5/order/cancel", body, nil)
}

func (b *Bybit) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	query := "category=" + bybitSpotParam +
		"&symbol=" + b.Codec().ToVenue(symbol) +
		"&orderId=" + venueID

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := b.signedGet(ctx, "bybit.order_status", "/v5/order/realtime", query, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, xerr.New(xerr.Invalid, "unknown order %s", venueID)
	}

	o := result.List[0]
	created, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
	updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	order := &types.Order{
		ID:        o.OrderLinkID,
		VenueID:   o.OrderID,
		Symbol:    symbol,
		Side:      strings.ToUpper(o.Side),
		Type:      strings.ToUpper(o.OrderType),
		Quantity:  mustDecimal(o.Qty),
		Price:     mustDecimal(o.Price),
		FilledQty: mustDecimal(o.CumExecQty),
		AvgPrice:  mustDecimal(o.AvgPrice),
		Status:    bybitOrderStatus(o.OrderStatus),
		Venue:     b.Name(),
		CreatedAt: time.UnixMilli(created),
		UpdatedAt: time.UnixMilli(updated),
	}
	return order, nil
}

func bybitOrderStatus(status string) types.OrderStatus {
	switch status {
	case "New", "Untriggered", "Created":
		return types.OrderStatusPending
	case "PartiallyFilled":
		return types.OrderStatusPartiallyFilled
	case "Filled":
		return types.OrderStatusFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return types.OrderStatusCancelled
	case "Rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

func (b *Bybit) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (b *Bybit) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.signedGet(ctx, "bybit.balances", "/v5/account/wallet-balance", "accountType=UNIFIED", &result); err != nil {
		return nil, err
	}

	out := make(map[string]types.Balance)
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total := mustDecimal(c.WalletBalance)
			locked := mustDecimal(c.Locked)
			if total.IsZero() {
				continue
			}
			out[c.Coin] = types.Balance{
				Asset:  c.Coin,
				Free:   total.Sub(locked),
				Locked: locked,
			}
		}
	}
	return out, nil
}
