package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

const okxRESTURL = "https://www.okx.com"

// OKX is the spot adapter over the v5 REST API. Private endpoints require
// the three-part credential set (key, secret, passphrase).
type OKX struct {
	*Base
	http       *resty.Client
	key        string
	secret     string
	passphrase string
}

// NewOKX creates the adapter. Keys may be empty for market-data-only use.
func NewOKX(apiKey, secretKey, passphrase string) *OKX {
	return &OKX{
		Base: NewBase("okx", types.DashCodec{}, 10, 20),
		http: resty.New().
			SetBaseURL(okxRESTURL).
			SetTimeout(10 * time.Second),
		key:        apiKey,
		secret:     secretKey,
		passphrase: passphrase,
	}
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e *okxEnvelope) err() error {
	if e.Code == "0" {
		return nil
	}
	code, _ := strconv.Atoi(e.Code)
	switch {
	case code == 50011 || code == 50013:
		return xerr.New(xerr.Unavailable, "okx %s: %s", e.Code, e.Msg)
	case code == 51001 || code == 51000 || code == 50014:
		return xerr.New(xerr.Invalid, "okx %s: %s", e.Code, e.Msg)
	case code >= 51000 && code < 52000:
		return xerr.New(xerr.Rejected, "okx %s: %s", e.Code, e.Msg)
	default:
		return xerr.New(xerr.Internal, "okx %s: %s", e.Code, e.Msg)
	}
}

func (o *OKX) public(ctx context.Context, op, path string, query map[string]string, result interface{}) error {
	return o.Call(ctx, op, func(ctx context.Context) error {
		var env okxEnvelope
		resp, err := o.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(&env).
			Get(path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "okx %s: http %d", path, resp.StatusCode())
		}
		if err := env.err(); err != nil {
			return err
		}
		return json.Unmarshal(env.Data, result)
	})
}

// signed sends an authenticated request. requestPath must include the query
// string for GETs; body is empty for GETs.
func (o *OKX) signed(ctx context.Context, op, method, requestPath string, body interface{}, result interface{}) error {
	if o.key == "" || o.secret == "" || o.passphrase == "" {
		return xerr.New(xerr.Invalid, "okx credentials not configured")
	}
	return o.Call(ctx, op, func(ctx context.Context) error {
		var payload []byte
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			if err != nil {
				return xerr.Wrap(xerr.Invalid, err, "okx encode body")
			}
		}

		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		mac := hmac.New(sha256.New, []byte(o.secret))
		mac.Write([]byte(ts + method + requestPath))
		mac.Write(payload)
		sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

		req := o.http.R().
			SetContext(ctx).
			SetHeader("OK-ACCESS-KEY", o.key).
			SetHeader("OK-ACCESS-SIGN", sig).
			SetHeader("OK-ACCESS-TIMESTAMP", ts).
			SetHeader("OK-ACCESS-PASSPHRASE", o.passphrase).
			SetHeader("Content-Type", "application/json")

		var env okxEnvelope
		req.SetResult(&env)
		var resp *resty.Response
		var err error
		if method == "POST" {
			resp, err = req.SetBody(payload).Post(requestPath)
		} else {
			resp, err = req.Get(requestPath)
		}
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "okx %s: http %d", requestPath, resp.StatusCode())
		}
		if err := env.err(); err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(env.Data, result)
	})
}

func (o *OKX) Connect(ctx context.Context) error {
	var result []struct {
		Ts string `json:"ts"`
	}
	if err := o.public(ctx, "okx.time", "/api/v5/public/time", nil, &result); err != nil {
		return err
	}
	o.SetConnected(true)
	o.Logger().Info("Connected")
	return nil
}

func (o *OKX) Disconnect() error {
	o.SetConnected(false)
	return nil
}

func (o *OKX) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	out := make(map[string]*types.Ticker, len(symbols))
	for _, symbol := range symbols {
		t, err := o.GetTicker(ctx, symbol)
		if err != nil {
			o.Logger().WithField("symbol", symbol).Debugf("ticker fetch failed: %v", err)
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

func (o *OKX) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var result []struct {
		Last      string `json:"last"`
		BidPx     string `json:"bidPx"`
		AskPx     string `json:"askPx"`
		VolCcy24h string `json:"volCcy24h"`
		Open24h   string `json:"open24h"`
	}
	err := o.public(ctx, "okx.ticker", "/api/v5/market/ticker",
		map[string]string{"instId": o.Codec().ToVenue(symbol)}, &result)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, xerr.New(xerr.Invalid, "no ticker for %s", symbol)
	}

	t := result[0]
	tick := &types.Ticker{
		Symbol:    symbol,
		Last:      mustDecimal(t.Last),
		Bid:       mustDecimal(t.BidPx),
		Ask:       mustDecimal(t.AskPx),
		Volume:    mustDecimal(t.VolCcy24h),
		Timestamp: time.Now(),
		Source:    o.Name(),
	}
	open := mustDecimal(t.Open24h)
	if open.IsPositive() {
		tick.Change24h = tick.Last.Sub(open).Div(open).Mul(mustDecimal("100"))
	}
	return tick, nil
}

func (o *OKX) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}

	var result []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	}
	err := o.public(ctx, "okx.depth", "/api/v5/market/books", map[string]string{
		"instId": o.Codec().ToVenue(symbol),
		"sz":     strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, xerr.New(xerr.Invalid, "no depth for %s", symbol)
	}

	d := result[0]
	ms, _ := strconv.ParseInt(d.Ts, 10, 64)
	return &types.OrderBook{
		Symbol:    symbol,
		Bids:      stringLevels(d.Bids),
		Asks:      stringLevels(d.Asks),
		Timestamp: time.UnixMilli(ms),
		Source:    o.Name(),
	}, nil
}

func (o *OKX) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	var result []struct {
		TradeID string `json:"tradeId"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		Side    string `json:"side"`
		Ts      string `json:"ts"`
	}
	err := o.public(ctx, "okx.trades", "/api/v5/market/trades", map[string]string{
		"instId": o.Codec().ToVenue(symbol),
		"limit":  strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]*types.PublicTrade, 0, len(result))
	for _, t := range result {
		ms, _ := strconv.ParseInt(t.Ts, 10, 64)
		out = append(out, &types.PublicTrade{
			ID:        t.TradeID,
			Symbol:    symbol,
			Price:     mustDecimal(t.Px),
			Quantity:  mustDecimal(t.Sz),
			Side:      strings.ToUpper(t.Side),
			Timestamp: time.UnixMilli(ms),
			Source:    o.Name(),
		})
	}
	return out, nil
}

func okxBar(timeframe string) string {
	switch timeframe {
	case "1m":
		return "1m"
	case "5m":
		return "5m"
	case "15m":
		return "15m"
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return "1H"
	}
}

func (o *OKX) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	var result [][]string
	err := o.public(ctx, "okx.candles", "/api/v5/market/candles", map[string]string{
		"instId": o.Codec().ToVenue(symbol),
		"bar":    okxBar(timeframe),
		"before": strconv.FormatInt(from.UnixMilli(), 10),
		"after":  strconv.FormatInt(to.UnixMilli(), 10),
	}, &result)
	if err != nil {
		return nil, err
	}

	step := intervalDuration(timeframe)
	out := make([]*types.Kline, 0, len(result))
	// Newest first in the response.
	for i := len(result) - 1; i >= 0; i-- {
		row := result[i]
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

func (o *OKX) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	body := map[string]interface{}{
		"instId":  o.Codec().ToVenue(order.Symbol),
		"tdMode":  "cash",
		"side":    strings.ToLower(order.Side),
		"sz":      order.Quantity.String(),
		"clOrdId": okxClientID(order.ID),
	}
	switch order.Type {
	case types.OrderTypeMarket:
		body["ordType"] = "market"
		// Market buys size in base units, not quote.
		body["tgtCcy"] = "base_ccy"
	case types.OrderTypeLimit:
		body["ordType"] = "limit"
		body["px"] = order.Price.String()
	default:
		return nil, xerr.New(xerr.Invalid, "unsupported order type %s", order.Type)
	}

	var result []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := o.signed(ctx, "okx.place_order", "POST", "/api/v5/trade/order", body, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, xerr.New(xerr.Internal, "okx returned no order result")
	}
	if result[0].SCode != "0" {
		return nil, xerr.New(xerr.Rejected, "okx %s: %s", result[0].SCode, result[0].SMsg)
	}

	placed := order.Clone()
	placed.VenueID = result[0].OrdID
	placed.Venue = o.Name()
	placed.Status = types.OrderStatusPending
	placed.UpdatedAt = time.Now()
	return placed, nil
}

// okxClientID strips characters OKX disallows in clOrdId.
func okxClientID(id string) string {
	cleaned := strings.NewReplacer("-", "", "_", "").Replace(id)
	if len(cleaned) > 32 {
		cleaned = cleaned[:32]
	}
	return cleaned
}

func (o *OKX) CancelOrder(ctx context.Context, symbol, venueID string) error {
	body := map[string]interface{}{
		"instId": o.Codec().ToVenue(symbol),
		"ordId":  venueID,
	}
	return o.signed(ctx, "okx.cancel_order", "POST", "/api/v5/trade/cancel-order", body, nil)
}

func (o *OKX) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	path := "/api/v5/trade/order?instId=" + o.Codec().ToVenue(symbol) + "&ordId=" + venueID

	var result []struct {
		OrdID     string `json:"ordId"`
		ClOrdID   string `json:"clOrdId"`
		Side      string `json:"side"`
		OrdType   string `json:"ordType"`
		Sz        string `json:"sz"`
		Px        string `json:"px"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		State     string `json:"state"`
		CTime     string `json:"cTime"`
		UTime     string `json:"uTime"`
	}
	if err := o.signed(ctx, "okx.order_status", "GET", path, nil, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, xerr.New(xerr.Invalid, "unknown order %s", venueID)
	}

	r := result[0]
	created, _ := strconv.ParseInt(r.CTime, 10, 64)
	updated, _ := strconv.ParseInt(r.UTime, 10, 64)
	order := &types.Order{
		ID:        r.ClOrdID,
		VenueID:   r.OrdID,
		Symbol:    symbol,
		Side:      strings.ToUpper(r.Side),
		Type:      strings.ToUpper(r.OrdType),
		Quantity:  mustDecimal(r.Sz),
		Price:     mustDecimal(r.Px),
		FilledQty: mustDecimal(r.AccFillSz),
		AvgPrice:  mustDecimal(r.AvgPx),
		Venue:     o.Name(),
		CreatedAt: time.UnixMilli(created),
		UpdatedAt: time.UnixMilli(updated),
	}
	switch r.State {
	case "filled":
		order.Status = types.OrderStatusFilled
	case "partially_filled":
		order.Status = types.OrderStatusPartiallyFilled
	case "canceled", "mmp_canceled":
		order.Status = types.OrderStatusCancelled
	default:
		order.Status = types.OrderStatusPending
	}
	return order, nil
}

func (o *OKX) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (o *OKX) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	var result []struct {
		Details []struct {
			Ccy       string `json:"ccy"`
			AvailBal  string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	if err := o.signed(ctx, "okx.balances", "GET", "/api/v5/account/balance", nil, &result); err != nil {
		return nil, err
	}

	out := make(map[string]types.Balance)
	for _, acct := range result {
		for _, d := range acct.Details {
			free := mustDecimal(d.AvailBal)
			locked := mustDecimal(d.FrozenBal)
			if free.IsZero() && locked.IsZero() {
				continue
			}
			out[d.Ccy] = types.Balance{Asset: d.Ccy, Free: free, Locked: locked}
		}
	}
	return out, nil
}
