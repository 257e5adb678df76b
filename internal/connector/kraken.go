package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

const krakenRESTURL = "https://api.kraken.com"

// Kraken is the spot adapter over the Kraken REST API, with an optional
// websocket ticker feed (see kraken_ws.go) layered on top.
type Kraken struct {
	*Base
	http   *resty.Client
	key    string
	secret string
	nonce  int64

	ws *krakenFeed
}

// NewKraken creates the adapter. Keys may be empty for market-data-only use.
func NewKraken(apiKey, secretKey string) *Kraken {
	return &Kraken{
		Base: NewBase("kraken", types.KrakenCodec{}, 3, 6),
		http: resty.New().
			SetBaseURL(krakenRESTURL).
			SetTimeout(10 * time.Second).
			SetHeader("User-Agent", "xarb/1.0"),
		key:    apiKey,
		secret: secretKey,
	}
}

// restPair strips the canonical slash; Kraken REST wants altnames (XBTUSDT).
func (k *Kraken) restPair(symbol string) string {
	return strings.ReplaceAll(k.Codec().ToVenue(symbol), "/", "")
}

type krakenEnvelope struct {
	Error  []string    `json:"error"`
	Result interface{} `json:"result"`
}

func (k *Kraken) public(ctx context.Context, op, endpoint string, params map[string]string, result interface{}) error {
	return k.Call(ctx, op, func(ctx context.Context) error {
		env := krakenEnvelope{Result: result}
		resp, err := k.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&env).
			Get("/0/public/" + endpoint)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "kraken %s: http %d", endpoint, resp.StatusCode())
		}
		return mapKrakenErr(env.Error)
	})
}

func (k *Kraken) private(ctx context.Context, op, endpoint string, params url.Values, result interface{}) error {
	if k.key == "" || k.secret == "" {
		return xerr.New(xerr.Invalid, "kraken credentials not configured")
	}
	return k.Call(ctx, op, func(ctx context.Context) error {
		if params == nil {
			params = url.Values{}
		}
		k.nonce++
		nonce := strconv.FormatInt(time.Now().UnixMilli()*1000+k.nonce%1000, 10)
		params.Set("nonce", nonce)
		body := params.Encode()

		path := "/0/private/" + endpoint
		sig, err := krakenSign(path, nonce, body, k.secret)
		if err != nil {
			return xerr.Wrap(xerr.Invalid, err, "kraken signing")
		}

		env := krakenEnvelope{Result: result}
		resp, err := k.http.R().
			SetContext(ctx).
			SetHeader("API-Key", k.key).
			SetHeader("API-Sign", sig).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(body).
			SetResult(&env).
			Post(path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return xerr.New(xerr.Unavailable, "kraken %s: http %d", endpoint, resp.StatusCode())
		}
		return mapKrakenErr(env.Error)
	})
}

// krakenSign computes HMAC-SHA512(path + SHA256(nonce+body)) with the
// base64-decoded secret.
func krakenSign(path, nonce, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// mapKrakenErr classifies the error strings Kraken returns in-band.
func mapKrakenErr(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	msg := strings.Join(errs, "; ")
	switch {
	case strings.Contains(msg, "EOrder:"):
		return xerr.New(xerr.Rejected, "kraken: %s", msg)
	case strings.Contains(msg, "EQuery:"), strings.Contains(msg, "EGeneral:Invalid"):
		return xerr.New(xerr.Invalid, "kraken: %s", msg)
	case strings.Contains(msg, "EAPI:Rate limit"), strings.Contains(msg, "EService:"):
		return xerr.New(xerr.Unavailable, "kraken: %s", msg)
	default:
		return xerr.New(xerr.Internal, "kraken: %s", msg)
	}
}

func (k *Kraken) Connect(ctx context.Context) error {
	var result struct {
		Unixtime int64 `json:"unixtime"`
	}
	if err := k.public(ctx, "kraken.time", "Time", nil, &result); err != nil {
		return err
	}
	k.SetConnected(true)
	k.Logger().Info("Connected")

	if k.ws != nil {
		if err := k.ws.start(ctx); err != nil {
			k.Logger().Warnf("websocket feed unavailable, REST only: %v", err)
		}
	}
	return nil
}

func (k *Kraken) Disconnect() error {
	if k.ws != nil {
		k.ws.stop()
	}
	k.SetConnected(false)
	return nil
}

func (k *Kraken) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
	out := make(map[string]*types.Ticker, len(symbols))
	for _, symbol := range symbols {
		if k.ws != nil {
			if t, ok := k.ws.ticker(symbol); ok {
				out[symbol] = t
				continue
			}
		}
		t, err := k.GetTicker(ctx, symbol)
		if err != nil {
			k.Logger().WithField("symbol", symbol).Debugf("ticker fetch failed: %v", err)
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

type krakenTicker struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
}

func (k *Kraken) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	result := map[string]krakenTicker{}
	err := k.public(ctx, "kraken.ticker", "Ticker",
		map[string]string{"pair": k.restPair(symbol)}, &result)
	if err != nil {
		return nil, err
	}

	// Result keys use Kraken's internal pair names; single pair requested,
	// take the only entry.
	for _, t := range result {
		tick := &types.Ticker{
			Symbol:    symbol,
			Timestamp: time.Now(),
			Source:    k.Name(),
		}
		if len(t.Last) > 0 {
			tick.Last = mustDecimal(t.Last[0])
		}
		if len(t.Bid) > 0 {
			tick.Bid = mustDecimal(t.Bid[0])
		}
		if len(t.Ask) > 0 {
			tick.Ask = mustDecimal(t.Ask[0])
		}
		if len(t.Volume) > 1 {
			tick.Volume = mustDecimal(t.Volume[1]).Mul(tick.Last)
		}
		return tick, nil
	}
	return nil, xerr.New(xerr.Invalid, "no ticker for %s", symbol)
}

func (k *Kraken) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}

	type krakenDepth struct {
		Asks [][]interface{} `json:"asks"`
		Bids [][]interface{} `json:"bids"`
	}
	result := map[string]krakenDepth{}
	err := k.public(ctx, "kraken.depth", "Depth", map[string]string{
		"pair":  k.restPair(symbol),
		"count": strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}

	for _, d := range result {
		book := &types.OrderBook{
			Symbol:    symbol,
			Bids:      krakenLevels(d.Bids),
			Asks:      krakenLevels(d.Asks),
			Timestamp: time.Now(),
			Source:    k.Name(),
		}
		return book, nil
	}
	return nil, xerr.New(xerr.Invalid, "no depth for %s", symbol)
}

func krakenLevels(raw [][]interface{}) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		px, okP := lvl[0].(string)
		qty, okQ := lvl[1].(string)
		if !okP || !okQ {
			continue
		}
		out = append(out, types.PriceLevel{Price: mustDecimal(px), Quantity: mustDecimal(qty)})
	}
	return out
}

func (k *Kraken) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	result := map[string]interface{}{}
	err := k.public(ctx, "kraken.trades", "Trades",
		map[string]string{"pair": k.restPair(symbol)}, &result)
	if err != nil {
		return nil, err
	}

	var out []*types.PublicTrade
	for key, v := range result {
		if key == "last" {
			continue
		}
		rows, ok := v.([]interface{})
		if !ok {
			continue
		}
		for i, r := range rows {
			if limit > 0 && len(out) >= limit {
				break
			}
			row, ok := r.([]interface{})
			if !ok || len(row) < 4 {
				continue
			}
			px, _ := row[0].(string)
			qty, _ := row[1].(string)
			ts, _ := row[2].(float64)
			sideFlag, _ := row[3].(string)
			side := types.OrderSideBuy
			if sideFlag == "s" {
				side = types.OrderSideSell
			}
			out = append(out, &types.PublicTrade{
				ID:        fmt.Sprintf("%s-%d", key, i),
				Symbol:    symbol,
				Price:     mustDecimal(px),
				Quantity:  mustDecimal(qty),
				Side:      side,
				Timestamp: time.Unix(int64(ts), 0),
				Source:    k.Name(),
			})
		}
	}
	return out, nil
}

// krakenInterval maps timeframe strings to Kraken's minute intervals.
func krakenInterval(timeframe string) string {
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
		return "1440"
	default:
		return "60"
	}
}

func (k *Kraken) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	result := map[string]interface{}{}
	err := k.public(ctx, "kraken.ohlc", "OHLC", map[string]string{
		"pair":     k.restPair(symbol),
		"interval": krakenInterval(timeframe),
		"since":    strconv.FormatInt(from.Unix(), 10),
	}, &result)
	if err != nil {
		return nil, err
	}

	step := intervalDuration(timeframe)
	var out []*types.Kline
	for key, v := range result {
		if key == "last" {
			continue
		}
		rows, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, r := range rows {
			row, ok := r.([]interface{})
			if !ok || len(row) < 7 {
				continue
			}
			ts, _ := row[0].(float64)
			openTime := time.Unix(int64(ts), 0)
			if openTime.After(to) {
				continue
			}
			get := func(i int) decimal.Decimal {
				s, _ := row[i].(string)
				return mustDecimal(s)
			}
			out = append(out, &types.Kline{
				OpenTime:  openTime,
				Open:      get(1),
				High:      get(2),
				Low:       get(3),
				Close:     get(4),
				Volume:    get(6),
				CloseTime: openTime.Add(step),
			})
		}
	}
	return out, nil
}

func intervalDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func (k *Kraken) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	params := url.Values{}
	params.Set("pair", k.restPair(order.Symbol))
	params.Set("type", strings.ToLower(order.Side))
	params.Set("volume", order.Quantity.String())
	params.Set("userref", krakenUserref(order.ID))

	switch order.Type {
	case types.OrderTypeMarket:
		params.Set("ordertype", "market")
	case types.OrderTypeLimit:
		params.Set("ordertype", "limit")
		params.Set("price", order.Price.String())
	case types.OrderTypeStop:
		params.Set("ordertype", "stop-loss")
		params.Set("price", order.StopPrice.String())
	case types.OrderTypeStopLimit:
		params.Set("ordertype", "stop-loss-limit")
		params.Set("price", order.StopPrice.String())
		params.Set("price2", order.Price.String())
	default:
		return nil, xerr.New(xerr.Invalid, "unsupported order type %s", order.Type)
	}

	var result struct {
		Txid []string `json:"txid"`
	}
	if err := k.private(ctx, "kraken.add_order", "AddOrder", params, &result); err != nil {
		return nil, err
	}
	if len(result.Txid) == 0 {
		return nil, xerr.New(xerr.Internal, "kraken returned no txid")
	}

	placed := order.Clone()
	placed.VenueID = result.Txid[0]
	placed.Venue = k.Name()
	placed.Status = types.OrderStatusPending
	placed.UpdatedAt = time.Now()
	return placed, nil
}

// krakenUserref derives a numeric userref from the client order id; Kraken
// only accepts int32 refs.
func krakenUserref(id string) string {
	var h uint32
	for _, c := range id {
		h = h*31 + uint32(c)
	}
	return strconv.FormatUint(uint64(h&0x7fffffff), 10)
}

func (k *Kraken) CancelOrder(ctx context.Context, symbol, venueID string) error {
	params := url.Values{}
	params.Set("txid", venueID)
	var result struct {
		Count int `json:"count"`
	}
	return k.private(ctx, "kraken.cancel_order", "CancelOrder", params, &result)
}

type krakenOrderInfo struct {
	Status string `json:"status"`
	Vol    string `json:"vol"`
	VolExe string `json:"vol_exec"`
	Price  string `json:"price"`
	Descr  struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
	OpenTm  float64 `json:"opentm"`
	CloseTm float64 `json:"closetm"`
}

func (k *Kraken) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	params := url.Values{}
	params.Set("txid", venueID)

	result := map[string]krakenOrderInfo{}
	if err := k.private(ctx, "kraken.query_orders", "QueryOrders", params, &result); err != nil {
		return nil, err
	}
	info, ok := result[venueID]
	if !ok {
		return nil, xerr.New(xerr.Invalid, "unknown order %s", venueID)
	}

	order := &types.Order{
		VenueID:   venueID,
		Symbol:    symbol,
		Side:      strings.ToUpper(info.Descr.Type),
		Quantity:  mustDecimal(info.Vol),
		FilledQty: mustDecimal(info.VolExe),
		AvgPrice:  mustDecimal(info.Price),
		Price:     mustDecimal(info.Descr.Price),
		Venue:     k.Name(),
		CreatedAt: time.Unix(int64(info.OpenTm), 0),
		UpdatedAt: time.Now(),
	}
	switch info.Status {
	case "closed":
		order.Status = types.OrderStatusFilled
	case "canceled", "expired":
		order.Status = types.OrderStatusCancelled
	case "open":
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

func (k *Kraken) GetPositions(ctx context.Context) ([]*types.Position, error) {
	return nil, nil
}

func (k *Kraken) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	result := map[string]string{}
	if err := k.private(ctx, "kraken.balance", "Balance", nil, &result); err != nil {
		return nil, err
	}

	out := make(map[string]types.Balance)
	for asset, amount := range result {
		free := mustDecimal(amount)
		if free.IsZero() {
			continue
		}
		canonical := krakenAsset(asset)
		out[canonical] = types.Balance{Asset: canonical, Free: free}
	}
	return out, nil
}

// krakenAsset normalizes Kraken's X/Z-prefixed asset codes.
func krakenAsset(asset string) string {
	asset = strings.ToUpper(asset)
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	return strings.ReplaceAll(asset, "XBT", "BTC")
}
