package connector

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// Binance is the spot adapter over the official REST API.
type Binance struct {
	*Base
	client *binance.Client
}

// NewBinance creates the adapter. Keys may be empty for market-data-only use.
func NewBinance(apiKey, secretKey string) *Binance {
	return &Binance{
		Base:   NewBase("binance", types.ConcatCodec{}, 20, 40),
		client: binance.NewClient(apiKey, secretKey),
	}
}

func (b *Binance) Connect(ctx context.Context) error {
	err := b.Call(ctx, "binance.ping", func(ctx context.Context) error {
		return b.client.NewPingService().Do(ctx)
	})
	if err != nil {
		return err
	}
	b.SetConnected(true)
	b.Logger().Info("Connected")
	return nil
}

func (b *Binance) Disconnect() error {
	b.SetConnected(false)
	return nil
}

func (b *Binance) GetMarketData(ctx context.Context, symbols []string) (map[string]*types.Ticker, error) {
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

func (b *Binance) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	venueSym := b.Codec().ToVenue(symbol)

	var stats []*binance.PriceChangeStats
	err := b.Call(ctx, "binance.ticker", func(ctx context.Context) error {
		var err error
		stats, err = b.client.NewListPriceChangeStatsService().Symbol(venueSym).Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, xerr.New(xerr.Invalid, "no ticker for %s", symbol)
	}

	s := stats[0]
	return &types.Ticker{
		Symbol:    symbol,
		Last:      mustDecimal(s.LastPrice),
		Bid:       mustDecimal(s.BidPrice),
		Ask:       mustDecimal(s.AskPrice),
		Volume:    mustDecimal(s.QuoteVolume),
		Change24h: mustDecimal(s.PriceChangePercent),
		Timestamp: time.Now(),
		Source:    b.Name(),
	}, nil
}

func (b *Binance) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}

	var depth *binance.DepthResponse
	err := b.Call(ctx, "binance.depth", func(ctx context.Context) error {
		var err error
		depth, err = b.client.NewDepthService().
			Symbol(b.Codec().ToVenue(symbol)).
			Limit(limit).
			Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}

	book := &types.OrderBook{
		Symbol:    symbol,
		Bids:      make([]types.PriceLevel, 0, len(depth.Bids)),
		Asks:      make([]types.PriceLevel, 0, len(depth.Asks)),
		Timestamp: time.Now(),
		Source:    b.Name(),
	}
	for _, bid := range depth.Bids {
		book.Bids = append(book.Bids, types.PriceLevel{
			Price:    mustDecimal(bid.Price),
			Quantity: mustDecimal(bid.Quantity),
		})
	}
	for _, ask := range depth.Asks {
		book.Asks = append(book.Asks, types.PriceLevel{
			Price:    mustDecimal(ask.Price),
			Quantity: mustDecimal(ask.Quantity),
		})
	}
	return book, nil
}

func (b *Binance) GetTrades(ctx context.Context, symbol string, limit int) ([]*types.PublicTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	var trades []*binance.Trade
	err := b.Call(ctx, "binance.trades", func(ctx context.Context) error {
		var err error
		trades, err = b.client.NewRecentTradesService().
			Symbol(b.Codec().ToVenue(symbol)).
			Limit(limit).
			Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.PublicTrade, 0, len(trades))
	for _, t := range trades {
		side := types.OrderSideBuy
		if t.IsBuyerMaker {
			side = types.OrderSideSell
		}
		out = append(out, &types.PublicTrade{
			ID:        strconv.FormatInt(t.ID, 10),
			Symbol:    symbol,
			Price:     mustDecimal(t.Price),
			Quantity:  mustDecimal(t.Quantity),
			Side:      side,
			Timestamp: time.UnixMilli(t.Time),
			Source:    b.Name(),
		})
	}
	return out, nil
}

func (b *Binance) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*types.Kline, error) {
	var klines []*binance.Kline
	err := b.Call(ctx, "binance.klines", func(ctx context.Context) error {
		var err error
		klines, err = b.client.NewKlinesService().
			Symbol(b.Codec().ToVenue(symbol)).
			Interval(timeframe).
			StartTime(from.UnixMilli()).
			EndTime(to.UnixMilli()).
			Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.Kline, 0, len(klines))
	for _, k := range klines {
		out = append(out, &types.Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      mustDecimal(k.Open),
			High:      mustDecimal(k.High),
			Low:       mustDecimal(k.Low),
			Close:     mustDecimal(k.Close),
			Volume:    mustDecimal(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return out, nil
}

func (b *Binance) PlaceOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(b.Codec().ToVenue(order.Symbol)).
		Side(binance.SideType(order.Side)).
		Quantity(order.Quantity.String()).
		NewClientOrderID(order.ID)

	switch order.Type {
	case types.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case types.OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(order.Price.String())
	case types.OrderTypeStop:
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(order.StopPrice.String())
	case types.OrderTypeStopLimit:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(order.Price.String()).
			StopPrice(order.StopPrice.String())
	default:
		return nil, xerr.New(xerr.Invalid, "unsupported order type %s", order.Type)
	}

	var resp *binance.CreateOrderResponse
	err := b.Call(ctx, "binance.place_order", func(ctx context.Context) error {
		var err error
		resp, err = svc.Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}

	placed := order.Clone()
	placed.VenueID = strconv.FormatInt(resp.OrderID, 10)
	placed.Venue = b.Name()
	placed.Status = binanceOrderStatus(resp.Status)
	placed.FilledQty = mustDecimal(resp.ExecutedQuantity)
	if placed.FilledQty.IsPositive() {
		quote := mustDecimal(resp.CummulativeQuoteQuantity)
		placed.AvgPrice = quote.Div(placed.FilledQty)
	}
	placed.UpdatedAt = time.Now()
	return placed, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, venueID string) error {
	id, err := strconv.ParseInt(venueID, 10, 64)
	if err != nil {
		return xerr.New(xerr.Invalid, "bad venue order id %q", venueID)
	}
	return b.Call(ctx, "binance.cancel_order", func(ctx context.Context) error {
		_, err := b.client.NewCancelOrderService().
			Symbol(b.Codec().ToVenue(symbol)).
			OrderID(id).
			Do(ctx)
		return mapBinanceErr(err)
	})
}

func (b *Binance) GetOrderStatus(ctx context.Context, symbol, venueID string) (*types.Order, error) {
	id, err := strconv.ParseInt(venueID, 10, 64)
	if err != nil {
		return nil, xerr.New(xerr.Invalid, "bad venue order id %q", venueID)
	}

	var resp *binance.Order
	err = b.Call(ctx, "binance.order_status", func(ctx context.Context) error {
		var err error
		resp, err = b.client.NewGetOrderService().
			Symbol(b.Codec().ToVenue(symbol)).
			OrderID(id).
			Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		ID:        resp.ClientOrderID,
		VenueID:   venueID,
		Symbol:    symbol,
		Side:      string(resp.Side),
		Type:      string(resp.Type),
		Quantity:  mustDecimal(resp.OrigQuantity),
		Price:     mustDecimal(resp.Price),
		FilledQty: mustDecimal(resp.ExecutedQuantity),
		Status:    binanceOrderStatus(resp.Status),
		Venue:     b.Name(),
		CreatedAt: time.UnixMilli(resp.Time),
		UpdatedAt: time.UnixMilli(resp.UpdateTime),
	}
	if order.FilledQty.IsPositive() {
		order.AvgPrice = mustDecimal(resp.CummulativeQuoteQuantity).Div(order.FilledQty)
	}
	return order, nil
}

func (b *Binance) GetPositions(ctx context.Context) ([]*types.Position, error) {
	// Spot has no positions; holdings show up as balances.
	return nil, nil
}

func (b *Binance) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	var account *binance.Account
	err := b.Call(ctx, "binance.account", func(ctx context.Context) error {
		var err error
		account, err = b.client.NewGetAccountService().Do(ctx)
		return mapBinanceErr(err)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]types.Balance)
	for _, bal := range account.Balances {
		free := mustDecimal(bal.Free)
		locked := mustDecimal(bal.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[bal.Asset] = types.Balance{Asset: bal.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

func binanceOrderStatus(status binance.OrderStatusType) types.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return types.OrderStatusPending
	case binance.OrderStatusTypePartiallyFilled:
		return types.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return types.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

// mapBinanceErr classifies API errors so the retry policy knows what is
// permanent. Unknown errors fall through to transport classification.
func mapBinanceErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1013, -1100, -1102, -1121: // filter/param/symbol failures
			return xerr.Wrap(xerr.Invalid, err, "binance")
		case -2010, -2011: // rejected by matching engine
			return xerr.Wrap(xerr.Rejected, err, "binance")
		case -1003, -1015: // rate limit pressure, retryable
			return xerr.Wrap(xerr.Unavailable, err, "binance")
		}
	}
	return err
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
