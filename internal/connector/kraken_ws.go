package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/pkg/types"
)

const (
	krakenWSURL = "wss://ws.kraken.com"
	// wsStaleAfter bounds how long a streamed quote is served before
	// falling back to REST.
	wsStaleAfter = 10 * time.Second
)

// krakenFeed keeps a live ticker cache fed by the public websocket. The
// adapter serves cached quotes when fresh and falls back to REST otherwise.
type krakenFeed struct {
	codec   types.SymbolCodec
	symbols []string
	logger  *logrus.Entry

	mu      sync.RWMutex
	tickers map[string]*types.Ticker

	conn   *websocket.Conn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// EnableStreaming attaches a websocket ticker feed for the given canonical
// symbols. Call before Connect.
func (k *Kraken) EnableStreaming(symbols ...string) {
	k.ws = &krakenFeed{
		codec:   k.Codec(),
		symbols: symbols,
		logger:  k.Logger().WithField("feed", "ws"),
		tickers: make(map[string]*types.Ticker),
	}
}

func (f *krakenFeed) start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, krakenWSURL, nil)
	if err != nil {
		return err
	}

	pairs := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		pairs = append(pairs, f.codec.ToVenue(s))
	}
	sub := map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]string{"name": "ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	f.conn = conn
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	go f.readLoop()
	f.logger.Infof("Streaming %d pairs", len(pairs))
	return nil
}

func (f *krakenFeed) stop() {
	if f.conn == nil {
		return
	}
	close(f.stopCh)
	f.conn.Close()
	f.wg.Wait()
	f.conn = nil
}

func (f *krakenFeed) readLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				f.logger.Warnf("read failed, feed stopped: %v", err)
			}
			return
		}
		f.handle(raw)
	}
}

// handle parses one frame. Data frames are arrays:
// [channelID, payload, "ticker", "XBT/USDT"]; everything else (heartbeats,
// subscription acks) is an object and skipped.
func (f *krakenFeed) handle(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
		return
	}

	var channel string
	if err := json.Unmarshal(frame[2], &channel); err != nil || channel != "ticker" {
		return
	}
	var pair string
	if err := json.Unmarshal(frame[3], &pair); err != nil {
		return
	}

	var payload struct {
		Ask    []string `json:"a"`
		Bid    []string `json:"b"`
		Last   []string `json:"c"`
		Volume []string `json:"v"`
	}
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return
	}

	symbol := f.codec.FromVenue(pair)
	tick := &types.Ticker{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Source:    "kraken",
	}
	if len(payload.Last) > 0 {
		tick.Last = mustDecimal(payload.Last[0])
	}
	if len(payload.Bid) > 0 {
		tick.Bid = mustDecimal(payload.Bid[0])
	}
	if len(payload.Ask) > 0 {
		tick.Ask = mustDecimal(payload.Ask[0])
	}
	if len(payload.Volume) > 1 {
		tick.Volume = mustDecimal(payload.Volume[1]).Mul(tick.Last)
	}

	f.mu.Lock()
	f.tickers[symbol] = tick
	f.mu.Unlock()
}

// ticker returns the cached quote when it is fresh enough to serve.
func (f *krakenFeed) ticker(symbol string) (*types.Ticker, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tickers[symbol]
	if !ok || time.Since(t.Timestamp) > wsStaleAfter {
		return nil, false
	}
	c := *t
	return &c, true
}
