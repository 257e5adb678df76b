// Package bus is the coordination substrate: append-only named streams with
// consumer-group semantics. Delivery is at-least-once within a group, message
// ids are monotone per stream, and streams are bounded with oldest-first
// eviction. Two backends exist: an in-process bus and NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Canonical stream names.
const (
	StreamMarketTicks       = "market_data.ticks"
	StreamIndicators        = "indicators.computed"
	StreamSignals           = "signals.generated"
	StreamAlerts            = "alerts.general"
	StreamMarketAbuse       = "alerts.market_abuse"
	StreamOpportunities     = "arbitrage.opportunities"
	StreamExecutions        = "arbitrage.executions"
	StreamOrdersSubmitted   = "orders.submitted"
	StreamOrdersUpdated     = "orders.updated"
	StreamOrdersExecuted    = "orders.executed"
	StreamOrdersCancelled   = "orders.cancelled"
	StreamPositionsOpened   = "positions.opened"
	StreamPositionsClosed   = "positions.closed"
	StreamBacktestEquity    = "backtesting.equity"
	StreamBacktestResults   = "backtesting.results"
	StreamAPIRequests       = "api.requests"
	StreamAPIErrors         = "api.errors"
)

// Message is one delivered stream entry. ID is assigned by the bus and is
// strictly increasing per stream.
type Message struct {
	Stream string
	ID     uint64
	Data   []byte
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// Handler processes one message. Returning nil acknowledges it; returning an
// error leaves it pending so the group sees it again after the visibility
// timeout.
type Handler func(ctx context.Context, msg Message) error

// Consumer is a running long-poll loop bound to (stream, group, consumer).
type Consumer interface {
	// Stop terminates the loop cooperatively and waits for the in-flight
	// handler to return.
	Stop()
}

// Bus is the publish/consume contract shared by all backends.
type Bus interface {
	// Publish appends a JSON-encoded payload and returns the assigned id.
	Publish(ctx context.Context, stream string, payload interface{}) (uint64, error)
	// Consume starts a consumer-group long-poll loop delivering messages to h.
	Consume(ctx context.Context, stream, group, consumer string, h Handler, opts ...ConsumeOption) (Consumer, error)
	// Close releases the backend connection. Running consumers are stopped.
	Close() error
}

// ConsumeOptions tune a consumer loop.
type ConsumeOptions struct {
	Block     time.Duration
	BatchSize int
	AckWait   time.Duration
}

// ConsumeOption mutates ConsumeOptions.
type ConsumeOption func(*ConsumeOptions)

// WithBlock sets the long-poll wait per fetch.
func WithBlock(d time.Duration) ConsumeOption {
	return func(o *ConsumeOptions) { o.Block = d }
}

// WithBatchSize sets the max messages fetched per poll.
func WithBatchSize(n int) ConsumeOption {
	return func(o *ConsumeOptions) { o.BatchSize = n }
}

// WithAckWait sets the visibility timeout for unacknowledged messages.
func WithAckWait(d time.Duration) ConsumeOption {
	return func(o *ConsumeOptions) { o.AckWait = d }
}

func buildOptions(opts []ConsumeOption) ConsumeOptions {
	o := ConsumeOptions{
		Block:     2 * time.Second,
		BatchSize: 16,
		AckWait:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encode marshals a payload, stamping "timestamp" when the payload does not
// carry one. Every message on the wire is a JSON object with at least that
// field.
func encode(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Non-object payloads are wrapped.
		obj = map[string]json.RawMessage{"payload": raw}
	}
	if _, ok := obj["timestamp"]; !ok {
		ts, _ := json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))
		obj["timestamp"] = ts
	}
	return json.Marshal(obj)
}
