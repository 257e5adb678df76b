package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamBus backs the stream contract with NATS JetStream. Each logical
// stream maps to one JetStream stream capped at MaxMsgs with old-first
// discard; consumer groups map to durable pull consumers with explicit ack,
// so the visibility timeout is the consumer AckWait.
type JetStreamBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry

	maxLen int64

	mu      sync.Mutex
	known   map[string]bool
	closed  bool
	loops   sync.WaitGroup
	stopCh  chan struct{}
}

// JetStreamConfig holds connection settings for the JetStream backend.
type JetStreamConfig struct {
	URL       string
	ClientID  string
	StreamMax int64
}

// NewJetStreamBus connects to NATS and prepares a JetStream context.
func NewJetStreamBus(cfg JetStreamConfig) (*JetStreamBus, error) {
	logger := logrus.WithField("component", "bus")

	if cfg.StreamMax <= 0 {
		cfg.StreamMax = 10000
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamBus{
		conn:   conn,
		js:     js,
		logger: logger,
		maxLen: cfg.StreamMax,
		known:  make(map[string]bool),
		stopCh: make(chan struct{}),
	}, nil
}

// streamName maps a logical stream ("arbitrage.opportunities") to a legal
// JetStream stream name.
func streamName(stream string) string {
	return "XARB_" + strings.ToUpper(strings.ReplaceAll(stream, ".", "_"))
}

// groupName maps a consumer group to a legal durable name.
func groupName(stream, group string) string {
	return streamName(stream) + "_" + strings.ToUpper(strings.ReplaceAll(group, ".", "_"))
}

// ensureStream creates or updates the backing JetStream stream.
func (b *JetStreamBus) ensureStream(stream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.known[stream] {
		return nil
	}

	config := &nats.StreamConfig{
		Name:      streamName(stream),
		Subjects:  []string{stream},
		Retention: nats.LimitsPolicy,
		MaxMsgs:   b.maxLen,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	if _, err := b.js.StreamInfo(config.Name); err == nil {
		if _, err := b.js.UpdateStream(config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", stream, err)
		}
	} else {
		if _, err := b.js.AddStream(config); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", stream, err)
		}
		b.logger.Infof("Created stream %s", stream)
	}

	b.known[stream] = true
	return nil
}

// Publish appends the payload and returns the JetStream sequence, which is
// monotone per stream.
func (b *JetStreamBus) Publish(ctx context.Context, stream string, payload interface{}) (uint64, error) {
	if err := b.ensureStream(stream); err != nil {
		return 0, err
	}
	data, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload for %s: %w", stream, err)
	}
	ack, err := b.js.Publish(stream, data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return ack.Sequence, nil
}

// Consume binds a durable pull consumer for the group and long-polls it.
func (b *JetStreamBus) Consume(ctx context.Context, stream, group, consumer string, h Handler, opts ...ConsumeOption) (Consumer, error) {
	o := buildOptions(opts)
	if err := b.ensureStream(stream); err != nil {
		return nil, err
	}

	sub, err := b.js.PullSubscribe(stream, groupName(stream, group),
		nats.BindStream(streamName(stream)),
		nats.AckExplicit(),
		nats.AckWait(o.AckWait),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind consumer %s/%s: %w", stream, group, err)
	}

	c := &jsConsumer{
		bus:     b,
		sub:     sub,
		stream:  stream,
		handler: h,
		opts:    o,
		stopCh:  make(chan struct{}),
	}
	b.loops.Add(1)
	c.done.Add(1)
	go c.loop(ctx)
	return c, nil
}

// Close stops consumer loops and drains the connection.
func (b *JetStreamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	b.loops.Wait()
	b.conn.Close()
	return nil
}

type jsConsumer struct {
	bus     *JetStreamBus
	sub     *nats.Subscription
	stream  string
	handler Handler
	opts    ConsumeOptions

	stopOnce sync.Once
	stopCh   chan struct{}
	done     sync.WaitGroup
}

// loop never unsubscribes: the durable consumer (and its cursor) must
// survive a clean stop so the group resumes where it left off.
func (c *jsConsumer) loop(ctx context.Context) {
	defer c.bus.loops.Done()
	defer c.done.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.bus.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.sub.Fetch(c.opts.BatchSize, nats.MaxWait(c.opts.Block))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			c.bus.logger.Debugf("fetch on %s: %v", c.stream, err)
			continue
		}

		for _, msg := range msgs {
			meta, merr := msg.Metadata()
			var id uint64
			if merr == nil {
				id = meta.Sequence.Stream
			}
			if herr := c.handler(ctx, Message{Stream: c.stream, ID: id, Data: msg.Data}); herr != nil {
				// Leave unacked; JetStream redelivers after AckWait.
				continue
			}
			msg.Ack()
		}
	}
}

func (c *jsConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.done.Wait()
}
