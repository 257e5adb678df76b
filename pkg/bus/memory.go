package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBus is the in-process backend. It implements the full stream
// contract: monotone ids, bounded length with oldest-first eviction,
// per-group cursors starting at the oldest retained entry, pending-entry
// redelivery after the visibility timeout. Used by tests and by deployments
// without a NATS URL.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memStream
	maxLen  int
	closed  bool

	consumers sync.WaitGroup
	stopCh    chan struct{}
}

type memEntry struct {
	id   uint64
	data []byte
}

type memStream struct {
	entries []memEntry
	nextID  uint64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  uint64 // next id to hand out
	pending map[uint64]*pendingEntry
}

type pendingEntry struct {
	data        []byte
	deliveredAt time.Time
	consumer    string
}

// NewMemoryBus creates an in-process bus with the given per-stream cap.
func NewMemoryBus(maxLen int) *MemoryBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryBus{
		streams: make(map[string]*memStream),
		maxLen:  maxLen,
		stopCh:  make(chan struct{}),
	}
}

func (b *MemoryBus) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{nextID: 1, groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

// Publish appends to the stream, trimming the oldest entries past the cap.
func (b *MemoryBus) Publish(ctx context.Context, stream string, payload interface{}) (uint64, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload for %s: %w", stream, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fmt.Errorf("bus closed")
	}

	s := b.stream(stream)
	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, memEntry{id: id, data: data})
	if len(s.entries) > b.maxLen {
		s.entries = s.entries[len(s.entries)-b.maxLen:]
	}
	return id, nil
}

// Consume starts a long-poll loop. The group is created on first use with
// its cursor at the oldest retained entry, so a fresh group replays the
// stream tail.
func (b *MemoryBus) Consume(ctx context.Context, stream, group, consumer string, h Handler, opts ...ConsumeOption) (Consumer, error) {
	o := buildOptions(opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		cursor := uint64(1)
		if len(s.entries) > 0 {
			cursor = s.entries[0].id
		} else {
			cursor = s.nextID
		}
		s.groups[group] = &memGroup{cursor: cursor, pending: make(map[uint64]*pendingEntry)}
	}
	b.mu.Unlock()

	c := &memConsumer{
		bus:      b,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handler:  h,
		opts:     o,
		stopCh:   make(chan struct{}),
	}
	b.consumers.Add(1)
	c.done.Add(1)
	go c.loop(ctx)
	return c, nil
}

// fetch returns up to batch messages: expired pending entries first, then
// new entries past the cursor. Claimed messages move to pending.
func (b *MemoryBus) fetch(stream, group, consumer string, batch int, ackWait time.Duration) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}

	var out []Message
	now := time.Now()

	// Redeliver entries whose visibility timeout expired: released ones once
	// their redelivery time arrives, claimed-but-unacked ones after ackWait.
	var expired []uint64
	for id, p := range g.pending {
		released := p.consumer == "" && !now.Before(p.deliveredAt)
		abandoned := p.consumer != "" && now.Sub(p.deliveredAt) >= ackWait
		if released || abandoned {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		if len(out) >= batch {
			break
		}
		p := g.pending[id]
		p.deliveredAt = now
		p.consumer = consumer
		out = append(out, Message{Stream: stream, ID: id, Data: p.data})
	}

	// New entries.
	for _, e := range s.entries {
		if len(out) >= batch {
			break
		}
		if e.id < g.cursor {
			continue
		}
		g.cursor = e.id + 1
		g.pending[e.id] = &pendingEntry{data: e.data, deliveredAt: now, consumer: consumer}
		out = append(out, Message{Stream: stream, ID: e.id, Data: e.data})
	}
	return out
}

// ack removes a pending entry; the group never sees it again.
func (b *MemoryBus) ack(stream, group string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			delete(g.pending, id)
		}
	}
}

// release schedules a failed delivery for redelivery after ackWait.
func (b *MemoryBus) release(stream, group string, id uint64, ackWait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			if p, ok := g.pending[id]; ok {
				p.consumer = ""
				p.deliveredAt = time.Now().Add(ackWait)
			}
		}
	}
}

// Len returns the retained length of a stream.
func (b *MemoryBus) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[stream]; ok {
		return len(s.entries)
	}
	return 0
}

// Close stops all consumer loops and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	b.consumers.Wait()
	return nil
}

type memConsumer struct {
	bus      *MemoryBus
	stream   string
	group    string
	consumer string
	handler  Handler
	opts     ConsumeOptions

	stopOnce sync.Once
	stopCh   chan struct{}
	done     sync.WaitGroup
}

func (c *memConsumer) loop(ctx context.Context) {
	defer c.bus.consumers.Done()
	defer c.done.Done()

	poll := c.opts.Block
	if poll > 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}

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

		msgs := c.bus.fetch(c.stream, c.group, c.consumer, c.opts.BatchSize, c.opts.AckWait)
		if len(msgs) == 0 {
			select {
			case <-time.After(poll):
			case <-c.stopCh:
				return
			case <-c.bus.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			if err := c.handler(ctx, msg); err != nil {
				c.bus.release(c.stream, c.group, msg.ID, c.opts.AckWait)
				continue
			}
			c.bus.ack(c.stream, c.group, msg.ID)
		}
	}
}

func (c *memConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.done.Wait()
}
