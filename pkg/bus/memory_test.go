package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	N int `json:"n"`
}

type sink struct {
	mu   sync.Mutex
	ids  []uint64
	vals []int
}

func (s *sink) handler(fail func(n int) bool) Handler {
	return func(ctx context.Context, msg Message) error {
		var p payload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if fail != nil && fail(p.N) {
			return assert.AnError
		}
		s.mu.Lock()
		s.ids = append(s.ids, msg.ID)
		s.vals = append(s.vals, p.N)
		s.mu.Unlock()
		return nil
	}
}

func (s *sink) values() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.vals...)
}

func TestPublishAssignsMonotoneIDs(t *testing.T) {
	b := NewMemoryBus(100)
	defer b.Close()

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := b.Publish(context.Background(), StreamSignals, payload{N: i})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestStampedTimestamp(t *testing.T) {
	b := NewMemoryBus(100)
	defer b.Close()

	_, err := b.Publish(context.Background(), StreamSignals, map[string]int{"n": 1})
	require.NoError(t, err)

	done := make(chan map[string]interface{}, 1)
	_, err = b.Consume(context.Background(), StreamSignals, "g", "c", func(ctx context.Context, msg Message) error {
		var obj map[string]interface{}
		if err := msg.Decode(&obj); err != nil {
			return err
		}
		select {
		case done <- obj:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case obj := <-done:
		assert.Contains(t, obj, "timestamp")
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestNewGroupReplaysFromOldest(t *testing.T) {
	b := NewMemoryBus(100)
	defer b.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := b.Publish(ctx, StreamSignals, payload{N: i})
		require.NoError(t, err)
	}

	s := &sink{}
	_, err := b.Consume(ctx, StreamSignals, "late-group", "c1", s.handler(nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.values()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, s.values())
}

func TestGroupsConsumeIndependently(t *testing.T) {
	b := NewMemoryBus(100)
	defer b.Close()
	ctx := context.Background()

	a, bb := &sink{}, &sink{}
	_, err := b.Consume(ctx, StreamSignals, "group-a", "c", a.handler(nil))
	require.NoError(t, err)
	_, err = b.Consume(ctx, StreamSignals, "group-b", "c", bb.handler(nil))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := b.Publish(ctx, StreamSignals, payload{N: i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(a.values()) == 3 && len(bb.values()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, a.values())
	assert.Equal(t, []int{1, 2, 3}, bb.values())
}

func TestFailedDeliveryIsRedelivered(t *testing.T) {
	b := NewMemoryBus(100)
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	s := &sink{}
	failFirst := func(n int) bool {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return attempts == 1
	}

	_, err := b.Consume(ctx, StreamSignals, "g", "c", s.handler(failFirst),
		WithAckWait(20*time.Millisecond))
	require.NoError(t, err)

	_, err = b.Publish(ctx, StreamSignals, payload{N: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.values()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{7}, s.values())
	mu.Lock()
	assert.GreaterOrEqual(t, attempts, 2)
	mu.Unlock()
}

func TestStreamTrimsOldestPastCap(t *testing.T) {
	b := NewMemoryBus(3)
	defer b.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := b.Publish(ctx, StreamSignals, payload{N: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.Len(StreamSignals))

	// A fresh group starts at the oldest retained entry, not the beginning.
	s := &sink{}
	_, err := b.Consume(ctx, StreamSignals, "g", "c", s.handler(nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(s.values()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{3, 4, 5}, s.values())
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	b := NewMemoryBus(100)
	defer b.Close()
	ctx := context.Background()

	_, err := b.Publish(ctx, StreamSignals, payload{N: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	var finished atomic.Bool
	c, err := b.Consume(ctx, StreamSignals, "g", "c", func(ctx context.Context, msg Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Stop must block until the handler returns, even when it races the
	// loop's startup.
	c.Stop()
	assert.True(t, finished.Load())
}

func TestCloseStopsConsumersAndRejectsPublish(t *testing.T) {
	b := NewMemoryBus(100)
	s := &sink{}
	_, err := b.Consume(context.Background(), StreamSignals, "g", "c", s.handler(nil))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = b.Publish(context.Background(), StreamSignals, payload{N: 1})
	assert.Error(t, err)
}
