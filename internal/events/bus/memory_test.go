package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/common/logger"
)

// collector counts deliveries and records subjects seen via event type.
type collector struct {
	mu    sync.Mutex
	types []string
	count atomic.Int64
}

func (c *collector) handler(_ context.Context, event *Event) error {
	c.mu.Lock()
	c.types = append(c.types, event.Type)
	c.mu.Unlock()
	c.count.Add(1)
	return nil
}

func (c *collector) waitFor(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d deliveries, got %d", n, c.count.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExactSubjectDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("ticket.t1.message", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "ticket.t1.message", NewEvent("ticket.message", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "ticket.t2.message", NewEvent("ticket.message", "test", nil)))

	c.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, c.count.Load(), "non-matching subject must not deliver")
}

func TestSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("ticket.*.status", c.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "ticket.t1.status", NewEvent("a", "test", nil)))
	require.NoError(t, b.Publish(ctx, "ticket.t1.message", NewEvent("b", "test", nil)))
	require.NoError(t, b.Publish(ctx, "ticket.t1.extra.status", NewEvent("c", "test", nil)))

	c.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, c.count.Load(), "* matches exactly one token")
}

func TestMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("ticket.>", c.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "ticket.t1.status", NewEvent("a", "test", nil)))
	require.NoError(t, b.Publish(ctx, "ticket.t1.message", NewEvent("b", "test", nil)))
	require.NoError(t, b.Publish(ctx, "console.message", NewEvent("c", "test", nil)))

	c.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, c.count.Load())
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c1, c2 collector
	_, err := b.QueueSubscribe("work.items", "pool", c1.handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("work.items", "pool", c2.handler)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "work.items", NewEvent("work", "test", nil)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for c1.count.Load()+c2.count.Load() < 4 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for queue deliveries")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 4, c1.count.Load()+c2.count.Load(), "each event goes to exactly one group member")
	assert.EqualValues(t, 2, c1.count.Load(), "round-robin splits evenly")
	assert.EqualValues(t, 2, c2.count.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("topic", c.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "topic", NewEvent("x", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, c.count.Load())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "topic", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("topic", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
	_, err = b.QueueSubscribe("topic", "q", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewFactorySelectsMemoryWithoutURL(t *testing.T) {
	b, err := New(NATSConfig{}, logger.Default())
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*MemoryEventBus)
	assert.True(t, ok)
	assert.True(t, b.IsConnected())
}
