package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fueldev/fuel/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

// collector records delivered events behind a mutex since handlers run on
// bus goroutines.
type collector struct {
	mu     sync.Mutex
	events []*Event
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 16)}
}

func (c *collector) handle(_ context.Context, ev *Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T) *Event {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublishExactSubject(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	_, err := b.Subscribe("task.created", c.handle)
	require.NoError(t, err)

	ev := NewEvent("task.created", "test", map[string]interface{}{"task_id": "f-abc123"})
	require.NoError(t, b.Publish(context.Background(), "task.created", ev))

	got := c.wait(t)
	assert.Equal(t, "task.created", got.Type)
	assert.Equal(t, "f-abc123", got.Data["task_id"])
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublishDoesNotCrossSubjects(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	_, err := b.Subscribe("task.created", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.updated", NewEvent("task.updated", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestWildcardPatterns(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	star := newCollector()
	_, err := b.Subscribe("task.*", star.handle)
	require.NoError(t, err)

	tail := newCollector()
	_, err = b.Subscribe("task.>", tail.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "task.created", NewEvent("task.created", "test", nil)))
	star.wait(t)
	tail.wait(t)

	// "*" matches exactly one token; ">" spans the remainder.
	require.NoError(t, b.Publish(ctx, "task.status.changed", NewEvent("task.status.changed", "test", nil)))
	tail.wait(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, star.count())
	assert.Equal(t, 2, tail.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	sub, err := b.Subscribe("run.completed", c.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "run.completed", NewEvent("run.completed", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestClosedBusRejectsEverything(t *testing.T) {
	b := newTestBus(t)
	sub, err := b.Subscribe("task.created", func(context.Context, *Event) error { return nil })
	require.NoError(t, err)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe("task.created", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
