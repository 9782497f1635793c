package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()
	q.Emit("first", map[string]interface{}{"n": 1})
	q.Emit("second", nil)
	q.Emit("third", nil)

	ctx := context.Background()
	ev, ok := q.Poll(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "first", ev.Type)
	assert.Equal(t, 1, ev.Data["n"])

	ev, _ = q.Poll(ctx, time.Second)
	assert.Equal(t, "second", ev.Type)
	ev, _ = q.Poll(ctx, time.Second)
	assert.Equal(t, "third", ev.Type)
}

func TestQueuePollTimesOutEmpty(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	_, ok := q.Poll(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueuePollRespectsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Poll(ctx, time.Minute)
	assert.False(t, ok)
}

func TestQueuePollWakesOnEmit(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Emit("late", nil)
	}()

	ev, ok := q.Poll(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", ev.Type)
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue()
	q.Emit("a", nil)
	q.Emit("b", nil)

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].Type)
	assert.Equal(t, "b", drained[1].Type)
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Emit("tick", nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())
}
