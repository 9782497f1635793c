// Package events provides the per-request FIFO event queue that decouples
// deliberation producers from the SSE writer.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

// Queue is an unbounded FIFO of stream events. Emit never blocks; a single
// consumer polls with a timeout so it can interleave queue reads with
// completion checks.
type Queue struct {
	mu     sync.Mutex
	items  []interfaces.Event
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Emit appends one event. Safe for concurrent producers.
func (q *Queue) Emit(eventType string, data map[string]interface{}) {
	q.mu.Lock()
	q.items = append(q.items, interfaces.Event{Type: eventType, Data: data})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Poll pops the oldest event, waiting up to timeout for one to arrive.
// Returns false on timeout or context cancellation.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (interfaces.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if ev, ok := q.pop(); ok {
			return ev, true
		}
		select {
		case <-ctx.Done():
			return interfaces.Event{}, false
		case <-deadline.C:
			return interfaces.Event{}, false
		case <-q.signal:
		}
	}
}

func (q *Queue) pop() (interfaces.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return interfaces.Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// Drain removes and returns every queued event in order.
func (q *Queue) Drain() []interfaces.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
