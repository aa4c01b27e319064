package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// InMemoryQueue is a Queue kept in process memory. Each lane is ordered by
// NotBefore, then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	clock clock.Clock

	mu     sync.Mutex
	lanes  map[string][]Task
	wake   chan struct{}
	closed bool
}

// NewInMemoryQueue creates a new queue using the real clock.
func NewInMemoryQueue() *InMemoryQueue {
	return NewInMemoryQueueWithClock(clock.RealClock{})
}

// NewInMemoryQueueWithClock creates a queue whose delays are measured by
// clk, so tests can advance a fake clock.
func NewInMemoryQueueWithClock(clk clock.Clock) *InMemoryQueue {
	return &InMemoryQueue{
		clock: clk,
		lanes: make(map[string][]Task),
		wake:  make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	prepare(&t, q.clock.Now())

	// Insert after every task due at the same time to keep FIFO order.
	lane := t.Lane()
	items := q.lanes[lane]
	i := sort.Search(len(items), func(i int) bool {
		return items[i].NotBefore.After(t.NotBefore)
	})
	items = append(items, Task{})
	copy(items[i+1:], items[i:])
	items[i] = t
	q.lanes[lane] = items

	q.broadcastLocked()
	return nil
}

func (q *InMemoryQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, lane string) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		now := q.clock.Now()
		items := q.lanes[lane]
		if len(items) > 0 && !items[0].NotBefore.After(now) {
			t := items[0]
			q.lanes[lane] = items[1:]
			q.mu.Unlock()
			return &t, nil
		}

		wake := q.wake
		var due <-chan time.Time
		if len(items) > 0 {
			due = q.clock.After(items[0].NotBefore.Sub(now))
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-due:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, items := range q.lanes {
		n += len(items)
	}
	return n
}

// Close wakes all pollers. Subsequent Enqueue and Dequeue calls return
// ErrQueueClosed.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
