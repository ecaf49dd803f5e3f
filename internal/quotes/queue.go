package quotes

import (
	"context"
	"sync"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// Observer consumes drained quote batches on the control loop.
type Observer interface {
	ObserveQuotes(ctx context.Context, batch []domain.QuoteUpdate)
}

// Queue is a bounded FIFO between the ingestion goroutine and the control
// loop. Publish never blocks; when full the oldest entry is discarded.
type Queue struct {
	mu      sync.Mutex
	buf     []domain.QuoteUpdate
	head    int
	size    int
	dropped int64
}

// NewQueue creates a queue holding at most capacity updates.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]domain.QuoteUpdate, capacity)}
}

// Publish enqueues u, evicting the oldest entry if the queue is full. It
// reports whether an entry was evicted.
func (q *Queue) Publish(u domain.QuoteUpdate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = u
	q.size++
	return evicted
}

// Drain removes and returns all pending updates in arrival order.
func (q *Queue) Drain() []domain.QuoteUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	out := make([]domain.QuoteUpdate, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = 0
	q.size = 0
	return out
}

// Len returns the number of pending updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many updates were evicted since creation.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Dispatch drains the queue and hands the batch to every observer in order.
// It returns the number of updates dispatched.
func (q *Queue) Dispatch(ctx context.Context, observers ...Observer) int {
	batch := q.Drain()
	if len(batch) == 0 {
		return 0
	}
	for _, o := range observers {
		o.ObserveQuotes(ctx, batch)
	}
	return len(batch)
}
