package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/cdcsink/record"
)

var (
	// ErrClosed is returned by Put once the queue was closed
	ErrClosed = errors.New("shard queue closed")
	// ErrNotRegistered is returned when enqueueing for an unknown importer
	ErrNotRegistered = errors.New("no queue registered for importer")
	// ErrShardLimit is returned when registering more queues than shards
	ErrShardLimit = errors.New("shard queue limit reached")
)

// ShardQueue is a bounded FIFO of records for one importer. Producers block
// in Put while it is full; a single consumer inspects the head with Peek and
// removes it with Poll.
type ShardQueue struct {
	slots     chan struct{} // one token per queued record
	mu        sync.Mutex
	items     []record.Record
	closed    chan struct{}
	closeOnce sync.Once
	cause     error // set before closed is closed
}

// NewShardQueue creates a queue that holds at most capacity records
func NewShardQueue(capacity int) *ShardQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &ShardQueue{
		slots:  make(chan struct{}, capacity),
		items:  make([]record.Record, 0, capacity),
		closed: make(chan struct{}),
	}
}

// Put appends r, blocking while the queue is full. It returns ctx.Err() if
// the context ends first and ErrClosed if the queue is closed while waiting.
func (q *ShardQueue) Put(ctx context.Context, r record.Record) error {
	select {
	case <-q.closed:
		return q.closedErr()
	default:
	}

	select {
	case q.slots <- struct{}{}:
	case <-q.closed:
		return q.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	return nil
}

// Peek returns the head without removing it
func (q *ShardQueue) Peek() (record.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Poll removes and returns the head, freeing a slot for producers
func (q *ShardQueue) Poll() (record.Record, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.mu.Unlock()

	// A slot was taken for every queued item, so this never blocks
	<-q.slots
	return head, true
}

// Len returns the number of queued records
func (q *ShardQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity
func (q *ShardQueue) Cap() int {
	return cap(q.slots)
}

// Close wakes blocked producers; later Puts fail with ErrClosed. Records
// already queued can still be polled.
func (q *ShardQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Fail closes the queue like Close, but Put reports cause wrapped together
// with ErrClosed. It has no effect on a queue that is already closed.
func (q *ShardQueue) Fail(cause error) {
	q.closeOnce.Do(func() {
		q.cause = cause
		close(q.closed)
	})
}

func (q *ShardQueue) closedErr() error {
	if q.cause != nil {
		return fmt.Errorf("%w: %w", ErrClosed, q.cause)
	}
	return ErrClosed
}
