package quadem

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when a batch message cannot be queued without
// blocking the producer.
var ErrQueueFull = errors.New("dispatch queue full")

// Batch says Records records are ready in the ring. Generation is the
// acquisition they were collected in; a batch from an earlier acquisition
// is stale once Start has flushed the ring.
type Batch struct {
	Records    int
	Generation uint64
}

// DispatchQueue carries Batch messages from the producer side to the single
// Consumer. Sends never block.
type DispatchQueue struct {
	ch chan Batch
}

// NewDispatchQueue creates a queue holding up to size pending messages.
func NewDispatchQueue(size int) *DispatchQueue {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &DispatchQueue{ch: make(chan Batch, size)}
}

// TrySend queues b, failing with ErrQueueFull instead of blocking.
func (q *DispatchQueue) TrySend(b Batch) error {
	select {
	case q.ch <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive blocks until a message arrives or ctx is done.
func (q *DispatchQueue) Receive(ctx context.Context) (Batch, error) {
	select {
	case b := <-q.ch:
		return b, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Len returns the number of pending messages.
func (q *DispatchQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *DispatchQueue) Cap() int {
	return cap(q.ch)
}

// Drain discards every pending message and returns how many there were.
func (q *DispatchQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
