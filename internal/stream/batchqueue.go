package stream

import (
	"sync"

	"github.com/nishisan-dev/tssync/internal/model"
)

// BatchQueue is a bounded, thread-safe FIFO of StreamBatch values with
// backpressure, the same sync.Cond-guarded producer/consumer shape as
// n-backup's byte-oriented ring buffer, sized in batches instead of bytes:
// the single owning Stream client pushes in arrival order (Push blocks
// when full), and the Merger pops in the same order (Pop blocks when
// empty) until the queue is closed and drained.
type BatchQueue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond

	items    []model.StreamBatch
	capacity int
	closed   bool
}

// NewBatchQueue creates a queue holding up to capacity pending batches.
func NewBatchQueue(capacity int) *BatchQueue {
	q := &BatchQueue{capacity: capacity}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Push appends a batch, blocking while the queue is full. Returns false if
// the queue was closed before the batch could be pushed.
func (q *BatchQueue) Push(b model.StreamBatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, b)
	q.notEmpty.Broadcast()
	return true
}

// Pop removes and returns the oldest batch, blocking while the queue is
// empty and open. ok is false once the queue is empty and closed.
func (q *BatchQueue) Pop() (b model.StreamBatch, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return model.StreamBatch{}, false
	}
	b = q.items[0]
	q.items = q.items[1:]
	q.notFull.Broadcast()
	return b, true
}

// TryPop removes and returns the oldest batch without blocking. ok is
// false if the queue currently has nothing to return.
func (q *BatchQueue) TryPop() (b model.StreamBatch, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return model.StreamBatch{}, false
	}
	b = q.items[0]
	q.items = q.items[1:]
	q.notFull.Broadcast()
	return b, true
}

// Len reports the number of batches currently queued.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ClosedEmpty reports whether the queue is closed and has nothing left to
// drain: a permanent "no more data for this channel" signal for the
// Merger.
func (q *BatchQueue) ClosedEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close marks the queue closed: pending and future Pop calls drain
// remaining items then return ok=false; blocked Push calls unblock and
// return false.
func (q *BatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
