package buffer

import (
	"sync"

	"github.com/c360/streamhub/errors"
)

// ring is a thread-safe circular buffer with configurable overflow policies.
type ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	rb := &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)

	return rb, nil
}

// Write adds an item to the buffer according to the overflow policy.
func (rb *ring[T]) Write(item T) error {
	rb.mu.Lock()

	if rb.closed {
		rb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	var dropped []T
	if rb.size == rb.capacity {
		switch rb.opts.overflowPolicy {
		case DropOldest:
			droppedItem := rb.items[rb.tail]
			rb.tail = (rb.tail + 1) % rb.capacity
			rb.size--
			rb.recordDrop()
			dropped = append(dropped, droppedItem)

		case DropNewest:
			rb.recordDrop()
			rb.mu.Unlock()
			if rb.opts.dropCallback != nil {
				rb.opts.dropCallback(item)
			}
			return nil

		case Block:
			for rb.size == rb.capacity && !rb.closed {
				rb.notFull.Wait()
			}
			if rb.closed {
				rb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	rb.items[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity
	rb.size++

	rb.stats.Write()
	rb.stats.UpdateSize(int64(rb.size))
	if rb.metrics != nil {
		rb.metrics.recordWrite(rb.size, rb.capacity)
	}

	rb.notEmpty.Signal()
	rb.mu.Unlock()

	// Drop callback runs outside the lock so it may safely re-enter the buffer.
	if rb.opts.dropCallback != nil {
		for _, d := range dropped {
			rb.opts.dropCallback(d)
		}
	}

	return nil
}

// recordDrop tracks an overflow eviction in stats and metrics. Caller holds mu.
func (rb *ring[T]) recordDrop() {
	rb.stats.Overflow()
	rb.stats.Drop()
	if rb.metrics != nil {
		rb.metrics.recordOverflow()
		rb.metrics.recordDrop()
	}
}

// Read retrieves and removes one item from the buffer.
func (rb *ring[T]) Read() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.takeLocked(), true
}

// Take blocks until an item is available or the buffer is closed.
func (rb *ring[T]) Take() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.size == 0 && !rb.closed {
		rb.notEmpty.Wait()
	}

	var zero T
	if rb.size == 0 {
		// Closed and drained.
		return zero, false
	}
	return rb.takeLocked(), true
}

// takeLocked removes and returns the oldest item. Caller holds mu and has
// verified size > 0.
func (rb *ring[T]) takeLocked() T {
	var zero T
	item := rb.items[rb.tail]
	rb.items[rb.tail] = zero // release reference for GC
	rb.tail = (rb.tail + 1) % rb.capacity
	rb.size--

	rb.stats.Read()
	rb.stats.UpdateSize(int64(rb.size))
	if rb.metrics != nil {
		rb.metrics.recordRead(rb.size, rb.capacity)
	}

	rb.notFull.Signal()
	return item
}

// Snapshot returns a consistent copy of the buffered items in FIFO order.
func (rb *ring[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]T, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.items[(rb.tail+i)%rb.capacity]
	}
	return out
}

// Size returns the current number of items in the buffer.
func (rb *ring[T]) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (rb *ring[T]) Capacity() int {
	return rb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (rb *ring[T]) IsEmpty() bool {
	return rb.Size() == 0
}

// IsFull returns true if the buffer is at maximum capacity.
func (rb *ring[T]) IsFull() bool {
	return rb.Size() == rb.capacity
}

// Clear removes all items from the buffer.
func (rb *ring[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.items {
		rb.items[i] = zero
	}
	rb.size = 0
	rb.head = 0
	rb.tail = 0
	rb.stats.UpdateSize(0)
	if rb.metrics != nil {
		rb.metrics.recordSize(0, rb.capacity)
	}
	rb.notFull.Broadcast()
}

// Stats returns buffer statistics.
func (rb *ring[T]) Stats() *Statistics {
	return rb.stats
}

// Close shuts down the buffer, waking any blocked callers.
func (rb *ring[T]) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return nil
	}
	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
	return nil
}
