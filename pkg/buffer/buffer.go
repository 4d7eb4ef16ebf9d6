// Package buffer provides generic, thread-safe bounded buffers with
// configurable overflow policies.
//
// Buffers are used in two places in streamhub: per-stream replay rings
// (DropOldest, scanned via Snapshot) and the distributed adapter's inbound
// delivery queue (DropOldest with a drop callback). Statistics are always
// collected; Prometheus metrics are optional via WithMetrics().
package buffer

// Buffer is a bounded FIFO buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when the buffer is full
	// depends on the configured overflow policy.
	Write(item T) error

	// Read retrieves and removes one item from the buffer.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// Take blocks until an item is available or the buffer is closed.
	// Returns false only after Close.
	Take() (T, bool)

	// Snapshot returns a copy of the buffered items in FIFO order without
	// removing them. The copy is consistent: no concurrent Write is
	// partially visible.
	Snapshot() []T

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// IsFull returns true if the buffer is at maximum capacity.
	IsFull() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics (always available for observability).
	Stats() *Statistics

	// Close shuts down the buffer, waking any blocked Take or Write callers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// NewRing creates a new bounded ring buffer with the specified capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
