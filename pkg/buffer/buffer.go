// Package buffer provides generic, thread-safe bounded queues with overflow
// policies. The topic bus gives every subscription one of these queues.
package buffer

// Buffer is a bounded FIFO queue parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the overflow policy decides
	// which item is discarded; Write itself only fails once the buffer is closed.
	Write(item T) error

	// Read removes and returns the oldest item, or false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch removes up to max items, oldest first.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear discards all queued items, reporting each to the drop callback.
	Clear()

	// Ready returns a channel that receives a value after a Write into an
	// empty or non-empty buffer. Consumers drain with Read until it reports
	// false, then wait on Ready again. The channel is closed by Close.
	Ready() <-chan struct{}

	// Stats returns buffer statistics (always available).
	Stats() *Statistics

	// Close rejects further writes, wakes consumers and releases metrics.
	// Items still queued remain readable.
	Close() error
}

// OverflowPolicy defines which item is discarded when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each discarded item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// It fails only when metric registration was requested and failed.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
