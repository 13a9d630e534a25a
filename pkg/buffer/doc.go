// Package buffer provides thread-safe circular buffers with overflow
// policies, always-on statistics, and optional Prometheus metrics.
//
// # Subscription Queues
//
// The topic bus gives every subscription its own buffer so a slow handler
// never blocks the broker's delivery goroutine. The broker side writes, a
// single consumer goroutine per subscription waits on Ready and drains:
//
//	buf, err := buffer.NewCircularBuffer[[]byte](256,
//	    buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
//	    buffer.WithDropCallback(func(payload []byte) {
//	        logger.Warn("subscription queue full, dropping oldest message")
//	    }),
//	    buffer.WithMetrics[[]byte](registry, "listener.chatter.1"),
//	)
//
//	go func() {
//	    for range buf.Ready() {
//	        for {
//	            payload, ok := buf.Read()
//	            if !ok {
//	                break
//	            }
//	            handle(payload)
//	        }
//	    }
//	}()
//
// Ready holds at most one pending notification, so a burst of writes wakes
// the consumer once. Close closes the Ready channel; items queued before
// Close can still be read.
//
// # Overflow Policies
//
//   - DropOldest: discard the oldest queued item (default)
//   - DropNewest: discard the incoming item
//
// Either way Write returns nil and the discarded item goes to the drop
// callback, which runs outside the buffer lock.
//
// # Statistics and Metrics
//
// Statistics are always collected (writes, reads, overflows, drops, size
// high-water mark, drop rate). WithMetrics additionally mirrors them into
// Prometheus under nvbus_buffer_* with an "owner" label. Owners must be
// unique while a buffer is open; Close releases the owner's metrics.
package buffer
