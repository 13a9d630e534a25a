// Package worker provides a generic, bounded worker pool.
//
// # Overview
//
// A Pool runs a fixed number of goroutines over a bounded queue. Submit never
// blocks: when the queue is full it returns ErrQueueFull so the caller can
// answer right away instead of stalling its own receive loop. The service
// layer keeps one pool per served service; with the default of one worker,
// requests are handled strictly in arrival order.
//
// # Usage
//
//	pool := worker.NewPool(1, 64, func(ctx context.Context, req request) error {
//	    return handle(ctx, req)
//	}, worker.WithErrorHandler(func(req request, err error) {
//	    logger.Warn("request failed", "error", err)
//	}))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(req); errors.Is(err, worker.ErrQueueFull) {
//	    // reject
//	}
//
// # Failure Handling
//
// A processor error or panic is counted as failed and passed to the error
// handler; the worker keeps running. Panics are reported as errors wrapping
// ErrProcessorPanic.
//
// # Lifecycle
//
// Start launches the workers. Stop closes the queue, waits for queued work to
// drain and releases metrics. Cancelling the Start context makes workers exit
// without draining. A stopped pool cannot be restarted.
//
// # Metrics
//
// WithMetrics exports nvbus_worker_* collectors with a constant "owner" label:
// queue depth, submitted, processed, failed, dropped and a processing duration
// histogram by status.
package worker
