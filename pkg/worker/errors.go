package worker

import "errors"

// Pool errors. Submit and Start return them unwrapped.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull is returned by Submit instead of blocking.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor is the panic value of NewPool without a processor.
	ErrNilProcessor = errors.New("worker pool needs a processor")

	// ErrStopTimeout means queued work was still running when Stop gave up.
	ErrStopTimeout = errors.New("worker pool stop timed out")

	// ErrProcessorPanic wraps the value a processor panicked with.
	ErrProcessorPanic = errors.New("worker processor panicked")
)
