package topic

import (
	"fmt"

	"github.com/c360/nvbus/errors"
)

// DropError reports messages discarded because a subscription's queue was
// full. The oldest queued messages are the ones dropped.
type DropError struct {
	Topic   string
	Dropped int64
}

func (e *DropError) Error() string {
	return fmt.Sprintf("topic %q: dropped %d message(s), queue full", e.Topic, e.Dropped)
}

// Is matches errors.ErrQueueOverflow.
func (e *DropError) Is(target error) bool { return target == errors.ErrQueueOverflow }

// ErrorClass marks drops as transient; the subscription keeps running.
func (e *DropError) ErrorClass() errors.ErrorClass { return errors.ErrorTransient }

// HandlerError wraps an error returned by, or a panic raised in, a
// subscription handler.
type HandlerError struct {
	Topic string
	Err   error
	Panic bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("topic %q: handler panicked: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("topic %q: handler failed: %v", e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
