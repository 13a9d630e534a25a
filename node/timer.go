package node

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/c360/nvbus/errors"
)

// Timer calls a function at a fixed interval on its own goroutine. Ticks
// that arrive while the function is still running are skipped.
type Timer struct {
	interval time.Duration
	fn       func(context.Context)
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// NewTimer runs fn every interval until the timer or the node stops.
// With immediate set fn also runs once right away.
func (n *Node) NewTimer(interval time.Duration, fn func(context.Context), immediate bool) (*Timer, error) {
	if err := n.running("NewTimer"); err != nil {
		return nil, err
	}
	if interval <= 0 || fn == nil {
		return nil, errors.WrapInvalid(stderrors.New("interval must be positive and fn set"), "Node", "NewTimer", "validate timer")
	}

	ctx, cancel := context.WithCancel(n.ctx)
	t := &Timer{
		interval: interval,
		fn:       fn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if !n.spawn(func() { t.run(ctx, immediate, n) }) {
		cancel()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Node", "NewTimer", "start timer")
	}
	return t, nil
}

func (t *Timer) run(ctx context.Context, immediate bool, n *Node) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if immediate {
		t.fire(ctx, n)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire(ctx, n)
		}
	}
}

func (t *Timer) fire(ctx context.Context, n *Node) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Timer callback panicked", "interval", t.interval, "panic", r)
		}
	}()
	t.fn(ctx)
}

// Interval returns the timer period.
func (t *Timer) Interval() time.Duration { return t.interval }

// Stop cancels the timer and waits for a running callback to return. Must
// not be called from the timer's own callback.
func (t *Timer) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}
