package topic

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/pkg/buffer"
	"github.com/c360/nvbus/transport"
)

// Message is one decoded value delivered to a handler.
type Message struct {
	Topic    string
	Value    any
	Received time.Time
}

// Handler processes messages of one subscription, one at a time in arrival
// order. ctx is cancelled when the subscription ends.
type Handler func(ctx context.Context, msg Message) error

// ErrorHandler receives the problems a subscription survives: drops,
// decode failures and handler errors. It runs on the subscription goroutine.
type ErrorHandler func(err error)

type delivery struct {
	data     []byte
	received time.Time
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queueSize int
	onError   ErrorHandler
}

// WithSubscriptionQueueSize overrides the bus queue size for this subscription.
func WithSubscriptionQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithErrorHandler sets the subscription's error handler.
func WithErrorHandler(fn ErrorHandler) SubscribeOption {
	return func(o *subscribeOptions) {
		o.onError = fn
	}
}

// Subscription is an active topic subscription with its own bounded queue
// and delivery goroutine.
type Subscription struct {
	bus     *Bus
	id      uint64
	topic   string
	handler Handler
	onError ErrorHandler
	logger  *slog.Logger

	queue   buffer.Buffer[delivery]
	sub     transport.Subscription
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Topic returns the resolved topic name.
func (s *Subscription) Topic() string {
	return s.topic
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many messages overflowed the queue so far.
func (s *Subscription) Dropped() int64 {
	return s.queue.Stats().Drops()
}

// Unsubscribe stops delivery. It is safe to call more than once and from
// inside the handler; it does not wait for the goroutine to exit.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		s.cancel()
		_ = s.queue.Close()
		s.bus.remove(s)
	})
	return err
}

// enqueue runs on the transport's delivery goroutine and never blocks.
func (s *Subscription) enqueue(data []byte) {
	// Write fails only after Unsubscribe closed the queue.
	_ = s.queue.Write(delivery{data: data, received: time.Now()})
}

func (s *Subscription) onDrop(delivery) {
	s.dropped.Add(1)
	if s.bus.metrics != nil {
		s.bus.metrics.RecordDropped(s.bus.node, s.topic)
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.bus.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-s.queue.Ready():
			if !ok {
				return
			}
		}

		for s.ctx.Err() == nil {
			s.reportDrops()
			d, ok := s.queue.Read()
			if !ok {
				break
			}
			s.deliver(d)
		}
	}
}

func (s *Subscription) reportDrops() {
	n := s.dropped.Swap(0)
	if n == 0 {
		return
	}
	s.report(&DropError{Topic: s.topic, Dropped: n})
}

func (s *Subscription) deliver(d delivery) {
	value, err := codec.Decode(d.data)
	if err != nil {
		var de *errors.DecodingError
		if stderrors.As(err, &de) {
			de.Channel = s.topic
		}
		if s.bus.metrics != nil {
			s.bus.metrics.RecordDecodeError(s.bus.node, s.topic)
		}
		s.report(err)
		return
	}

	if s.bus.metrics != nil {
		s.bus.metrics.RecordReceived(s.bus.node, s.topic)
	}

	start := time.Now()
	err = s.invoke(Message{Topic: s.topic, Value: value, Received: d.received})
	if s.bus.metrics != nil {
		s.bus.metrics.RecordHandlerDuration(s.bus.node, "topic", time.Since(start))
	}
	if err != nil {
		s.report(err)
	}
}

func (s *Subscription) invoke(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Topic: s.topic, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	if err := s.handler(s.ctx, msg); err != nil {
		return &HandlerError{Topic: s.topic, Err: err}
	}
	return nil
}

func (s *Subscription) report(err error) {
	s.logger.Warn("Subscription error", "error", err)
	if s.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Error handler panicked", "panic", r)
		}
	}()
	s.onError(err)
}
