package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/transport"
)

// DefaultTimeout bounds a call when no timeout is given.
const DefaultTimeout = 10 * time.Second

// Waiter blocks until a service has a provider. *registry.Registry
// implements it.
type Waiter interface {
	WaitForService(ctx context.Context, name string, poll time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics records call outcomes on m.
func WithClientMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDefaultTimeout sets the timeout used by calls without WithTimeout.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithWaiter lets WaitForService consult w.
func WithWaiter(w Waiter) ClientOption {
	return func(c *Client) {
		c.waiter = w
	}
}

// CallOption configures one call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the client's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

type outcome struct {
	result any
	err    error
}

// Client makes service calls on behalf of one node.
type Client struct {
	transport transport.Transport
	node      string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metric.Metrics
	waiter    Waiter

	mu      sync.Mutex
	pending map[string]chan outcome
	closed  bool
}

// NewClient creates a client for node over t.
func NewClient(t transport.Transport, node string, opts ...ClientOption) (*Client, error) {
	if t == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil transport"), "Client", "NewClient", "validate transport")
	}
	c := &Client{
		transport: t,
		node:      node,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		pending:   make(map[string]chan outcome),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "service", "node", node)
	return c, nil
}

// Call invokes service name and waits for its response.
//
// The result is the handler's return value in canonical codec form. Errors:
// *errors.EncodingError when the arguments cannot be encoded (nothing is
// sent), *errors.RemoteServiceError when the handler failed,
// *errors.ServiceTimeoutError when no response arrived in time or the wait
// was abandoned, and a transport error when the broker failed.
func (c *Client) Call(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...CallOption) (any, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidName, "Client", "Call", "validate service name")
	}
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	result, err := c.call(ctx, name, args, kwargs, o.timeout)
	if c.metrics != nil {
		c.metrics.RecordServiceCall(c.node, name, outcomeOf(err), time.Since(start))
	}
	return result, err
}

func (c *Client) call(ctx context.Context, name string, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	id := uuid.NewString()
	replyTo := ReplyPrefix + id

	data, err := encodeCall(Request{
		Service:       name,
		Args:          args,
		Kwargs:        kwargs,
		CorrelationID: id,
		ReplyTo:       replyTo,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan outcome, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &errors.ServiceTimeoutError{Service: name, Timeout: timeout, Err: errors.ErrShuttingDown}
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	// The reply subscription exists before the call is visible to servers.
	sub, err := c.transport.Subscribe(ctx, replyTo, func(data []byte) {
		c.receive(name, id, data)
	})
	if err != nil {
		return nil, errors.NewTransportError("subscribe reply", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("Reply unsubscribe failed", "service", name, "error", err)
		}
	}()

	if err := c.transport.Publish(ctx, Channel(name), data); err != nil {
		return nil, errors.NewTransportError("publish call", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		var te *errors.ServiceTimeoutError
		if stderrors.As(out.err, &te) && te.Service == "" {
			return nil, &errors.ServiceTimeoutError{Service: name, Timeout: timeout, Err: te.Err}
		}
		return out.result, out.err
	case <-timer.C:
		return nil, &errors.ServiceTimeoutError{Service: name, Timeout: timeout}
	case <-ctx.Done():
		return nil, &errors.ServiceTimeoutError{Service: name, Timeout: timeout, Err: ctx.Err()}
	}
}

// receive runs on the transport delivery goroutine.
func (c *Client) receive(name, id string, data []byte) {
	resp, err := decodeResponse(data)
	if err != nil {
		var de *errors.DecodingError
		if stderrors.As(err, &de) {
			de.Channel = ReplyPrefix + id
		}
		if c.metrics != nil {
			c.metrics.RecordDecodeError(c.node, ReplyPrefix+id)
		}
		c.logger.Warn("Discarding malformed response", "service", name, "error", err)
		return
	}
	if resp.correlationID != id {
		c.logger.Debug("Discarding response for another call", "service", name,
			"correlation_id", resp.correlationID)
		return
	}

	out := outcome{result: resp.result}
	if resp.failed {
		out = outcome{err: &errors.RemoteServiceError{Service: name, Message: resp.errMsg}}
	}
	c.deliver(id, out)
}

// deliver hands out to the waiter of id, once.
func (c *Client) deliver(id string, out outcome) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailPending releases every waiting call with err.
func (c *Client) FailPending(err error) {
	c.mu.Lock()
	waiting := c.pending
	c.pending = make(map[string]chan outcome)
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- outcome{err: err}
	}
	if len(waiting) > 0 {
		c.logger.Debug("Released pending calls", "count", len(waiting), "reason", err)
	}
}

// Close rejects new calls and releases pending ones with a
// ServiceTimeoutError wrapping errors.ErrShuttingDown.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.FailPending(&errors.ServiceTimeoutError{Err: errors.ErrShuttingDown})
}

// WaitForService blocks until name has a provider or ctx ends.
func (c *Client) WaitForService(ctx context.Context, name string) error {
	if c.waiter == nil {
		return errors.WrapInvalid(fmt.Errorf("no registry configured"), "Client", "WaitForService", "check registry")
	}
	return c.waiter.WaitForService(ctx, name, 0)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metric.OutcomeOK
	case stderrors.Is(err, errors.ErrRemoteService):
		return metric.OutcomeRemote
	case stderrors.Is(err, errors.ErrServiceTimeout):
		return metric.OutcomeTimeout
	case stderrors.Is(err, errors.ErrEncoding):
		return "encoding_error"
	default:
		return metric.OutcomeTransport
	}
}
