package topic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/pkg/buffer"
	"github.com/c360/nvbus/transport"
)

// DefaultQueueSize is the per-subscription queue capacity.
const DefaultQueueSize = 256

// Discovery receives topic activity so other nodes can find it.
// *registry.Registry implements it.
type Discovery interface {
	AddPublisher(ctx context.Context, topic string) error
	AddSubscription(ctx context.Context, topic string) error
	RemoveSubscription(ctx context.Context, topic string) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records topic traffic on the registry's core metrics and
// exports each subscription queue.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bus) {
		if registry != nil {
			b.registry = registry
			b.metrics = registry.CoreMetrics()
		}
	}
}

// WithQueueSize sets the default subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithWorkspace prefixes every topic with "<workspace>.".
func WithWorkspace(workspace string) Option {
	return func(b *Bus) {
		b.workspace = strings.Trim(workspace, ".")
	}
}

// WithDiscovery reports publishers and subscriptions to d.
func WithDiscovery(d Discovery) Option {
	return func(b *Bus) {
		b.discovery = d
	}
}

// Bus publishes and subscribes to topics on behalf of one node.
type Bus struct {
	transport transport.Transport
	node      string
	workspace string
	queueSize int
	logger    *slog.Logger
	discovery Discovery
	registry  *metric.MetricsRegistry
	metrics   *metric.Metrics

	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

// New creates a bus for node over t.
func New(t transport.Transport, node string, opts ...Option) (*Bus, error) {
	if t == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil transport"), "Bus", "New", "validate transport")
	}
	if node == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidName, "Bus", "New", "validate node name")
	}

	b := &Bus{
		transport: t,
		node:      node,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
		subs:      make(map[string]map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "topic", "node", node)
	return b, nil
}

// Resolve turns a topic name into the channel used on the wire. A leading
// "." scopes the topic to this node; a workspace prefixes everything not
// already inside it.
func (b *Bus) Resolve(name string) string {
	if strings.HasPrefix(name, ".") {
		name = b.node + name
	}
	if b.workspace != "" && !strings.HasPrefix(name, b.workspace+".") {
		name = b.workspace + "." + name
	}
	return name
}

// Publish encodes value and sends it on topic. Nothing is sent when value
// cannot be encoded. Delivery is best-effort.
func (b *Bus) Publish(ctx context.Context, topic string, value any) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Bus", "Publish", "validate topic")
	}
	channel := b.Resolve(topic)

	data, err := codec.Encode(value)
	if err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, channel, data); err != nil {
		return err
	}

	if b.metrics != nil {
		b.metrics.RecordPublished(b.node, channel)
	}
	if b.discovery != nil {
		if err := b.discovery.AddPublisher(ctx, channel); err != nil {
			b.logger.Debug("Failed to record publisher", "topic", channel, "error", err)
		}
	}
	return nil
}

// Subscribe starts delivering messages on topic to handler. Each
// subscription has its own queue; when it is full the oldest message is
// dropped and the error handler is told.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if topic == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidName, "Bus", "Subscribe", "validate topic")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"), "Bus", "Subscribe", "validate handler")
	}
	channel := b.Resolve(topic)

	o := subscribeOptions{queueSize: b.queueSize}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Subscribe", "check bus state")
	}
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		bus:     b,
		id:      id,
		topic:   channel,
		handler: handler,
		onError: o.onError,
		logger:  b.logger.With("topic", channel),
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	bufOpts := []buffer.Option[delivery]{
		buffer.WithOverflowPolicy[delivery](buffer.DropOldest),
		buffer.WithDropCallback[delivery](s.onDrop),
	}
	if b.registry != nil {
		owner := fmt.Sprintf("%s.%s.%d", b.node, channel, id)
		bufOpts = append(bufOpts, buffer.WithMetrics[delivery](b.registry, owner))
	}
	queue, err := buffer.NewCircularBuffer[delivery](o.queueSize, bufOpts...)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Bus", "Subscribe", "create queue")
	}
	s.queue = queue

	sub, err := b.transport.Subscribe(ctx, channel, s.enqueue)
	if err != nil {
		cancel()
		_ = queue.Close()
		return nil, err
	}
	s.sub = sub

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Unsubscribe()
		cancel()
		_ = queue.Close()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Subscribe", "check bus state")
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*Subscription)
	}
	b.subs[channel][id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go s.run()

	if b.discovery != nil {
		if err := b.discovery.AddSubscription(ctx, channel); err != nil {
			b.logger.Warn("Failed to register subscription", "topic", channel, "error", err)
		}
	}
	b.logger.Debug("Subscribed", "topic", channel, "queue_size", o.queueSize)
	return s, nil
}

// remove forgets s and drops the discovery key once no subscription is
// left on its topic.
func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	subs := b.subs[s.topic]
	delete(subs, s.id)
	last := len(subs) == 0
	if last {
		delete(b.subs, s.topic)
	}
	closed := b.closed
	b.mu.Unlock()

	if last && !closed && b.discovery != nil {
		if err := b.discovery.RemoveSubscription(context.Background(), s.topic); err != nil {
			b.logger.Warn("Failed to remove subscription key", "topic", s.topic, "error", err)
		}
	}
}

// Unsubscribe is sub.Unsubscribe.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// UnsubscribeAll ends every subscription on topic.
func (b *Bus) UnsubscribeAll(topic string) error {
	channel := b.Resolve(topic)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs[channel]))
	for _, s := range b.subs[channel] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Topics lists the topics with at least one active subscription.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		out = append(out, topic)
	}
	return out
}

// Close ends every subscription and waits, until ctx ends, for their
// goroutines to exit. Discovery keys are left for the registry to remove.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		if err := s.Unsubscribe(); err != nil {
			b.logger.Debug("Unsubscribe failed during close", "topic", s.topic, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Bus", "Close", "wait for subscriptions")
	}
}
