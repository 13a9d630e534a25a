package transport

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/pkg/cache"
)

// Memory is an in-process broker. Publish delivers synchronously to every
// matching subscriber; buckets are TTL caches. Several nodes may share one
// Memory to talk to each other inside a process.
type Memory struct {
	mu        sync.RWMutex
	subs      map[uint64]*memorySub
	buckets   map[string]*memoryBucket
	listeners []func(Event)
	connected bool
	closed    bool
	nextID    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	metrics *metric.MetricsRegistry
	logger  *slog.Logger
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithMemoryMetrics exports per-bucket cache metrics with owner "bucket.<name>".
func WithMemoryMetrics(registry *metric.MetricsRegistry) MemoryOption {
	return func(m *Memory) {
		m.metrics = registry
	}
}

// WithMemoryLogger sets the logger. Defaults to slog.Default().
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemory creates a connected in-process broker.
func NewMemory(opts ...MemoryOption) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		subs:      make(map[uint64]*memorySub),
		buckets:   make(map[string]*memoryBucket),
		connected: true,
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "memory-broker")
	return m
}

type memorySub struct {
	id      uint64
	pattern string
	handler Handler
	broker  *Memory
	once    sync.Once
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
	})
	return nil
}

// usable reports why the broker cannot serve an operation, or nil. Caller
// holds mu.
func (m *Memory) usable(op string) error {
	if m.closed {
		return &errors.TransportError{Op: op, Err: ErrClosed, Fatal: true}
	}
	if !m.connected {
		return errors.NewTransportError(op, ErrNotConnected)
	}
	return nil
}

// Publish delivers a copy of data to every subscription matching channel.
func (m *Memory) Publish(_ context.Context, channel string, data []byte) error {
	if !ValidChannel(channel) {
		return errors.WrapInvalid(fmt.Errorf("invalid channel %q", channel), "Memory", "Publish", "validate channel")
	}

	m.mu.RLock()
	if err := m.usable("publish"); err != nil {
		m.mu.RUnlock()
		return err
	}
	var targets []Handler
	for _, sub := range m.subs {
		if MatchSubject(sub.pattern, channel) {
			targets = append(targets, sub.handler)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}
	msg := append([]byte(nil), data...)
	for _, h := range targets {
		h(msg)
	}
	return nil
}

// Subscribe registers handler for channel. The pattern may use NATS
// wildcards.
func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	if channel == "" || handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidName, "Memory", "Subscribe", "channel and handler required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &errors.TransportError{Op: "subscribe", Err: ErrClosed, Fatal: true}
	}

	sub := &memorySub{
		id:      m.nextID.Add(1),
		pattern: channel,
		handler: handler,
		broker:  m,
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// KeyValue opens a bucket, creating it on first use. A later open of the same
// bucket keeps the original TTL.
func (m *Memory) KeyValue(_ context.Context, cfg BucketConfig) (KeyValue, error) {
	if !ValidBucket(cfg.Name) {
		return nil, errors.WrapInvalid(fmt.Errorf("invalid bucket name %q", cfg.Name),
			"Memory", "KeyValue", "validate bucket name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable("open bucket"); err != nil {
		return nil, err
	}
	if b, ok := m.buckets[cfg.Name]; ok {
		return b, nil
	}

	opts := []cache.Option[[]byte]{}
	if m.metrics != nil {
		opts = append(opts, cache.WithMetrics[[]byte](m.metrics, "bucket."+cfg.Name))
	}
	sweep := cfg.TTL / 2
	if sweep <= 0 || sweep > time.Second {
		sweep = time.Second
	}
	c, err := cache.NewTTL[[]byte](m.ctx, cfg.TTL, sweep, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Memory", "KeyValue", "create bucket "+cfg.Name)
	}

	b := &memoryBucket{name: cfg.Name, cache: c, broker: m}
	m.buckets[cfg.Name] = b
	m.logger.Debug("Created bucket", "bucket", cfg.Name, "ttl", cfg.TTL)
	return b, nil
}

// OnEvent registers a connection event listener.
func (m *Memory) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Memory) emit(ev Event) {
	m.mu.RLock()
	listeners := append([]func(Event){}, m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Disconnect simulates losing the broker. Operations fail with a transient
// TransportError until Reconnect.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	if m.closed || !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	m.logger.Warn("Broker disconnected")
	m.emit(Event{Type: EventDisconnected, Err: ErrNotConnected})
}

// Reconnect ends a simulated outage. Subscriptions and bucket contents survive.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	if m.closed || m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.mu.Unlock()

	m.logger.Info("Broker reconnected")
	m.emit(Event{Type: EventReconnected})
}

// Close drops every subscription and bucket and emits EventClosed.
func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	buckets := m.buckets
	m.buckets = make(map[string]*memoryBucket)
	m.subs = make(map[uint64]*memorySub)
	m.mu.Unlock()

	var firstErr error
	for _, b := range buckets {
		if err := b.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.cancel()

	m.emit(Event{Type: EventClosed, Err: ErrClosed})
	return firstErr
}

type memoryBucket struct {
	name   string
	cache  cache.Cache[[]byte]
	broker *Memory

	// mu orders writes against Modify.
	mu sync.Mutex
}

func (b *memoryBucket) Bucket() string { return b.name }

func (b *memoryBucket) check(op, key string) error {
	b.broker.mu.RLock()
	err := b.broker.usable(op)
	b.broker.mu.RUnlock()
	if err != nil {
		return err
	}
	if key != "" && !ValidKey(key) {
		return errors.WrapInvalid(fmt.Errorf("invalid key %q", key), "Memory", op, "validate key")
	}
	return nil
}

func (b *memoryBucket) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Memory", "kv set", "key required")
	}
	if err := b.check("kv set", key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.cache.Set(key, append([]byte(nil), value...))
	return err
}

func (b *memoryBucket) Get(_ context.Context, key string) ([]byte, error) {
	if err := b.check("kv get", key); err != nil {
		return nil, err
	}
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) error {
	if err := b.check("kv delete", key); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.cache.Delete(key)
	return err
}

func (b *memoryBucket) Modify(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Memory", "kv modify", "key required")
	}
	if err := b.check("kv modify", key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.cache.Get(key)
	if !ok {
		return ErrKeyNotFound
	}
	next, err := fn(append([]byte(nil), current...))
	if err != nil {
		return err
	}
	_, err = b.cache.Set(key, append([]byte(nil), next...))
	return err
}

func (b *memoryBucket) Scan(_ context.Context, pattern string) ([]string, error) {
	if err := b.check("kv scan", ""); err != nil {
		return nil, err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, errors.WrapInvalid(err, "Memory", "kv scan", "bad pattern "+pattern)
	}

	keys := []string{}
	for _, k := range b.cache.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memoryBucket) Expire(_ context.Context, key string) error {
	if err := b.check("kv expire", key); err != nil {
		return err
	}
	if !b.cache.Touch(key) {
		return ErrKeyNotFound
	}
	return nil
}
