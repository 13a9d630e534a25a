package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/transport"
)

// DefaultPollInterval is how often the Wait methods re-check the registry.
const DefaultPollInterval = 100 * time.Millisecond

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records heartbeats and registry size on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry publishes one node's presence and endpoints and answers discovery
// queries about every node sharing the bucket.
//
// Endpoints added before Register are remembered and written when the node
// registers.
type Registry struct {
	kv      transport.KeyValue
	node    string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu         sync.Mutex
	registered bool
	info       Info
	subs       map[string]struct{}
	services   map[string]struct{}
	pubs       map[string]time.Time
	// pubs whose time changed since the last heartbeat
	dirtyPubs map[string]struct{}
}

// New creates a registry for node on kv.
func New(kv transport.KeyValue, node string, opts ...Option) (*Registry, error) {
	if node == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidName, "Registry", "New", "validate node name")
	}
	if kv == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil key/value bucket"), "Registry", "New", "validate bucket")
	}

	r := &Registry{
		kv:        kv,
		node:      node,
		logger:    slog.Default(),
		subs:      make(map[string]struct{}),
		services:  make(map[string]struct{}),
		pubs:      make(map[string]time.Time),
		dirtyPubs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry", "node", node)
	return r, nil
}

// Node returns the name this registry writes for.
func (r *Registry) Node() string {
	return r.node
}

// Registered reports whether the node key has been written and not removed.
func (r *Registry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// snapshotLocked renders the current node record. Caller holds r.mu.
func (r *Registry) snapshotLocked() Info {
	info := r.info.clone()
	info.Name = r.node
	info.Subscriptions = sortedKeys(r.subs)
	info.Services = sortedKeys(r.services)
	info.Publishers = make(map[string]time.Time, len(r.pubs))
	for topic, ts := range r.pubs {
		info.Publishers[topic] = ts
	}
	return info
}

// ownedKeysLocked lists every discovery key this node owns. Caller holds r.mu.
func (r *Registry) ownedKeysLocked() []string {
	keys := make([]string, 0, len(r.subs)+len(r.pubs)+len(r.services))
	for topic := range r.subs {
		keys = append(keys, SubscriberKey(topic, r.node))
	}
	for topic := range r.pubs {
		keys = append(keys, PublisherKey(topic, r.node))
	}
	for name := range r.services {
		keys = append(keys, ServiceKey(name, r.node))
	}
	return keys
}

func (r *Registry) writeNode(ctx context.Context, info Info) error {
	data, err := encodeInfo(info)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "writeNode", "encode node record")
	}
	if err := r.kv.Set(ctx, NodeKey(r.node), data); err != nil {
		return errors.Wrap(err, "Registry", "writeNode", "write node key")
	}
	return nil
}

func (r *Registry) writeEndpoint(ctx context.Context, key string, at time.Time) error {
	data, err := codec.Encode(unixSeconds(at))
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, key, data); err != nil {
		return errors.Wrap(err, "Registry", "writeEndpoint", "write "+key)
	}
	return nil
}

// Register writes the node key with info and every endpoint already known.
// Name is always the registry's node; a zero TimeRegistered is set to now.
func (r *Registry) Register(ctx context.Context, info Info) error {
	now := time.Now()

	r.mu.Lock()
	if info.TimeRegistered.IsZero() {
		info.TimeRegistered = now
	}
	info.TimeModified = now
	r.info = info.clone()
	snapshot := r.snapshotLocked()
	keys := r.ownedKeysLocked()
	clear(r.dirtyPubs)
	r.mu.Unlock()

	if err := r.writeNode(ctx, snapshot); err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.writeEndpoint(ctx, key, r.endpointTime(key, now)); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.registered = true
	r.mu.Unlock()

	r.logger.Debug("Registered node", "endpoints", len(keys))
	return nil
}

// endpointTime is the value written for key: the last publish time for
// publisher keys, now otherwise.
func (r *Registry) endpointTime(key string, now time.Time) time.Time {
	if !strings.HasPrefix(key, prefixPublisher+".") {
		return now
	}
	topic, _, ok := parseEndpointKey(key)
	if !ok {
		return now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.pubs[topic]; ok {
		return ts
	}
	return now
}

// Heartbeat rewrites the node key with a fresh modification time, writes
// publish times collected since the last beat and refreshes every other
// owned key. Keys that expired while the node was unreachable are restored.
func (r *Registry) Heartbeat(ctx context.Context) error {
	err := r.heartbeat(ctx)
	if r.metrics != nil {
		r.metrics.RecordHeartbeat(r.node, err == nil)
	}
	return err
}

func (r *Registry) heartbeat(ctx context.Context) error {
	now := time.Now()

	r.mu.Lock()
	if !r.registered {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Registry", "Heartbeat", "check registration")
	}
	r.info.TimeModified = now
	snapshot := r.snapshotLocked()
	dirty := make(map[string]time.Time, len(r.dirtyPubs))
	for topic := range r.dirtyPubs {
		dirty[PublisherKey(topic, r.node)] = r.pubs[topic]
	}
	clear(r.dirtyPubs)
	keys := r.ownedKeysLocked()
	r.mu.Unlock()

	if err := r.writeNode(ctx, snapshot); err != nil {
		return err
	}

	for _, key := range keys {
		if ts, ok := dirty[key]; ok {
			if err := r.writeEndpoint(ctx, key, ts); err != nil {
				return err
			}
			continue
		}
		err := r.kv.Expire(ctx, key)
		if stderrors.Is(err, transport.ErrKeyNotFound) {
			r.logger.Debug("Restoring expired key", "key", key)
			err = r.writeEndpoint(ctx, key, r.endpointTime(key, now))
		}
		if err != nil {
			return errors.Wrap(err, "Registry", "Heartbeat", "refresh "+key)
		}
	}
	return nil
}

// Deregister removes the node key and every owned discovery key. Endpoint
// bookkeeping is kept so a later Register restores it.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	keys := append(r.ownedKeysLocked(), NodeKey(r.node))
	r.registered = false
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			return r.kv.Delete(gctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "Registry", "Deregister", "delete keys")
	}
	r.logger.Debug("Deregistered node", "keys", len(keys))
	return nil
}

func (r *Registry) addEndpoint(ctx context.Context, set map[string]struct{}, key, name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Registry", "addEndpoint", "validate name")
	}
	r.mu.Lock()
	_, exists := set[name]
	set[name] = struct{}{}
	registered := r.registered
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if !registered || exists {
		return nil
	}
	if err := r.writeEndpoint(ctx, key, time.Now()); err != nil {
		return err
	}
	return r.writeNode(ctx, snapshot)
}

func (r *Registry) removeEndpoint(ctx context.Context, set map[string]struct{}, key, name string) error {
	r.mu.Lock()
	_, exists := set[name]
	delete(set, name)
	registered := r.registered
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if !registered || !exists {
		return nil
	}
	if err := r.kv.Delete(ctx, key); err != nil {
		return errors.Wrap(err, "Registry", "removeEndpoint", "delete "+key)
	}
	return r.writeNode(ctx, snapshot)
}

// AddSubscription records that this node subscribes to topic.
func (r *Registry) AddSubscription(ctx context.Context, topic string) error {
	return r.addEndpoint(ctx, r.subs, SubscriberKey(topic, r.node), topic)
}

// RemoveSubscription removes the subscriber key for topic.
func (r *Registry) RemoveSubscription(ctx context.Context, topic string) error {
	return r.removeEndpoint(ctx, r.subs, SubscriberKey(topic, r.node), topic)
}

// AddService records that this node serves name.
func (r *Registry) AddService(ctx context.Context, name string) error {
	return r.addEndpoint(ctx, r.services, ServiceKey(name, r.node), name)
}

// RemoveService removes the provider key for name.
func (r *Registry) RemoveService(ctx context.Context, name string) error {
	return r.removeEndpoint(ctx, r.services, ServiceKey(name, r.node), name)
}

// AddPublisher records a publish on topic. The first publish is written
// immediately; later ones are folded into the next heartbeat.
func (r *Registry) AddPublisher(ctx context.Context, topic string) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Registry", "AddPublisher", "validate topic")
	}
	now := time.Now()

	r.mu.Lock()
	_, seen := r.pubs[topic]
	r.pubs[topic] = now
	registered := r.registered
	if seen || !registered {
		if registered {
			r.dirtyPubs[topic] = struct{}{}
		}
		r.mu.Unlock()
		return nil
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if err := r.writeEndpoint(ctx, PublisherKey(topic, r.node), now); err != nil {
		return err
	}
	return r.writeNode(ctx, snapshot)
}

// Nodes lists live node names, sorted.
func (r *Registry) Nodes(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Scan(ctx, prefixNode+".*")
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Nodes", "scan node keys")
	}
	nodes := make([]string, 0, len(keys))
	for _, key := range keys {
		if name, ok := parseNodeKey(key); ok {
			nodes = append(nodes, name)
		}
	}
	sort.Strings(nodes)
	if r.metrics != nil {
		r.metrics.RecordRegistrySize(len(nodes))
	}
	return nodes, nil
}

// NodeInfo returns the record of a live node. A missing node yields an
// error matching transport.ErrKeyNotFound.
func (r *Registry) NodeInfo(ctx context.Context, name string) (Info, error) {
	data, err := r.kv.Get(ctx, NodeKey(name))
	if err != nil {
		return Info{}, fmt.Errorf("node %q: %w", name, err)
	}
	info, err := decodeInfo(data)
	if err != nil {
		return Info{}, fmt.Errorf("node %q: %w", name, err)
	}
	if info.Name == "" {
		info.Name = name
	}
	return info, nil
}

// NodeExists reports whether name holds a live node key.
func (r *Registry) NodeExists(ctx context.Context, name string) (bool, error) {
	_, err := r.kv.Get(ctx, NodeKey(name))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, transport.ErrKeyNotFound):
		return false, nil
	default:
		return false, errors.Wrap(err, "Registry", "NodeExists", "read node key")
	}
}

// endpoints groups "<prefix>.<name>.<node>" keys by name. An empty name
// lists every endpoint of the kind.
func (r *Registry) endpoints(ctx context.Context, prefix, name string) (map[string][]string, error) {
	keys, err := r.kv.Scan(ctx, endpointPattern(prefix, name))
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "endpoints", "scan "+prefix+" keys")
	}
	out := make(map[string][]string)
	for _, key := range keys {
		n, node, ok := parseEndpointKey(key)
		if !ok {
			r.logger.Warn("Ignoring malformed registry key", "key", key)
			continue
		}
		out[n] = append(out[n], node)
	}
	for n := range out {
		sort.Strings(out[n])
	}
	return out, nil
}

// Topics maps every live topic to the last publish time seen on it. Topics
// that only have subscribers map to the zero time.
func (r *Registry) Topics(ctx context.Context) (map[string]time.Time, error) {
	subs, err := r.endpoints(ctx, prefixSubscriber, "")
	if err != nil {
		return nil, err
	}
	keys, err := r.kv.Scan(ctx, endpointPattern(prefixPublisher, ""))
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Topics", "scan publisher keys")
	}

	topics := make(map[string]time.Time, len(subs)+len(keys))
	for topic := range subs {
		topics[topic] = time.Time{}
	}
	for _, key := range keys {
		topic, _, ok := parseEndpointKey(key)
		if !ok {
			continue
		}
		ts := topics[topic]
		if data, err := r.kv.Get(ctx, key); err == nil {
			if v, err := codec.Decode(data); err == nil {
				if t := fromUnix(v); t.After(ts) {
					ts = t
				}
			}
		}
		topics[topic] = ts
	}

	for topic := range topics {
		if internalChannel(topic) {
			delete(topics, topic)
		}
	}
	return topics, nil
}

// TopicSubscribers lists the nodes subscribed to topic.
func (r *Registry) TopicSubscribers(ctx context.Context, topic string) ([]string, error) {
	eps, err := r.endpoints(ctx, prefixSubscriber, topic)
	if err != nil {
		return nil, err
	}
	return nonNil(eps[topic]), nil
}

// TopicPublishers lists the nodes that have published on topic.
func (r *Registry) TopicPublishers(ctx context.Context, topic string) ([]string, error) {
	eps, err := r.endpoints(ctx, prefixPublisher, topic)
	if err != nil {
		return nil, err
	}
	return nonNil(eps[topic]), nil
}

// Services maps each live service to its providers. More than one provider
// means the name is contended and every provider answers calls.
func (r *Registry) Services(ctx context.Context) (map[string][]string, error) {
	return r.endpoints(ctx, prefixService, "")
}

// ServiceProviders lists the nodes serving name.
func (r *Registry) ServiceProviders(ctx context.Context, name string) ([]string, error) {
	eps, err := r.endpoints(ctx, prefixService, name)
	if err != nil {
		return nil, err
	}
	return nonNil(eps[name]), nil
}

// WaitForService blocks until some node serves name or ctx ends. A poll of
// zero uses DefaultPollInterval.
func (r *Registry) WaitForService(ctx context.Context, name string, poll time.Duration) error {
	return r.waitUntil(ctx, poll, "WaitForService", func() (bool, error) {
		providers, err := r.ServiceProviders(ctx, name)
		return len(providers) > 0, err
	})
}

// WaitForNodeAbsent blocks until no live key exists for name or ctx ends.
func (r *Registry) WaitForNodeAbsent(ctx context.Context, name string, poll time.Duration) error {
	return r.waitUntil(ctx, poll, "WaitForNodeAbsent", func() (bool, error) {
		exists, err := r.NodeExists(ctx, name)
		return !exists, err
	})
}

// waitUntil polls done. Transient lookup failures are retried until ctx ends.
func (r *Registry) waitUntil(ctx context.Context, poll time.Duration, method string, done func() (bool, error)) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := done()
		if err == nil && ok {
			return nil
		}
		if err != nil && errors.Classify(err) != errors.ErrorTransient {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "Registry", method, "wait")
		case <-ticker.C:
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
