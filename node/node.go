package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/health"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/param"
	"github.com/c360/nvbus/registry"
	"github.com/c360/nvbus/service"
	"github.com/c360/nvbus/topic"
	"github.com/c360/nvbus/transport"
)

// State is the lifecycle state of a node.
type State int32

const (
	StateStopped  State = metric.StateStopped
	StateStarting State = metric.StateStarting
	StateRunning  State = metric.StateRunning
	StateStopping State = metric.StateStopping
	StateFailed   State = metric.StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Node is one participant on the bus: a named registry record plus the
// topic, service and parameter facilities that act on its behalf.
//
// A Node runs once: after Stop it cannot be started again.
type Node struct {
	name      string
	opts      options
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metric.Metrics

	registry *registry.Registry
	params   *param.Store
	bus      *topic.Bus
	client   *service.Client
	server   *service.Server
	monitor  *health.Monitor

	state     atomic.Int32
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	// goMu orders wg.Add in spawn against the wait in shutdown.
	goMu sync.Mutex
	wg   sync.WaitGroup
	kick chan struct{}

	stopOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error

	connected atomic.Bool
	missed    atomic.Int32
}

// New creates a node named name on t. Nothing touches the broker until
// Start.
func New(name string, t transport.Transport, opts ...Option) (*Node, error) {
	if !param.ValidName(name) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q may only hold letters, digits, '-', '_' and '='", errors.ErrInvalidName, name),
			"Node", "New", "validate node name")
	}
	if t == nil {
		return nil, errors.WrapInvalid(stderrors.New("nil transport"), "Node", "New", "validate transport")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		name:      name,
		opts:      o,
		transport: t,
		logger:    o.logger.With("node", name),
		monitor:   health.NewMonitor(),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if o.metrics != nil {
		n.metrics = o.metrics.CoreMetrics()
	}
	n.connected.Store(true)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Logger returns the node's logger.
func (n *Node) Logger() *slog.Logger { return n.logger }

// State returns the lifecycle state.
func (n *Node) State() State { return State(n.state.Load()) }

// Done is closed once the node has stopped.
func (n *Node) Done() <-chan struct{} { return n.done }

// Err returns the error that stopped the node, or nil after a graceful stop.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
	if n.metrics != nil {
		n.metrics.RecordNodeState(n.name, int(s))
	}
}

// running returns an error unless the node is running.
func (n *Node) running(method string) error {
	switch n.State() {
	case StateRunning:
		return nil
	case StateStopping, StateFailed:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Node", method, "check node state")
	case StateStopped:
		select {
		case <-n.done:
			return errors.WrapInvalid(errors.ErrShuttingDown, "Node", method, "check node state")
		default:
		}
	}
	return errors.WrapInvalid(errors.ErrNotStarted, "Node", method, "check node state")
}

// Start registers the node and starts its background tasks.
//
// If a live record with the same name exists, Start waits up to the
// duplicate wait for it to expire and then fails with ErrDuplicateNode.
func (n *Node) Start(ctx context.Context) error {
	if !n.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Node", "Start", "check node state")
	}
	select {
	case <-n.done:
		n.state.Store(int32(StateStopped))
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Node", "Start", "check node state")
	default:
	}
	n.setState(StateStarting)
	n.logger.Info("Starting node", "workspace", n.opts.workspace, "registered", !n.opts.skipRegistration)

	if err := n.start(ctx); err != nil {
		n.logger.Error("Node failed to start", "error", err)
		n.abort(err)
		return err
	}

	n.startedAt = time.Now()
	n.setState(StateRunning)
	n.logger.Info("Node started")
	return nil
}

func (n *Node) start(ctx context.Context) error {
	regKV, err := n.transport.KeyValue(ctx, transport.BucketConfig{
		Name:        registry.Bucket,
		TTL:         n.opts.ttl,
		Description: "nvbus node registry",
	})
	if err != nil {
		return errors.Wrap(err, "Node", "Start", "open registry bucket")
	}
	paramKV, err := n.transport.KeyValue(ctx, transport.BucketConfig{
		Name:        registry.ParametersBucket,
		Description: "nvbus parameters",
	})
	if err != nil {
		return errors.Wrap(err, "Node", "Start", "open parameter bucket")
	}

	if n.registry, err = registry.New(regKV, n.name,
		registry.WithLogger(n.opts.logger), registry.WithMetrics(n.metrics)); err != nil {
		return err
	}
	if n.params, err = param.New(paramKV, param.WithLogger(n.logger)); err != nil {
		return err
	}

	if !n.opts.skipRegistration {
		if err := n.claimName(ctx); err != nil {
			return err
		}
		if err := n.registry.Register(ctx, registry.Info{Version: n.opts.version, Process: n.opts.process}); err != nil {
			return errors.Wrap(err, "Node", "Start", "register node")
		}
		if !n.opts.keepParameters {
			if err := n.params.DeleteAll(ctx, n.name); err != nil && !errors.IsInvalid(err) {
				return errors.Wrap(err, "Node", "Start", "reset parameters")
			}
		}
	}

	busOpts := []topic.Option{
		topic.WithLogger(n.opts.logger),
		topic.WithMetrics(n.opts.metrics),
		topic.WithQueueSize(n.opts.queueSize),
		topic.WithWorkspace(n.opts.workspace),
	}
	clientOpts := []service.ClientOption{
		service.WithClientLogger(n.opts.logger),
		service.WithClientMetrics(n.metrics),
		service.WithDefaultTimeout(n.opts.serviceTimeout),
		service.WithWaiter(n.registry),
	}
	serverOpts := []service.ServerOption{
		service.WithServerLogger(n.opts.logger),
		service.WithServerMetrics(n.opts.metrics),
		service.WithDefaultParallelism(n.opts.parallelism),
	}
	if !n.opts.skipRegistration {
		busOpts = append(busOpts, topic.WithDiscovery(n.registry))
		serverOpts = append(serverOpts, service.WithAnnouncer(n.registry))
	}

	if n.bus, err = topic.New(n.transport, n.name, busOpts...); err != nil {
		return err
	}
	if n.client, err = service.NewClient(n.transport, n.name, clientOpts...); err != nil {
		return err
	}
	if n.server, err = service.NewServer(n.transport, n.name, serverOpts...); err != nil {
		return err
	}

	n.transport.OnEvent(n.onTransportEvent)

	if !n.opts.skipRegistration {
		n.spawn(n.heartbeatLoop)
	}

	if n.opts.terminate {
		if _, err := n.bus.Subscribe(ctx, TerminateTopic, n.handleTerminate); err != nil {
			return errors.Wrap(err, "Node", "Start", "subscribe "+TerminateTopic)
		}
	}
	return nil
}

// claimName waits for a live record of the same name to go away.
func (n *Node) claimName(ctx context.Context) error {
	exists, err := n.registry.NodeExists(ctx, n.name)
	if err != nil {
		return errors.Wrap(err, "Node", "Start", "check duplicate name")
	}
	if !exists {
		return nil
	}

	n.logger.Warn("Node name already registered, waiting for it to expire", "wait", n.opts.duplicateWait)
	waitCtx, cancel := context.WithTimeout(ctx, n.opts.duplicateWait)
	defer cancel()

	err = n.registry.WaitForNodeAbsent(waitCtx, n.name, 0)
	switch {
	case err == nil:
		n.logger.Info("Previous node record expired")
		return nil
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), "Node", "Start", "wait for duplicate name")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapFatal(errors.ErrDuplicateNode, "Node", "Start", "claim name "+n.name)
	default:
		return err
	}
}

// abort releases whatever a failed Start acquired.
func (n *Node) abort(err error) {
	n.stopOnce.Do(func() {
		n.shutdown(context.Background(), err)
	})
}

// spawn runs fn on a goroutine that shutdown waits for. It returns false
// without running fn once the node context has ended.
func (n *Node) spawn(fn func()) bool {
	n.goMu.Lock()
	defer n.goMu.Unlock()

	if n.ctx.Err() != nil {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		case <-n.kick:
		}
		n.beat()
	}
}

func (n *Node) beat() {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.heartbeat)
	defer cancel()

	if err := n.registry.Heartbeat(ctx); err != nil {
		if n.ctx.Err() != nil {
			return
		}
		missed := n.missed.Add(1)
		n.logger.Warn("Heartbeat failed", "error", err, "missed", missed)
		return
	}
	if n.missed.Swap(0) > 0 {
		n.logger.Info("Heartbeat restored")
	}
}

// Heartbeat refreshes the registry record now instead of at the next tick.
func (n *Node) Heartbeat() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *Node) onTransportEvent(ev transport.Event) {
	if st := n.State(); st != StateRunning && st != StateStarting {
		return
	}

	switch ev.Type {
	case transport.EventDisconnected:
		n.connected.Store(false)
		n.logger.Error("Lost broker connection", "error", ev.Err)
		n.client.FailPending(errors.NewTransportError("connection", transport.ErrNotConnected))
	case transport.EventReconnected:
		n.connected.Store(true)
		n.logger.Info("Broker connection restored")
		if !n.opts.skipRegistration {
			n.Heartbeat()
		}
	case transport.EventClosed:
		n.connected.Store(false)
		err := &errors.TransportError{Op: "connection", Err: errors.ErrReconnectExhausted, Fatal: true}
		n.logger.Error("Broker connection closed, stopping node", "error", err)
		go n.fail(err)
	}
}

func (n *Node) handleTerminate(_ context.Context, msg topic.Message) error {
	m, ok := msg.Value.(map[string]any)
	if !ok {
		return nil
	}
	if target, _ := m["node"].(string); target != n.name {
		return nil
	}
	reason, _ := m["reason"].(string)
	n.logger.Info("Terminated remotely", "reason", reason)

	// Stop waits for subscription goroutines, this one included.
	go func() { _ = n.Stop(context.Background()) }()
	return nil
}

// fail stops the node with a terminal error.
func (n *Node) fail(err error) {
	n.stopOnce.Do(func() {
		n.setState(StateStopping)
		ctx, cancel := context.WithTimeout(context.Background(), n.opts.stopTimeout)
		defer cancel()
		n.shutdown(ctx, err)
	})
}

// Spin blocks until the node stops or ctx ends. It returns the error that
// stopped the node, nil after a graceful stop, or ctx's error.
func (n *Node) Spin(ctx context.Context) error {
	select {
	case <-n.done:
		return n.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the node down: background tasks end, pending calls fail with
// a ServiceTimeoutError, services and subscriptions stop, and the registry
// keys are removed. Safe to call more than once; later calls wait for the
// first to finish. Must not be called from a subscription or service
// handler of the same node; use a goroutine there.
func (n *Node) Stop(ctx context.Context) error {
	if n.State() == StateStopped {
		select {
		case <-n.done:
			return nil
		default:
			return errors.WrapInvalid(errors.ErrNotStarted, "Node", "Stop", "check node state")
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.stopTimeout)
		defer cancel()
	}

	n.stopOnce.Do(func() {
		n.setState(StateStopping)
		n.logger.Info("Stopping node")
		n.shutdown(ctx, nil)
	})

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Node", "Stop", "wait for shutdown")
	}
}

// shutdown runs once. cause is nil for a graceful stop.
func (n *Node) shutdown(ctx context.Context, cause error) {
	n.goMu.Lock()
	n.cancel()
	n.goMu.Unlock()

	if n.client != nil {
		n.client.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if n.server != nil {
		g.Go(func() error { return n.server.Close(gctx) })
	}
	if n.bus != nil {
		g.Go(func() error { return n.bus.Close(gctx) })
	}
	if err := g.Wait(); err != nil {
		n.logger.Warn("Shutdown incomplete", "error", err)
	}

	n.wg.Wait()

	if n.registry != nil && n.registry.Registered() {
		if err := n.registry.Deregister(ctx); err != nil {
			level := slog.LevelWarn
			if cause != nil {
				level = slog.LevelDebug
			}
			n.logger.Log(ctx, level, "Failed to deregister", "error", err)
		}
	}

	n.errMu.Lock()
	n.err = cause
	n.errMu.Unlock()

	if cause != nil {
		n.setState(StateFailed)
		n.logger.Error("Node stopped", "error", cause)
	} else {
		n.setState(StateStopped)
		n.logger.Info("Node stopped", "uptime", time.Since(n.startedAt).Round(time.Millisecond))
	}
	close(n.done)
}

// Health reports the node and its parts.
func (n *Node) Health() health.Status {
	state := n.State()
	if state != StateRunning {
		s := health.NewUnhealthy(n.name, "node "+state.String())
		if err := n.Err(); err != nil {
			s = health.FromCheck(n.name, health.Check{LastError: err})
		}
		return s
	}

	n.monitor.UpdateCheck("transport", health.Check{
		Healthy:   n.connected.Load(),
		LastError: n.transportError(),
	})

	if !n.opts.skipRegistration {
		missed := int(n.missed.Load())
		n.monitor.UpdateCheck("heartbeat", health.Check{
			Healthy:    time.Duration(missed)*n.opts.heartbeat < n.opts.ttl,
			Degraded:   missed > 0,
			ErrorCount: missed,
		})
	}

	n.monitor.UpdateCheck("topics", health.Check{Healthy: true, Uptime: time.Since(n.startedAt)})
	n.monitor.UpdateCheck("services", health.Check{Healthy: true})

	return n.monitor.AggregateHealth(n.name)
}

func (n *Node) transportError() error {
	if n.connected.Load() {
		return nil
	}
	return transport.ErrNotConnected
}
