package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/pkg/worker"
	"github.com/c360/nvbus/transport"
)

// DefaultStopTimeout bounds how long Unserve waits for running handlers.
const DefaultStopTimeout = 5 * time.Second

// Handler answers one request. The returned value must be encodable by the
// codec; an error is sent back to the caller as its text.
type Handler func(ctx context.Context, req Request) (any, error)

// Announcer publishes which services a node provides. *registry.Registry
// implements it.
type Announcer interface {
	AddService(ctx context.Context, name string) error
	RemoveService(ctx context.Context, name string) error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics records handled requests and exports each service's
// worker pool.
func WithServerMetrics(registry *metric.MetricsRegistry) ServerOption {
	return func(s *Server) {
		if registry != nil {
			s.registry = registry
			s.metrics = registry.CoreMetrics()
		}
	}
}

// WithAnnouncer registers served names with a.
func WithAnnouncer(a Announcer) ServerOption {
	return func(s *Server) {
		s.announcer = a
	}
}

// WithDefaultParallelism sets the parallelism of services served without
// WithParallelism.
func WithDefaultParallelism(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// ServeOption configures one served service.
type ServeOption func(*serveOptions)

type serveOptions struct {
	parallelism int
	queueSize   int
	limiter     *rate.Limiter
}

// WithParallelism lets up to n requests run at once. The default of 1
// handles requests strictly in arrival order.
func WithParallelism(n int) ServeOption {
	return func(o *serveOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithRequestQueue bounds requests waiting for a worker. Requests beyond it
// are answered with an error immediately.
func WithRequestQueue(n int) ServeOption {
	return func(o *serveOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRateLimit admits at most perSecond calls per second with bursts of
// burst. Calls over the limit are answered at once with an error.
func WithRateLimit(perSecond float64, burst int) ServeOption {
	return func(o *serveOptions) {
		if perSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// Server answers calls for the services one node provides.
type Server struct {
	transport   transport.Transport
	node        string
	parallelism int
	logger      *slog.Logger
	registry    *metric.MetricsRegistry
	metrics     *metric.Metrics
	announcer   Announcer

	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool
}

// NewServer creates a server for node over t.
func NewServer(t transport.Transport, node string, opts ...ServerOption) (*Server, error) {
	if t == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil transport"), "Server", "NewServer", "validate transport")
	}
	s := &Server{
		transport:   t,
		node:        node,
		parallelism: worker.DefaultWorkers,
		logger:      slog.Default(),
		endpoints:   make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "service", "node", node)
	return s, nil
}

type endpoint struct {
	server  *Server
	name    string
	handler Handler
	logger  *slog.Logger
	limiter *rate.Limiter

	pool   *worker.Pool[Request]
	sub    transport.Subscription
	cancel context.CancelFunc
}

// Serve starts answering calls to name. Several nodes may serve the same
// name; each of them answers and the caller keeps the first response.
func (s *Server) Serve(ctx context.Context, name string, handler Handler, opts ...ServeOption) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidName, "Server", "Serve", "validate service name")
	}
	if handler == nil {
		return errors.WrapInvalid(fmt.Errorf("nil handler"), "Server", "Serve", "validate handler")
	}
	o := serveOptions{parallelism: s.parallelism, queueSize: worker.DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Server", "Serve", "check server state")
	}
	if _, exists := s.endpoints[name]; exists {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Serve", "service "+name)
	}
	ep := &endpoint{
		server:  s,
		name:    name,
		handler: handler,
		logger:  s.logger.With("service", name),
		limiter: o.limiter,
	}
	s.endpoints[name] = ep
	s.mu.Unlock()

	if err := ep.start(ctx, o); err != nil {
		s.mu.Lock()
		delete(s.endpoints, name)
		s.mu.Unlock()
		return err
	}

	if s.announcer != nil {
		if err := s.announcer.AddService(ctx, name); err != nil {
			s.logger.Warn("Failed to register service", "service", name, "error", err)
		}
	}
	s.logger.Debug("Serving", "service", name, "parallelism", o.parallelism)
	return nil
}

func (ep *endpoint) start(ctx context.Context, o serveOptions) error {
	s := ep.server

	poolOpts := []worker.Option[Request]{
		worker.WithErrorHandler[Request](func(req Request, err error) {
			ep.logger.Warn("Request failed", "correlation_id", req.CorrelationID, "error", err)
		}),
	}
	if s.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[Request](s.registry, s.node+".srv."+ep.name))
	}
	ep.pool = worker.NewPool[Request](o.parallelism, o.queueSize, ep.process, poolOpts...)

	poolCtx, cancel := context.WithCancel(context.Background())
	ep.cancel = cancel
	if err := ep.pool.Start(poolCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Server", "Serve", "start worker pool")
	}

	sub, err := s.transport.Subscribe(ctx, Channel(ep.name), ep.receive)
	if err != nil {
		cancel()
		_ = ep.pool.Stop(DefaultStopTimeout)
		return err
	}
	ep.sub = sub
	return nil
}

// receive runs on the transport delivery goroutine and never blocks.
func (ep *endpoint) receive(data []byte) {
	s := ep.server
	req, err := decodeCall(data)
	if err != nil {
		var de *errors.DecodingError
		if stderrors.As(err, &de) {
			de.Channel = Channel(ep.name)
		}
		if s.metrics != nil {
			s.metrics.RecordDecodeError(s.node, Channel(ep.name))
		}
		ep.logger.Warn("Dropping malformed call", "error", err)
		return
	}
	if req.Service == "" {
		req.Service = ep.name
	}

	if ep.limiter != nil && !ep.limiter.Allow() {
		ep.reject(req, "rate limited", "limited")
		return
	}
	if err := ep.pool.Submit(req); err != nil {
		status := "rejected"
		if !stderrors.Is(err, worker.ErrQueueFull) {
			// Unserve in progress.
			status = "stopped"
		}
		ep.reject(req, err.Error(), status)
	}
}

// reject answers req with an error without running the handler.
func (ep *endpoint) reject(req Request, reason, status string) {
	ep.logger.Warn("Rejecting call", "correlation_id", req.CorrelationID, "reason", reason)
	ep.record(status)
	data, err := encodeError(req.CorrelationID, fmt.Sprintf("service %s unavailable: %s", ep.name, reason))
	if err != nil {
		ep.logger.Error("Failed to encode rejection", "correlation_id", req.CorrelationID, "error", err)
		return
	}
	if err := ep.reply(req, data); err != nil {
		ep.logger.Warn("Failed to send rejection", "correlation_id", req.CorrelationID, "error", err)
	}
}

func (ep *endpoint) process(ctx context.Context, req Request) error {
	s := ep.server
	start := time.Now()
	result, err := ep.invoke(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordHandlerDuration(s.node, "service", time.Since(start))
	}

	var data []byte
	status := "ok"
	if err != nil {
		status = "error"
	} else if data, err = encodeResult(req.CorrelationID, result); err != nil {
		status = "error"
	}
	ep.record(status)

	if err != nil {
		ep.logger.Debug("Handler failed", "correlation_id", req.CorrelationID, "error", err)
		var encErr error
		if data, encErr = encodeError(req.CorrelationID, err.Error()); encErr != nil {
			return errors.Wrap(encErr, "Server", "process", "encode error response")
		}
	}
	return ep.reply(req, data)
}

func (ep *endpoint) invoke(ctx context.Context, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return ep.handler(ctx, req)
}

func (ep *endpoint) reply(req Request, data []byte) error {
	if err := ep.server.transport.Publish(context.Background(), req.ReplyTo, data); err != nil {
		return errors.NewTransportError("publish response", err)
	}
	return nil
}

func (ep *endpoint) record(status string) {
	if m := ep.server.metrics; m != nil {
		m.RecordServiceRequest(ep.server.node, ep.name, status)
	}
}

func (ep *endpoint) stop() error {
	err := ep.sub.Unsubscribe()
	ep.cancel()
	if stopErr := ep.pool.Stop(DefaultStopTimeout); stopErr != nil {
		ep.logger.Warn("Worker pool did not stop in time", "error", stopErr)
	}
	return err
}

// Unserve stops answering calls to name. Running handlers see their context
// cancelled.
func (s *Server) Unserve(ctx context.Context, name string) error {
	s.mu.Lock()
	ep, ok := s.endpoints[name]
	delete(s.endpoints, name)
	closed := s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := ep.stop()
	if s.announcer != nil && !closed {
		if aerr := s.announcer.RemoveService(ctx, name); aerr != nil {
			s.logger.Warn("Failed to remove service key", "service", name, "error", aerr)
		}
	}
	return err
}

// Services lists the names served, sorted.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close unserves everything. Registry keys are left to the registry.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	s.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := s.Unserve(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
