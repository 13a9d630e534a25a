package node

import (
	"log/slog"
	"time"

	"github.com/c360/nvbus/config"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/registry"
	"github.com/c360/nvbus/service"
	"github.com/c360/nvbus/topic"
)

const (
	// DefaultHeartbeatInterval is how often the registry record is refreshed.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultTTL is how long a silent node stays visible.
	DefaultTTL = 10 * time.Second
	// DefaultDuplicateWait bounds the wait for a stale record of the same name.
	DefaultDuplicateWait = 10 * time.Second
	// DefaultStopTimeout bounds Stop when the caller's context has no deadline.
	DefaultStopTimeout = 10 * time.Second

	// TerminateTopic carries {node, reason} requests to stop a node remotely.
	TerminateTopic = "nv_terminate"
)

type options struct {
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry
	workspace string
	version   string

	heartbeat     time.Duration
	ttl           time.Duration
	duplicateWait time.Duration
	stopTimeout   time.Duration

	queueSize      int
	serviceTimeout time.Duration
	parallelism    int

	skipRegistration bool
	keepParameters   bool
	terminate        bool
	process          registry.Process
}

func defaultOptions() options {
	return options{
		logger:         slog.Default(),
		heartbeat:      DefaultHeartbeatInterval,
		ttl:            DefaultTTL,
		duplicateWait:  DefaultDuplicateWait,
		stopTimeout:    DefaultStopTimeout,
		queueSize:      topic.DefaultQueueSize,
		serviceTimeout: service.DefaultTimeout,
		parallelism:    1,
		terminate:      true,
		process:        registry.CurrentProcess(),
	}
}

// Option configures a Node.
type Option func(*options)

// WithLogger sets the logger. The node adds its own name to every record.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records node activity on registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.metrics = registry }
}

// WithWorkspace prefixes every topic with "<workspace>.".
func WithWorkspace(workspace string) Option {
	return func(o *options) { o.workspace = workspace }
}

// WithVersion sets the version stored in the node record.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithHeartbeat sets the heartbeat interval and the record TTL. The TTL must
// exceed the interval; otherwise it becomes twice the interval.
func WithHeartbeat(interval, ttl time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.heartbeat = interval
		}
		if ttl > 0 {
			o.ttl = ttl
		}
		if o.ttl <= o.heartbeat {
			o.ttl = 2 * o.heartbeat
		}
	}
}

// WithDuplicateWait bounds how long Start waits for an existing node of the
// same name to disappear before failing with ErrDuplicateNode.
func WithDuplicateWait(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.duplicateWait = d
		}
	}
}

// WithStopTimeout bounds Stop when its context carries no deadline.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithQueueSize sets the default subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithServiceTimeout sets the default CallService timeout.
func WithServiceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.serviceTimeout = d
		}
	}
}

// WithServiceParallelism sets how many requests each service handles at
// once. 1 keeps requests strictly sequential.
func WithServiceParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithSkipRegistration runs the node without a registry record: no
// duplicate check, no heartbeat and no discovery keys. Useful for tools.
func WithSkipRegistration() Option {
	return func(o *options) { o.skipRegistration = true }
}

// WithKeepParameters keeps parameters left by a previous run of the same
// name. By default Start deletes them.
func WithKeepParameters() Option {
	return func(o *options) { o.keepParameters = true }
}

// WithoutTerminate disables the remote terminate subscription.
func WithoutTerminate() Option {
	return func(o *options) { o.terminate = false }
}

// WithProcess overrides the process description stored in the node record.
func WithProcess(p registry.Process) Option {
	return func(o *options) { o.process = p }
}

// OptionsFromConfig maps a node configuration section to options.
func OptionsFromConfig(cfg config.NodeConfig) []Option {
	opts := []Option{
		WithWorkspace(cfg.Workspace),
		WithVersion(cfg.Version),
		WithHeartbeat(cfg.HeartbeatInterval, cfg.TTL),
		WithDuplicateWait(cfg.DuplicateWait),
		WithQueueSize(cfg.QueueSize),
		WithServiceTimeout(cfg.ServiceTimeout),
		WithServiceParallelism(cfg.ServiceParallelism),
	}
	if cfg.SkipRegistration {
		opts = append(opts, WithSkipRegistration())
	}
	if cfg.KeepParameters {
		opts = append(opts, WithKeepParameters())
	}
	if cfg.DisableTerminate {
		opts = append(opts, WithoutTerminate())
	}
	return opts
}
