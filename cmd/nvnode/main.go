// Package main runs a single bus node as a process. It connects to NATS (or
// runs on an in-process broker with -broker memory), registers the node,
// loads its parameters and serves metrics and health until it is signalled,
// terminated remotely or loses the broker for good.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/nvbus/config"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/health"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/node"
	"github.com/c360/nvbus/service"
	"github.com/c360/nvbus/transport"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nvnode"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Node failed", "error", err, "exit_code", exitCode(err))
		os.Exit(exitCode(err))
	}
}

// exitCode is 3 for fatal errors such as a duplicate name or a lost
// broker, so supervisors can tell them from configuration mistakes.
func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 3
	}
	return 1
}

func run(args []string) error {
	cli, err := parseFlags(args, os.Getenv)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowHelp {
		printHelp(os.Stdout)
		return nil
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting node", "name", cfg.Node.Name, "build_time", BuildTime, "config_path", cli.ConfigPath)

	var registry *metric.MetricsRegistry
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
	}

	var t transport.Transport
	if cli.Broker == "memory" {
		t = transport.NewMemory(transport.WithMemoryLogger(logger), transport.WithMemoryMetrics(registry))
	} else {
		conn, err := node.Connect(ctx, cfg.NATS, cfg.Node.Name, logger, registry)
		if err != nil {
			return err
		}
		t = conn
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer cancel()
		if err := t.Close(closeCtx); err != nil {
			logger.Warn("Failed to close broker connection", "error", err)
		}
	}()

	return runNode(ctx, cfg, cli, t, logger, registry)
}

// loadConfig layers the configuration file, NVBUS_* variables and flags,
// then validates the result.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.Name != "" {
		cfg.Node.Name = cli.Name
	}
	if cli.ParamsPath != "" {
		cfg.Parameters.File = cli.ParamsPath
	}
	if cfg.Node.Version == "" {
		cfg.Node.Version = Version
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runNode starts the node on t and blocks until ctx ends or the node
// stops on its own.
func runNode(
	ctx context.Context,
	cfg *config.Config,
	cli *CLIConfig,
	t transport.Transport,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) error {
	opts := append(node.OptionsFromConfig(cfg.Node),
		node.WithLogger(logger),
		node.WithMetrics(registry),
		node.WithStopTimeout(cli.ShutdownTimeout),
	)
	n, err := node.New(cfg.Node.Name, t, opts...)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	stopNode := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer cancel()
		return n.Stop(stopCtx)
	}

	if cfg.Parameters.File != "" {
		if err := n.SetParametersFromFile(ctx, cfg.Parameters.File); err != nil {
			_ = stopNode()
			return fmt.Errorf("load parameters: %w", err)
		}
		logger.Info("Loaded parameters", "file", cfg.Parameters.File)
	}

	if err := serveBuiltins(ctx, n, cli.StatusInterval); err != nil {
		_ = stopNode()
		return err
	}

	var metricsServer *metric.Server
	if registry != nil {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry,
			metric.WithHealthHandler(health.Handler(n.Health)))
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		logger.Info("Serving metrics", "address", metricsServer.Address())
	}

	logger.Info("Node running")
	spinErr := n.Spin(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	if stderrors.Is(spinErr, context.Canceled) {
		logger.Info("Received shutdown signal")
		if err := stopNode(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("Node shutdown complete")
		return nil
	}
	return spinErr
}

// describeRate bounds "<name>.describe" calls, each of which reads the
// registry.
const (
	describeRate  = 10
	describeBurst = 5
)

// serveBuiltins adds the endpoints every hosted node carries: a
// "<name>.describe" service and an optional periodic status topic.
func serveBuiltins(ctx context.Context, n *node.Node, statusInterval time.Duration) error {
	started := time.Now()
	err := n.CreateService(ctx, n.Name()+".describe", func(ctx context.Context, _ service.Request) (any, error) {
		return describe(ctx, n, started)
	}, service.WithRateLimit(describeRate, describeBurst))
	if err != nil {
		return err
	}

	if statusInterval > 0 {
		_, err := n.NewTimer(statusInterval, func(ctx context.Context) {
			if err := n.Publish(ctx, ".status", statusValue(n.Health())); err != nil {
				n.Logger().Debug("Failed to publish status", "error", err)
			}
		}, true)
		if err != nil {
			return err
		}
	}
	return nil
}

func describe(ctx context.Context, n *node.Node, started time.Time) (any, error) {
	params, err := n.GetParameters(ctx, "", "")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"node":          n.Name(),
		"version":       Version,
		"uptime":        time.Since(started).Seconds(),
		"subscriptions": n.Subscriptions(),
		"parameters":    params,
		"health":        statusValue(n.Health()),
	}, nil
}

// statusValue renders a health status in codec kinds.
func statusValue(s health.Status) map[string]any {
	parts := make(map[string]any, len(s.SubStatuses))
	for _, sub := range s.SubStatuses {
		parts[sub.Component] = map[string]any{"status": sub.Status, "message": sub.Message}
	}
	return map[string]any{
		"status":  s.Status,
		"message": s.Message,
		"parts":   parts,
	}
}
