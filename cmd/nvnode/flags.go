package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Name            string
	ParamsPath      string
	Broker          string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	StatusInterval  time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string, getenv func(string) string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	env := envReader{getenv: getenv}

	fs.StringVar(&cfg.ConfigPath, "config", env.str("NVBUS_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: NVBUS_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", env.str("NVBUS_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: NVBUS_CONFIG)")

	fs.StringVar(&cfg.Name, "name", "",
		"Node name, overrides node.name from the configuration")

	fs.StringVar(&cfg.ParamsPath, "params", "",
		"Parameter file (JSON, YAML or TOML), overrides parameters.file")

	fs.StringVar(&cfg.Broker, "broker", env.str("NVBUS_BROKER", "nats"),
		"Broker: nats, or memory for a node that talks only to itself (env: NVBUS_BROKER)")

	fs.StringVar(&cfg.LogLevel, "log-level", env.str("NVBUS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: NVBUS_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format", env.str("NVBUS_LOG_FORMAT", "json"),
		"Log format: json, text (env: NVBUS_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug", env.boolean("NVBUS_DEBUG", false),
		"Enable debug logging (env: NVBUS_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", env.duration("NVBUS_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: NVBUS_SHUTDOWN_TIMEOUT)")

	fs.DurationVar(&cfg.StatusInterval, "status-interval", env.duration("NVBUS_STATUS_INTERVAL", 0),
		"Publish node health on .status at this interval, 0 to disable (env: NVBUS_STATUS_INTERVAL)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}
	if env.err != nil {
		return nil, env.err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"nats", "memory"}, cfg.Broker) {
		return fmt.Errorf("invalid broker: %s", cfg.Broker)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	if cfg.StatusInterval < 0 {
		return fmt.Errorf("invalid status interval: %v", cfg.StatusInterval)
	}
	return nil
}

func printHelp(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - run a bus node

Usage: %s [options]

Options:
  -c, --config PATH        configuration file (env: NVBUS_CONFIG)
  --name NAME              node name, overrides node.name
  --params PATH            parameter file to load after start
  --broker KIND            nats (default) or memory (env: NVBUS_BROKER)
  --log-level LEVEL        debug, info, warn, error (env: NVBUS_LOG_LEVEL)
  --log-format FORMAT      json, text (env: NVBUS_LOG_FORMAT)
  --debug                  shorthand for --log-level=debug (env: NVBUS_DEBUG)
  --shutdown-timeout D     graceful shutdown timeout (env: NVBUS_SHUTDOWN_TIMEOUT)
  --status-interval D      publish health on <name>.status (env: NVBUS_STATUS_INTERVAL)
  --validate               validate configuration and exit
  -v, --version            show version
  -h, --help               show this help

Every configuration field can also be set through NVBUS_* variables, for
example NVBUS_NATS_URLS and NVBUS_NODE_WORKSPACE.

Examples:
  %s --name=camera --params=params.yaml
  NVBUS_NATS_URLS=nats://broker:4222 %s -c node.yaml --log-format=text

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

// envReader reads flag defaults from the environment and keeps the first
// malformed value.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key, fallback string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v := e.getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v)
		return fallback
	}
	return parsed
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v)
		return fallback
	}
	return parsed
}

func (e *envReader) fail(key, value string) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %q", key, value)
	}
}
