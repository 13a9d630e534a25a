package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/nvbus/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NVBUS"

var validNodeName = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

// Config is the configuration of one node process.
type Config struct {
	Node       NodeConfig       `json:"node"`
	NATS       NATSConfig       `json:"nats"`
	Metrics    MetricsConfig    `json:"metrics"`
	Parameters ParametersConfig `json:"parameters"`
}

// NodeConfig configures the node runtime.
type NodeConfig struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Workspace string `json:"workspace,omitempty"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	TTL               time.Duration `json:"ttl"`
	// DuplicateWait bounds how long start waits for a stale record of the
	// same name to expire.
	DuplicateWait time.Duration `json:"duplicate_wait"`

	QueueSize          int           `json:"queue_size"`
	ServiceTimeout     time.Duration `json:"service_timeout"`
	ServiceParallelism int           `json:"service_parallelism"`

	KeepParameters   bool `json:"keep_parameters"`
	SkipRegistration bool `json:"skip_registration,omitempty"`
	DisableTerminate bool `json:"disable_terminate,omitempty"`
}

// NATSConfig defines the broker connection.
type NATSConfig struct {
	URLs           []string      `json:"urls,omitempty"`
	MaxReconnects  int           `json:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	// ConnectAttempts bounds the initial connect retry.
	ConnectAttempts int           `json:"connect_attempts,omitempty"`
	Username        string        `json:"username,omitempty"`
	Password        string        `json:"password,omitempty"`
	Token           string        `json:"token,omitempty"`
	TLS             NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure broker connections.
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ParametersConfig names a parameter file loaded at start.
type ParametersConfig struct {
	File string `json:"file,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			HeartbeatInterval:  5 * time.Second,
			TTL:                10 * time.Second,
			DuplicateWait:      10 * time.Second,
			QueueSize:          256,
			ServiceTimeout:     10 * time.Second,
			ServiceParallelism: 1,
		},
		NATS: NATSConfig{
			URLs:            []string{"nats://localhost:4222"},
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ConnectTimeout:  5 * time.Second,
			ConnectAttempts: 5,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Node.Name == "" {
		add("node.name is required")
	} else if !validNodeName.MatchString(c.Node.Name) {
		add("node.name %q may only contain letters, digits, '-', '_' and '='", c.Node.Name)
	}
	if c.Node.HeartbeatInterval <= 0 {
		add("node.heartbeat_interval must be positive")
	}
	if c.Node.TTL <= c.Node.HeartbeatInterval {
		add("node.ttl (%s) must exceed node.heartbeat_interval (%s)", c.Node.TTL, c.Node.HeartbeatInterval)
	}
	if c.Node.DuplicateWait < 0 {
		add("node.duplicate_wait must not be negative")
	}
	if c.Node.QueueSize <= 0 {
		add("node.queue_size must be positive")
	}
	if c.Node.ServiceTimeout <= 0 {
		add("node.service_timeout must be positive")
	}
	if c.Node.ServiceParallelism <= 0 {
		add("node.service_parallelism must be at least 1")
	}

	if len(c.NATS.URLs) == 0 {
		add("nats.urls is required")
	}
	for i, raw := range c.NATS.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			add("nats.urls[%d] %q is not a URL", i, raw)
			continue
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			add("nats.urls[%d] has unsupported scheme %q", i, u.Scheme)
		}
	}
	if c.NATS.Token != "" && c.NATS.Username != "" {
		add("nats.token and nats.username are mutually exclusive")
	}
	if c.NATS.TLS.Enabled {
		for field, file := range map[string]string{
			"cert_file": c.NATS.TLS.CertFile, "key_file": c.NATS.TLS.KeyFile, "ca_file": c.NATS.TLS.CAFile,
		} {
			if file == "" {
				continue
			}
			if _, err := os.Stat(file); err != nil {
				add("nats.tls.%s: %v", field, err)
			}
		}
		if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
			add("nats.tls.cert_file and nats.tls.key_file must be set together")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			add("metrics.port %d out of range", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path must start with '/'")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Config", "Validate", "check configuration")
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}

// Loader loads configuration from layered files plus environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{validation: true, envPrefix: EnvPrefix, getenv: os.Getenv}
}

// AddLayer adds a file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles validation of the loaded result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file over the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer in order and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map with duration
// strings converted to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

var durationFields = map[string][]string{
	"node": {"heartbeat_interval", "ttl", "duplicate_wait", "service_timeout"},
	"nats": {"reconnect_wait", "connect_timeout"},
}

// parseDurations rewrites duration strings like "5s" as nanoseconds so the
// JSON round trip lands them in time.Duration fields.
func parseDurations(raw map[string]any) error {
	for section, fields := range durationFields {
		m, ok := raw[section].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range fields {
			s, ok := m[field].(string)
			if !ok {
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", section, field, err)
			}
			m[field] = d.Nanoseconds()
		}
	}
	return nil
}

// mergeFromMap overlays override onto base, touching only the fields
// present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies NVBUS_* variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
	}
	lookup := func(name string) string {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		return val
	}
	setDuration := func(name string, dst *time.Duration) {
		if val := lookup(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	setInt := func(name string, dst *int) {
		if val := lookup(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}

	if val := lookup("NODE_NAME"); val != "" {
		cfg.Node.Name = val
	}
	if val := lookup("NODE_WORKSPACE"); val != "" {
		cfg.Node.Workspace = val
	}
	setDuration("NODE_HEARTBEAT_INTERVAL", &cfg.Node.HeartbeatInterval)
	setDuration("NODE_TTL", &cfg.Node.TTL)
	setDuration("NODE_SERVICE_TIMEOUT", &cfg.Node.ServiceTimeout)

	if val := lookup("NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := lookup("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := lookup("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := lookup("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	setInt("METRICS_PORT", &cfg.Metrics.Port)
	if val := lookup("METRICS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err != nil {
			fail("METRICS_ENABLED", err)
		} else {
			cfg.Metrics.Enabled = enabled
		}
	}
	if val := lookup("PARAMETERS_FILE"); val != "" {
		cfg.Parameters.File = val
	}

	if firstErr != nil {
		return errors.WrapInvalid(firstErr, "Loader", "applyEnvOverrides", "parse environment")
	}
	return nil
}
