package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nvbus/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(k string) string { return env[k] }
	return l
}

func validConfig() *Config {
	cfg := Default()
	cfg.Node.Name = "talker"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Node.TTL)
	assert.Equal(t, 1, cfg.Node.ServiceParallelism)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.False(t, cfg.Metrics.Enabled)

	err := cfg.Validate()
	require.Error(t, err, "a node name is required")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_YAML(t *testing.T) {
	path := writeFile(t, "talker.yaml", `
node:
  name: talker
  workspace: lab
  heartbeat_interval: 1s
  ttl: 3s
  service_parallelism: 4
nats:
  urls: ["nats://a:4222", "nats://b:4222"]
  reconnect_wait: 250ms
metrics:
  enabled: true
  port: 9191
`)

	cfg, err := newLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "talker", cfg.Node.Name)
	assert.Equal(t, "lab", cfg.Node.Workspace)
	assert.Equal(t, time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Node.TTL)
	assert.Equal(t, 4, cfg.Node.ServiceParallelism)
	assert.Equal(t, 250*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)

	// untouched defaults survive the merge
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 256, cfg.Node.QueueSize)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
}

func TestLoader_LayersAndEnv(t *testing.T) {
	base := writeFile(t, "base.json", `{"node": {"name": "base", "service_timeout": "2s"}, "nats": {"token": "t0"}}`)
	over := writeFile(t, "override.json", `{"node": {"name": "listener"}}`)

	l := newLoader(map[string]string{
		"NVBUS_NATS_URLS":       "nats://x:1,nats://y:2",
		"NVBUS_NODE_TTL":        "30s",
		"NVBUS_PARAMETERS_FILE": "params.toml",
	})
	l.AddLayer(base)
	l.AddLayer(over)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "listener", cfg.Node.Name)
	assert.Equal(t, 2*time.Second, cfg.Node.ServiceTimeout)
	assert.Equal(t, 30*time.Second, cfg.Node.TTL)
	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.NATS.URLs)
	assert.Equal(t, "params.toml", cfg.Parameters.File)
	assert.Equal(t, "t0", cfg.NATS.Token)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		env  map[string]string
	}{
		{"unknown extension", "node.ini", "name=x", nil},
		{"bad json", "node.json", `{"node": `, nil},
		{"bad duration", "node.yaml", "node:\n  name: x\n  ttl: soon\n", nil},
		{"bad env duration", "node.yaml", "node:\n  name: x\n", map[string]string{"NVBUS_NODE_TTL": "soon"}},
		{"bad env int", "node.yaml", "node:\n  name: x\n", map[string]string{"NVBUS_METRICS_PORT": "http"}},
		{"fails validation", "node.yaml", "node:\n  name: has.dot\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLoader(tt.env).LoadFile(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	_, err := newLoader(nil).LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_WithoutValidation(t *testing.T) {
	l := newLoader(nil)
	l.EnableValidation(false)
	cfg, err := l.LoadFile(writeFile(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Node.Name)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"ttl below heartbeat", func(c *Config) { c.Node.TTL = c.Node.HeartbeatInterval }, "node.ttl"},
		{"zero parallelism", func(c *Config) { c.Node.ServiceParallelism = 0 }, "service_parallelism"},
		{"no urls", func(c *Config) { c.NATS.URLs = nil }, "nats.urls is required"},
		{"bad scheme", func(c *Config) { c.NATS.URLs = []string{"http://x:80"} }, "unsupported scheme"},
		{"not a url", func(c *Config) { c.NATS.URLs = []string{"broker"} }, "not a URL"},
		{"token and user", func(c *Config) { c.NATS.Token, c.NATS.Username = "t", "u" }, "mutually exclusive"},
		{"tls half set", func(c *Config) {
			c.NATS.TLS = NATSTLSConfig{Enabled: true, CertFile: writeFile(t, "cert.pem", "x")}
		}, "set together"},
		{"tls missing file", func(c *Config) {
			c.NATS.TLS = NATSTLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}
		}, "nats.tls.ca_file"},
		{"metrics port", func(c *Config) { c.Metrics.Enabled, c.Metrics.Port = true, 0 }, "metrics.port"},
		{"metrics path", func(c *Config) { c.Metrics.Enabled, c.Metrics.Path = true, "metrics" }, "metrics.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := validConfig()
	cfg.Node.Name = ""
	cfg.Node.QueueSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node.name is required")
	assert.Contains(t, err.Error(), "node.queue_size")
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "s3cret"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "}}}", "b": [1, {"c": "\"["}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`+"]]")))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1]`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
}
