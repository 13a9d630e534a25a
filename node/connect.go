package node

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360/nvbus/config"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/natsclient"
	"github.com/c360/nvbus/pkg/retry"
)

// Connect opens the broker connection described by cfg, retrying with
// backoff up to cfg.ConnectAttempts times. After that the error is fatal.
func Connect(ctx context.Context, cfg config.NATSConfig, name string, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithName(name),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.ConnectTimeout))
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry))
	}

	url := strings.Join(cfg.URLs, ",")
	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return nil, err
	}

	rc := retry.Connect()
	if cfg.ConnectAttempts > 0 {
		rc.MaxAttempts = cfg.ConnectAttempts
	}
	rc.OnRetry = func(attempt int, err error) {
		logger.Warn("Broker connection failed, retrying", "attempt", attempt, "error", err)
	}

	if err := retry.Do(ctx, rc, func() error { return client.Connect(ctx) }); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "Node", "Connect", "connect to "+url)
		}
		return nil, errors.WrapFatal(err, "Node", "Connect", "connect to "+url)
	}

	logger.Info("Connected to broker", "url", url)
	return client, nil
}
