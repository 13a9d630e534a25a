package cache

import (
	"github.com/c360/nvbus/metric"
)

// Option configures cache behavior.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsOwner  string
	evictCallback EvictCallback[V]
}

// WithMetrics exports cache statistics as Prometheus metrics labelled with
// owner. Ignored when registry is nil or owner is empty.
func WithMetrics[V any](registry *metric.MetricsRegistry, owner string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && owner != "" {
			opts.metricsReg = registry
			opts.metricsOwner = owner
		}
	}
}

// WithEvictionCallback sets the function called with every removed entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
