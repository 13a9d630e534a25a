package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nvbus/metric"
)

// jetstreamMetrics reports the size of the streams backing buckets opened
// through this client.
type jetstreamMetrics struct {
	bucketKeys  *prometheus.GaugeVec // live messages by bucket
	bucketBytes *prometheus.GaugeVec
	bucketState *prometheus.GaugeVec // 1=reachable, 0=info failed
	errors      *prometheus.CounterVec

	mu      sync.RWMutex
	streams map[string]jetstream.Stream
}

const jetstreamOwner = "natsclient"

var jetstreamMetricNames = []string{"bucket_keys", "bucket_bytes", "bucket_state", "errors"}

func newJetStreamMetrics(registry *metric.MetricsRegistry) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &jetstreamMetrics{
		bucketKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvbus",
			Subsystem: "jetstream",
			Name:      "bucket_keys",
			Help:      "Messages currently held by a bucket's stream",
		}, []string{"bucket"}),

		bucketBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvbus",
			Subsystem: "jetstream",
			Name:      "bucket_bytes",
			Help:      "Storage bytes used by a bucket's stream",
		}, []string{"bucket"}),

		bucketState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvbus",
			Subsystem: "jetstream",
			Name:      "bucket_state",
			Help:      "Bucket state (1=active, 0=unavailable)",
		}, []string{"bucket"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvbus",
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "Total number of JetStream operation errors",
		}, []string{"operation"}),

		streams: make(map[string]jetstream.Stream),
	}

	steps := []func() error{
		func() error { return registry.RegisterGaugeVec(jetstreamOwner, jetstreamMetricNames[0], m.bucketKeys) },
		func() error { return registry.RegisterGaugeVec(jetstreamOwner, jetstreamMetricNames[1], m.bucketBytes) },
		func() error { return registry.RegisterGaugeVec(jetstreamOwner, jetstreamMetricNames[2], m.bucketState) },
		func() error { return registry.RegisterCounterVec(jetstreamOwner, jetstreamMetricNames[3], m.errors) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			for _, name := range jetstreamMetricNames[:i] {
				registry.Unregister(jetstreamOwner, name)
			}
			return nil, err
		}
	}

	return m, nil
}

func (m *jetstreamMetrics) trackStream(bucket string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[bucket] = stream
	m.bucketState.WithLabelValues(bucket).Set(1)
}

func (m *jetstreamMetrics) untrackStream(bucket string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, bucket)
	m.bucketKeys.DeleteLabelValues(bucket)
	m.bucketBytes.DeleteLabelValues(bucket)
	m.bucketState.DeleteLabelValues(bucket)
}

func (m *jetstreamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// updateStats refreshes every tracked bucket. Unreachable buckets are marked
// inactive rather than dropped.
func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.RLock()
	streams := make(map[string]jetstream.Stream, len(m.streams))
	for k, v := range m.streams {
		streams[k] = v
	}
	m.mu.RUnlock()

	for bucket, stream := range streams {
		info, err := stream.Info(ctx)
		if err != nil {
			m.bucketState.WithLabelValues(bucket).Set(0)
			continue
		}

		m.bucketKeys.WithLabelValues(bucket).Set(float64(info.State.Msgs))
		m.bucketBytes.WithLabelValues(bucket).Set(float64(info.State.Bytes))
		m.bucketState.WithLabelValues(bucket).Set(1)
	}
}

// startPoller polls until the returned cancel function is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}
