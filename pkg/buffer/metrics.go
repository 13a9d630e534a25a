package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nvbus/metric"
)

var bufferMetricNames = []string{"buffer_writes", "buffer_reads", "buffer_drops", "buffer_size", "buffer_utilization"}

// bufferMetrics mirrors Statistics into Prometheus for one buffer owner.
type bufferMetrics struct {
	registry *metric.MetricsRegistry
	owner    string

	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, owner string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"owner": owner}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvbus", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvbus", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &bufferMetrics{
		registry:    registry,
		owner:       owner,
		writes:      counter("writes_total", "Total number of buffer writes"),
		reads:       counter("reads_total", "Total number of buffer reads"),
		drops:       counter("drops_total", "Items discarded by the overflow policy"),
		size:        gauge("size", "Current number of items in the buffer"),
		utilization: gauge("utilization", "Buffer fill ratio (0.0 to 1.0)"),
	}

	n, err := registerAll(
		func() error { return registry.RegisterCounter(owner, bufferMetricNames[0], m.writes) },
		func() error { return registry.RegisterCounter(owner, bufferMetricNames[1], m.reads) },
		func() error { return registry.RegisterCounter(owner, bufferMetricNames[2], m.drops) },
		func() error { return registry.RegisterGauge(owner, bufferMetricNames[3], m.size) },
		func() error { return registry.RegisterGauge(owner, bufferMetricNames[4], m.utilization) },
	)
	if err != nil {
		for _, name := range bufferMetricNames[:n] {
			registry.Unregister(owner, name)
		}
		return nil, err
	}
	return m, nil
}

// registerAll runs steps in order and reports how many succeeded.
func registerAll(steps ...func() error) (int, error) {
	for i, step := range steps {
		if err := step(); err != nil {
			return i, err
		}
	}
	return len(steps), nil
}

func (m *bufferMetrics) unregister() {
	for _, name := range bufferMetricNames {
		m.registry.Unregister(m.owner, name)
	}
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
