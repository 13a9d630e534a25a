package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nvbus/metric"
)

var cacheMetricNames = []string{"cache_hits", "cache_misses", "cache_sets", "cache_deletes", "cache_evictions", "cache_size"}

// cacheMetrics mirrors Statistics into Prometheus for one cache owner.
type cacheMetrics struct {
	registry *metric.MetricsRegistry
	owner    string

	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, owner string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvbus",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"owner": owner},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		registry:  registry,
		owner:     owner,
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		sets:      counter("sets_total", "Total number of cache set operations"),
		deletes:   counter("deletes_total", "Total number of cache delete operations"),
		evictions: counter("evictions_total", "Entries removed because they expired"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nvbus",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"owner": owner},
			Help:        "Current number of entries in the cache",
		}),
	}

	counters := []prometheus.Counter{m.hits, m.misses, m.sets, m.deletes, m.evictions}
	for i, c := range counters {
		if err := registry.RegisterCounter(owner, cacheMetricNames[i], c); err != nil {
			m.unregisterFirst(i)
			return nil, err
		}
	}
	if err := registry.RegisterGauge(owner, "cache_size", m.size); err != nil {
		m.unregisterFirst(len(counters))
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) unregisterFirst(n int) {
	for _, name := range cacheMetricNames[:n] {
		m.registry.Unregister(m.owner, name)
	}
}

func (m *cacheMetrics) unregister() {
	m.unregisterFirst(len(cacheMetricNames))
}

func (m *cacheMetrics) recordHit()      { m.hits.Inc() }
func (m *cacheMetrics) recordMiss()     { m.misses.Inc() }
func (m *cacheMetrics) recordSet()      { m.sets.Inc() }
func (m *cacheMetrics) recordDelete()   { m.deletes.Inc() }
func (m *cacheMetrics) recordEviction() { m.evictions.Inc() }

func (m *cacheMetrics) updateSize(size int) {
	m.size.Set(float64(size))
}
