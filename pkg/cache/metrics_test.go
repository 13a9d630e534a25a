package cache

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nvbus/metric"
)

func gatherByName(t *testing.T, registry *metric.MetricsRegistry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func TestCacheMetricsIntegration(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "bucket.nv_registry"))
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set("key1", "value1")
	_, _ = c.Set("key2", "value2")

	val, found := c.Get("key1")
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	_, found = c.Get("key3")
	assert.False(t, found)

	deleted, _ := c.Delete("key2")
	assert.True(t, deleted)

	byName := gatherByName(t, registry)

	hits := byName["nvbus_cache_hits_total"]
	require.NotNil(t, hits, "hits metric should exist")
	assert.Equal(t, float64(1), hits.Metric[0].GetCounter().GetValue())

	misses := byName["nvbus_cache_misses_total"]
	require.NotNil(t, misses)
	assert.Equal(t, float64(1), misses.Metric[0].GetCounter().GetValue())

	sets := byName["nvbus_cache_sets_total"]
	require.NotNil(t, sets)
	assert.Equal(t, float64(2), sets.Metric[0].GetCounter().GetValue())

	deletes := byName["nvbus_cache_deletes_total"]
	require.NotNil(t, deletes)
	assert.Equal(t, float64(1), deletes.Metric[0].GetCounter().GetValue())

	size := byName["nvbus_cache_size"]
	require.NotNil(t, size)
	assert.Equal(t, float64(1), size.Metric[0].GetGauge().GetValue())

	require.Len(t, hits.Metric[0].Label, 1)
	assert.Equal(t, "owner", hits.Metric[0].Label[0].GetName())
	assert.Equal(t, "bucket.nv_registry", hits.Metric[0].Label[0].GetValue())
}

func TestCacheMetrics_EvictionsCounted(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewTTL[string](context.Background(), 20*time.Millisecond, 5*time.Millisecond,
		WithMetrics[string](registry, "bucket.short"))
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set("a", "1")
	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)

	byName := gatherByName(t, registry)
	require.NotNil(t, byName["nvbus_cache_evictions_total"])
	assert.Equal(t, float64(1), byName["nvbus_cache_evictions_total"].Metric[0].GetCounter().GetValue())
}

func TestCacheMetrics_CloseUnregisters(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "bucket.params"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.Equal(t, 0, registry.UnregisterOwner("bucket.params"))

	again, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "bucket.params"))
	require.NoError(t, err, "owner is reusable after close")
	require.NoError(t, again.Close())
}

func TestCacheMetrics_DuplicateOwnerRejected(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	first, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "bucket.dup"))
	require.NoError(t, err)
	defer first.Close()

	_, err = NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "bucket.dup"))
	require.Error(t, err)

	_, _ = first.Set("a", "1")
	byName := gatherByName(t, registry)
	require.NotNil(t, byName["nvbus_cache_sets_total"], "failed registration must not remove the first owner's metrics")
}

func TestCacheWithoutMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewTTL[string](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set("key1", "value1")
	_, found := c.Get("key1")
	assert.True(t, found)

	assert.Nil(t, gatherByName(t, registry)["nvbus_cache_hits_total"])
	assert.Equal(t, int64(1), c.Stats().Hits())
}
