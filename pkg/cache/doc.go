// Package cache provides a generic, thread-safe time-to-live cache with
// always-on statistics and optional Prometheus metrics.
//
// # Overview
//
// The in-process broker keeps one cache per key/value bucket. An entry lives
// for the bucket TTL after its last Set or Touch; a TTL of zero keeps entries
// until they are deleted. Expired entries are hidden from Get and Keys at once
// and removed by a background sweeper.
//
// # Usage
//
//	c, err := cache.NewTTL[[]byte](ctx, 10*time.Second, time.Second,
//		cache.WithMetrics[[]byte](registry, "bucket.nv_registry"),
//	)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	c.Set("talker", payload)
//	c.Touch("talker") // heartbeat
//
// # Metrics
//
// With WithMetrics, the cache exports nvbus_cache_{hits,misses,sets,deletes,
// evictions}_total and nvbus_cache_size, each with a constant "owner" label.
// Owners must be unique among open caches; Close releases them.
package cache
