// Package health reports the state of a node and the parts it is made of.
//
// The node runtime keeps one Monitor per node and updates it from probes of
// its parts (broker connection, registry heartbeat, subscriptions, services):
//
//	monitor := health.NewMonitor()
//	monitor.UpdateCheck("transport", health.Check{Healthy: connected, LastError: lastErr})
//	monitor.UpdateCheck("heartbeat", health.Check{Healthy: true, Degraded: missed > 0})
//
//	status := monitor.AggregateHealth("talker")
//
// Aggregation is worst-wins: one unhealthy part makes the node unhealthy,
// otherwise one degraded part makes it degraded. The metric server renders
// the aggregate as JSON on its health endpoint and answers 503 unless it is
// healthy.
//
// Messages built from errors pass through a sanitizer that replaces broker
// URLs, IP addresses, file paths and credentials with placeholders.
package health
