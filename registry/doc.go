// Package registry tracks which nodes are alive and which topics and
// services they own.
//
// Every node writes into the shared key/value bucket nv_registry, whose TTL
// is the node TTL:
//
//	node.<node>            node record (version, times, endpoints, process)
//	sub.<topic>.<node>     node subscribes to topic
//	pub.<topic>.<node>     node publishes on topic; value is the last publish time
//	srv.<service>.<node>   node serves service
//
// Each segment is base64url encoded so any name survives NATS key rules.
// Heartbeat keeps a node's keys alive; a crashed node's keys expire with the
// bucket TTL and a gracefully stopped node deletes them with Deregister.
// Queries see only live keys, so staleness is bounded by the TTL.
package registry
