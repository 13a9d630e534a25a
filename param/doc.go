// Package param stores hierarchical, dot-addressed parameters per node.
//
// Each parameter lives under its own key "<node>.<path>" in the
// nv_parameters bucket, which has no TTL: parameters outlive the node that
// set them and go away only when deleted. The stored record is
//
//	{"value": <codec value>, "description": <text or null>}
//
// Reads resolve through the hierarchy. With talker.chickens.count set to 3,
// Get(ctx, "talker", "chickens") returns {"count": 3}; with talker.pose set
// to {"x": 1}, Get(ctx, "talker", "pose.x") returns 1.
//
// Node names and path segments are restricted to letters, digits, '-', '_'
// and '='. Setting a path inside a mapping stored under an ancestor key
// rewrites that ancestor in one compare-and-set, so concurrent writers of
// sibling paths all land. Concurrent writers of the same path race and the
// last write wins.
package param
