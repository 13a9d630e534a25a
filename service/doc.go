// Package service implements request/response calls on top of the topic
// channels of a transport.
//
// A call publishes a call envelope on "nv.srv.<name>":
//
//	{"service": name, "args": [...], "kwargs": {...},
//	 "correlation_id": uuid, "reply_to": "nv.reply.<uuid>"}
//
// and the server answers on reply_to with either
//
//	{"correlation_id": uuid, "result": value}
//	{"correlation_id": uuid, "error": "text"}
//
// The client subscribes to its reply channel before publishing, so a fast
// server cannot answer into the void. Responses with another correlation id
// are discarded. Each call ends in exactly one of: matched (result or
// *errors.RemoteServiceError), timed out (*errors.ServiceTimeoutError) or
// broker error (*errors.TransportError).
//
// Servers dispatch requests through a worker pool. With the default single
// worker a service handles one request at a time in arrival order;
// WithParallelism raises that. Service names are not exclusive: when two
// nodes serve the same name both answer and the caller keeps the first
// response.
package service
