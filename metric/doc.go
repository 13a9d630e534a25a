// Package metric provides Prometheus-based metrics collection and the HTTP
// server that exposes them for nvbus nodes.
//
// A MetricsRegistry owns a private Prometheus registry holding the core node
// metrics (Metrics) plus anything components register through the
// MetricsRegistrar interface. One registry is normally shared by every node
// in a process; node metrics carry a "node" label.
//
// # Core Metrics
//
//	nvbus_node_state{node}                            lifecycle state (see State* constants)
//	nvbus_topic_published_total{node,topic}
//	nvbus_topic_received_total{node,topic}
//	nvbus_topic_dropped_total{node,topic}             subscription queue overflow
//	nvbus_codec_decode_errors_total{node,channel}
//	nvbus_handler_duration_seconds{node,kind}         kind is "topic" or "service"
//	nvbus_service_calls_total{node,service,outcome}
//	nvbus_service_call_duration_seconds{node,service}
//	nvbus_service_requests_total{node,service,status}
//	nvbus_registry_heartbeats_total{node,result}
//	nvbus_broker_connected, nvbus_broker_rtt_milliseconds,
//	nvbus_broker_reconnects_total, nvbus_broker_circuit_breaker
//
// # Component Metrics
//
// Components register their own collectors under an owner name:
//
//	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "..."})
//	if err := registry.RegisterGauge("listener.chatter", "queue_depth", depth); err != nil {
//	    return err
//	}
//	defer registry.UnregisterOwner("listener.chatter")
//
// Registering the same owner and name twice is an invalid error; registering
// the same Prometheus descriptor under two owners is reported as a
// "prometheus conflict".
//
// # HTTP Server
//
//	server := metric.NewServer(9090, "/metrics", registry,
//	    metric.WithHealthHandler(healthHandler))
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop(context.Background())
//
// /health answers "OK" unless a handler is supplied with WithHealthHandler.
package metric
