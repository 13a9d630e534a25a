package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nvbus"

// Node lifecycle states reported by NodeState.
const (
	StateStopped  = 0
	StateStarting = 1
	StateRunning  = 2
	StateStopping = 3
	StateFailed   = 4
)

// Service call outcomes used as the "outcome" label of ServiceCalls.
const (
	OutcomeOK        = "ok"
	OutcomeRemote    = "remote_error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
)

// Metrics contains the node-level metrics shared by every node in a process.
type Metrics struct {
	NodeState *prometheus.GaugeVec

	// Topic bus
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec

	// Service layer
	ServiceCalls        *prometheus.CounterVec
	ServiceCallDuration *prometheus.HistogramVec
	ServiceRequests     *prometheus.CounterVec

	// Registry
	Heartbeats    *prometheus.CounterVec
	RegistryNodes prometheus.Gauge

	// Broker
	BrokerConnected      prometheus.Gauge
	BrokerRTT            prometheus.Gauge
	BrokerReconnects     prometheus.Counter
	BrokerCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metric collectors. They are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		NodeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "state",
				Help:      "Node state (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"node"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "topic",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"node", "topic"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "topic",
				Name:      "received_total",
				Help:      "Total number of messages delivered to subscription handlers",
			},
			[]string{"node", "topic"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "topic",
				Name:      "dropped_total",
				Help:      "Messages discarded because a subscription queue was full",
			},
			[]string{"node", "topic"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "codec",
				Name:      "decode_errors_total",
				Help:      "Payloads that could not be decoded",
			},
			[]string{"node", "channel"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Time spent in user handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "kind"},
		),

		ServiceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "calls_total",
				Help:      "Service calls made by this process, by outcome",
			},
			[]string{"node", "service", "outcome"},
		),

		ServiceCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "call_duration_seconds",
				Help:      "Round-trip time of service calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "service"},
		),

		ServiceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "requests_total",
				Help:      "Service requests handled, by status",
			},
			[]string{"node", "service", "status"},
		),

		Heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "heartbeats_total",
				Help:      "Registry heartbeats, by result",
			},
			[]string{"node", "result"},
		),

		RegistryNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "nodes",
				Help:      "Live nodes seen by the last registry listing",
			},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "rtt_milliseconds",
				Help:      "Broker round-trip time in milliseconds",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
		),

		BrokerCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "circuit_breaker",
				Help:      "Broker circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.NodeState,
		m.MessagesPublished,
		m.MessagesReceived,
		m.MessagesDropped,
		m.DecodeErrors,
		m.HandlerDuration,
		m.ServiceCalls,
		m.ServiceCallDuration,
		m.ServiceRequests,
		m.Heartbeats,
		m.RegistryNodes,
		m.BrokerConnected,
		m.BrokerRTT,
		m.BrokerReconnects,
		m.BrokerCircuitBreaker,
	)
}

// RecordNodeState updates the node state gauge
func (m *Metrics) RecordNodeState(node string, state int) {
	m.NodeState.WithLabelValues(node).Set(float64(state))
}

// RecordPublished increments the published message counter
func (m *Metrics) RecordPublished(node, topic string) {
	m.MessagesPublished.WithLabelValues(node, topic).Inc()
}

// RecordReceived increments the delivered message counter
func (m *Metrics) RecordReceived(node, topic string) {
	m.MessagesReceived.WithLabelValues(node, topic).Inc()
}

// RecordDropped increments the queue overflow counter
func (m *Metrics) RecordDropped(node, topic string) {
	m.MessagesDropped.WithLabelValues(node, topic).Inc()
}

// RecordDecodeError increments the decode error counter
func (m *Metrics) RecordDecodeError(node, channel string) {
	m.DecodeErrors.WithLabelValues(node, channel).Inc()
}

// RecordHandlerDuration records time spent in a topic or service handler
func (m *Metrics) RecordHandlerDuration(node, kind string, d time.Duration) {
	m.HandlerDuration.WithLabelValues(node, kind).Observe(d.Seconds())
}

// RecordServiceCall records the outcome and latency of a client-side call
func (m *Metrics) RecordServiceCall(node, service, outcome string, d time.Duration) {
	m.ServiceCalls.WithLabelValues(node, service, outcome).Inc()
	m.ServiceCallDuration.WithLabelValues(node, service).Observe(d.Seconds())
}

// RecordServiceRequest counts a request handled by a service server
func (m *Metrics) RecordServiceRequest(node, service, status string) {
	m.ServiceRequests.WithLabelValues(node, service, status).Inc()
}

// RecordHeartbeat counts a registry heartbeat
func (m *Metrics) RecordHeartbeat(node string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Heartbeats.WithLabelValues(node, result).Inc()
}

// RecordRegistrySize updates the live node gauge
func (m *Metrics) RecordRegistrySize(n int) {
	m.RegistryNodes.Set(float64(n))
}

// RecordBrokerStatus updates the broker connection gauge
func (m *Metrics) RecordBrokerStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.Set(value)
}

// RecordBrokerRTT updates broker round-trip time
func (m *Metrics) RecordBrokerRTT(rtt time.Duration) {
	m.BrokerRTT.Set(float64(rtt.Milliseconds()))
}

// RecordBrokerReconnect increments the reconnection counter
func (m *Metrics) RecordBrokerReconnect() {
	m.BrokerReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.BrokerCircuitBreaker.Set(float64(state))
}
