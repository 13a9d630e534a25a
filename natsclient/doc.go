// Package natsclient is the NATS implementation of transport.Transport.
//
// Client wraps a nats.Conn with a circuit breaker, reconnect bookkeeping and
// connection events. Core NATS subjects carry topic and service traffic;
// JetStream key/value buckets back the registry and the parameter store.
//
// # Connecting
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("talker"),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// # Circuit breaker
//
// After WithCircuitBreakerThreshold consecutive connection failures (default
// 5) the circuit opens and Connect fails fast. The breaker moves to half-open
// after an exponential backoff capped by WithMaxBackoff, and a successful
// connection closes it again. The state is exported as
// nvbus_broker_circuit_breaker when metrics are enabled.
//
// # Connection events
//
// Listeners registered with OnEvent see EventDisconnected, EventReconnected
// and EventClosed. EventClosed carries a fatal error wrapping
// errors.ErrReconnectExhausted when the server stayed unreachable for
// WithMaxReconnects attempts; after Close it carries no error.
//
// # Key/value
//
// KeyValue creates the bucket if needed (History 1, bucket-wide TTL) and
// returns a *KVStore. Besides the transport.KeyValue methods, KVStore offers
// Create and Update for compare-and-swap writes:
//
//	rev, err := kv.Create(ctx, "talker", data)
//	if errors.Is(err, natsclient.ErrKVKeyExists) {
//	    // another writer got there first
//	}
//	_, err = kv.Update(ctx, "talker", newData, rev)
//
// JetStream keeps one TTL per bucket. Expire refreshes a single key by
// rewriting it at its current revision.
//
// # Testing
//
// TestClient starts a NATS container through testcontainers-go. Tests that
// use it carry the integration build tag:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithIntegrationDefaults())
//	kv, err := tc.Client.KeyValue(ctx, transport.BucketConfig{Name: "nv_registry"})
package natsclient
