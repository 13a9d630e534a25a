// Package retry provides exponential backoff retry logic for transient failures.
//
// # Overview
//
// Nodes use this package for the initial broker connection and for bucket
// creation during startup. Later outages are handled by the broker client's
// own reconnect loop, not by retry.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay
//   - Persistent(): 30 attempts, 200ms-10s delay
//   - Connect(): 5 attempts, 250ms-2s delay (node broker connection)
//
// # Usage
//
//	err := retry.Do(ctx, retry.Connect(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Retry with result:
//
//	kv, err := retry.DoWithResult(ctx, retry.Quick(), func() (transport.KeyValue, error) {
//	    return tr.KeyValue(ctx, transport.BucketConfig{Name: "nv_registry", TTL: 10 * time.Second})
//	})
//
// Logging each failed attempt:
//
//	cfg := retry.Connect()
//	cfg.OnRetry = func(attempt int, err error) {
//	    logger.Warn("broker connect failed", "attempt", attempt, "error", err)
//	}
//
// # Stopping Early
//
// Errors wrapped with NonRetryable stop the loop at once, as do errors the
// errors package classifies fatal or invalid (for example a duplicate node
// name). When all attempts fail, the returned error wraps both
// errors.ErrMaxRetriesExceeded and the last error.
//
// # Context Cancellation
//
// All retry operations respect context cancellation, either during operation
// execution or during the backoff delay.
package retry
