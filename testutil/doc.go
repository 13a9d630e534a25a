// Package testutil holds helpers shared by the package tests.
//
// Recorder listens on a channel pattern of any transport and keeps every
// message it sees, decoded with the wire codec, so tests can wait for and
// assert on traffic without writing a subscriber each time:
//
//	rec := testutil.NewRecorder(t, broker, "lab.>")
//	require.NoError(t, bus.Publish(ctx, "chatter", "hi"))
//	msgs := rec.WaitFor(t, 1, time.Second)
//	assert.Equal(t, "hi", msgs[0].Value)
//
// FaultyKV wraps a key/value bucket and fails chosen operations on demand,
// which covers the error paths a live broker rarely produces. Severable
// wraps a whole transport and, once severed, stands in for a node process
// that died without deregistering anything.
//
// Real dependencies come first: tests run against transport.Memory, and
// integration tests against a NATS container via natsclient.NewTestClient.
package testutil
