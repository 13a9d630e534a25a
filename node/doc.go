// Package node ties the bus together: one Node is a named participant with
// a registry record, topic subscriptions, services, parameters and timers.
//
// Basic usage:
//
//	client, err := node.Connect(ctx, cfg.NATS, "talker", logger, nil)
//	if err != nil {
//		return err
//	}
//	n, err := node.New("talker", client, node.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := n.Start(ctx); err != nil {
//		return err
//	}
//	defer n.Stop(context.Background())
//
//	n.NewTimer(time.Second, func(ctx context.Context) {
//		_ = n.Publish(ctx, "chatter", "hello")
//	}, false)
//
//	return n.Spin(ctx)
//
// Lifecycle:
//
// Start opens the registry and parameter buckets, waits out a stale record
// of the same name, registers, clears the node's parameters and starts the
// heartbeat. Stop ends timers, pending calls, services and subscriptions,
// then removes the registry record. A node stops on its own when another
// node publishes {"node": <name>} on TerminateTopic or when the broker
// connection is closed for good; Spin returns the reason.
//
// While the broker is unreachable pending service calls fail right away
// with a TransportError and the heartbeat is retried on reconnect.
//
// Handlers of a node must not call its Stop synchronously: Stop waits for
// them to return.
package node
