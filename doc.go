// Package nvbus is a small robotics middleware core: named nodes that find
// each other through a shared registry and talk over topics, request/response
// services and a hierarchical parameter store, all on top of one message
// broker.
//
// # Architecture
//
// Every node holds one broker connection and layers the facilities on it:
//
//	node.Node          lifecycle, heartbeat, remote terminate, timers
//	├── topic.Bus      publish/subscribe, one bounded queue per subscription
//	├── service.Client call with timeout, reply channel per call
//	├── service.Server one worker pool per served service
//	├── param.Store    dot-path parameters of every node
//	└── registry       node, subscriber, publisher and service keys with TTL
//	        │
//	transport.Transport  publish, subscribe, key/value buckets
//	├── natsclient       NATS core + JetStream key/value
//	└── transport.Memory in-process broker for tests and single-process use
//
// Payloads are encoded with package codec, a JSON based wire format that
// keeps integers, reals, text, binary, sequences and mappings apart so nodes
// written in other languages read the same values.
//
// # Discovery
//
// Nothing is central. A node writes its record under a TTL bucket and
// refreshes it every heartbeat; a crashed node disappears when its keys
// expire. Topics and services exist as long as some live node announces
// them. Queries such as Nodes, TopicSubscribers and ServiceProviders read
// the bucket directly, so results are as fresh as the last heartbeat.
//
// # Failure model
//
// Errors are classified by package errors as transient, invalid or fatal.
// Decode failures and handler errors are logged and never stop a node. A
// broker outage fails pending calls at once with a TransportError; the
// connection reconnects on its own. When reconnects are exhausted the node
// stops and Spin returns ErrReconnectExhausted.
//
// # Quick start
//
//	cfg := config.Default()
//	cfg.Node.Name = "talker"
//
//	conn, err := node.Connect(ctx, cfg.NATS, cfg.Node.Name, logger, nil)
//	if err != nil {
//		return err
//	}
//	n, err := node.New(cfg.Node.Name, conn, node.OptionsFromConfig(cfg.Node)...)
//	if err != nil {
//		return err
//	}
//	if err := n.Start(ctx); err != nil {
//		return err
//	}
//	defer n.Stop(context.Background())
//
//	_ = n.CreateService(ctx, "greet_me", func(context.Context, service.Request) (any, error) {
//		return "Hello and welcome!", nil
//	})
//	return n.Spin(ctx)
//
// The nvnode command wraps the same steps with flags, configuration files,
// a parameter file and a Prometheus endpoint.
package nvbus
