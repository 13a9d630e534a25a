// Package transport defines the broker contract every node module is built on:
// fire-and-forget channels plus key/value buckets with a per-bucket TTL.
//
// Two implementations exist. natsclient.Client talks to a NATS server (core
// pub/sub and JetStream KV). Memory is an in-process broker used by unit tests
// and single-process deployments.
package transport

import (
	"context"
	"regexp"
	"time"

	"github.com/c360/nvbus/errors"
)

var (
	// ErrKeyNotFound is returned by KeyValue.Get and KeyValue.Expire for a
	// missing or expired key.
	ErrKeyNotFound = errors.ErrKeyNotFound

	// ErrNotConnected is wrapped by operations attempted while the broker
	// connection is down.
	ErrNotConnected = errors.ErrNoConnection

	// ErrClosed is wrapped by operations on a closed transport.
	ErrClosed = errors.ErrAlreadyStopped
)

// Handler receives the raw payload of one message. It runs on the
// transport's delivery goroutine and must not block.
type Handler func(data []byte)

// Subscription is an active channel subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is a no-op.
	Unsubscribe() error
}

// BucketConfig describes a key/value bucket.
type BucketConfig struct {
	Name string
	// TTL is how long a key lives after its last Set or Expire. Zero keeps
	// keys until deleted.
	TTL         time.Duration
	Description string
}

// KeyValue is a flat key space inside one bucket.
type KeyValue interface {
	// Bucket returns the bucket name.
	Bucket() string
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns the sorted keys matching a path.Match pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Expire restarts key's TTL without changing its value.
	Expire(ctx context.Context, key string) error
	// Modify replaces the value of an existing key with fn(current) as one
	// atomic change. It returns ErrKeyNotFound when key is missing. fn may
	// run more than once when another writer changes key concurrently.
	Modify(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}

// EventType enumerates connection events.
type EventType int

// Connection events
const (
	EventDisconnected EventType = iota + 1
	EventReconnected
	// EventClosed means the connection is gone for good, either because
	// Close was called or because reconnects were exhausted.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a connection state change.
type Event struct {
	Type EventType
	Err  error
}

// Transport is a broker connection shared by every module of a node.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	KeyValue(ctx context.Context, cfg BucketConfig) (KeyValue, error)
	// OnEvent registers fn for connection events. Listeners cannot be removed.
	OnEvent(fn func(Event))
	Close(ctx context.Context) error
}

var (
	validKey    = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)
	validBucket = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidKey reports whether key is accepted by NATS key/value buckets.
func ValidKey(key string) bool {
	if key == "" || key[0] == '.' || key[len(key)-1] == '.' {
		return false
	}
	return validKey.MatchString(key)
}

// ValidBucket reports whether name is a legal bucket name.
func ValidBucket(name string) bool {
	return validBucket.MatchString(name)
}

// ValidChannel reports whether channel is a legal publish subject: non-empty
// dot-separated tokens without wildcards or whitespace.
func ValidChannel(channel string) bool {
	if channel == "" {
		return false
	}
	for _, tok := range splitTokens(channel) {
		if tok == "" || tok == "*" || tok == ">" {
			return false
		}
		for _, r := range tok {
			if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
				return false
			}
		}
	}
	return true
}
