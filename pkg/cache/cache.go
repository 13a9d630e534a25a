// Package cache provides a generic, thread-safe time-to-live cache.
//
// Each bucket of the in-process broker is one cache: entries expire after the
// bucket TTL unless rewritten or touched, mirroring the per-bucket MaxAge of a
// NATS key/value bucket.
package cache

import (
	"github.com/c360/nvbus/errors"
)

// Cache is a string-keyed cache of values of type V.
type Cache[V any] interface {
	// Get returns the value for key, or false if it is absent or expired.
	Get(key string) (V, bool)

	// Set stores value and restarts the key's expiry. Returns true when a new
	// entry was created.
	Set(key string, value V) (bool, error)

	// Touch restarts the expiry of an existing, unexpired key without changing
	// its value. Returns false if the key is absent or expired.
	Touch(key string) bool

	// Delete removes key. Returns true if it existed.
	Delete(key string) (bool, error)

	// Clear removes every entry.
	Clear() error

	// Size returns the number of stored entries, including expired entries
	// not yet swept.
	Size() int

	// Keys returns the keys of all unexpired entries, in no particular order.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops the background sweeper.
	Close() error
}

// EvictCallback is called with each entry removed by Delete, Clear or expiry.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Cache", "validateKey", "key cannot be empty")
	}
	return nil
}
