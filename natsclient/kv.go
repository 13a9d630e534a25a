package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/pkg/retry"
	"github.com/c360/nvbus/transport"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	Timeout      time.Duration // Per-operation timeout
	MaxValueSize int           // Maximum size for values (default: 1MB)
}

// DefaultKVOptions returns the options used by KeyValue.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// KVStore adapts a JetStream bucket to transport.KeyValue and adds revision
// aware helpers.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

var _ transport.KeyValue = (*KVStore)(nil)

// NewKVStore wraps bucket.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Bucket returns the bucket name.
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) validate(op, key string) error {
	if !transport.ValidKey(key) {
		return errors.WrapInvalid(fmt.Errorf("invalid key %q", key), "KVStore", op, "validate key")
	}
	return nil
}

// Set writes value, replacing any previous value and restarting the key's age.
func (kv *KVStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := kv.Put(ctx, key, value)
	return err
}

// Get returns the current value of key.
func (kv *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := kv.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetEntry retrieves a value with its revision for CAS operations
func (kv *KVStore) GetEntry(ctx context.Context, key string) (*KVEntry, error) {
	if err := kv.validate("Get", key); err != nil {
		return nil, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, transport.ErrKeyNotFound
		}
		return nil, errors.NewTransportError("kv get "+key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.validate("Put", key); err != nil {
		return 0, err
	}
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.WrapInvalid(
			fmt.Errorf("value size %d exceeds maximum %d", len(value), kv.options.MaxValueSize),
			"KVStore", "Put", "validate value size")
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.NewTransportError("kv put "+key, err)
	}
	kv.logger.Debugf("KV Put: bucket=%s key=%s revision=%d", kv.Bucket(), key, rev)
	return rev, nil
}

// Create only creates if key doesn't exist (returns ErrKVKeyExists if it does)
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.validate("Create", key); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, errors.NewTransportError("kv create "+key, err)
	}
	return rev, nil
}

// Update performs a CAS write against revision.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.validate("Update", key); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, errors.NewTransportError("kv update "+key, err)
	}
	return rev, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	if err := kv.validate("Delete", key); err != nil {
		return err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil && !IsKVNotFoundError(err) {
		return errors.NewTransportError("kv delete "+key, err)
	}
	return nil
}

// Scan lists live keys matching a path.Match pattern, sorted.
func (kv *KVStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "Scan", "bad pattern "+pattern)
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, errors.NewTransportError("kv scan", err)
	}
	defer func() { _ = lister.Stop() }()

	keys := []string{}
	for key := range lister.Keys() {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Expire rewrites key with its current value so its age restarts. A
// concurrent write wins and counts as refreshed.
func (kv *KVStore) Expire(ctx context.Context, key string) error {
	entry, err := kv.GetEntry(ctx, key)
	if err != nil {
		return err
	}
	if _, err := kv.Update(ctx, key, entry.Value, entry.Revision); err != nil {
		if stderrors.Is(err, ErrKVRevisionMismatch) {
			return nil
		}
		return err
	}
	return nil
}

// Modify runs a compare-and-set loop of GetEntry, fn and Update, retrying
// with backoff while other writers win the race.
func (kv *KVStore) Modify(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	err := retry.Do(ctx, retry.Quick(), func() error {
		entry, err := kv.GetEntry(ctx, key)
		if err != nil {
			return retry.NonRetryable(err)
		}
		next, err := fn(entry.Value)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if _, err := kv.Update(ctx, key, next, entry.Revision); err != nil {
			if stderrors.Is(err, ErrKVRevisionMismatch) {
				kv.logger.Debugf("KV Modify conflict: bucket=%s key=%s revision=%d", kv.Bucket(), key, entry.Revision)
				return err
			}
			return retry.NonRetryable(err)
		}
		return nil
	})
	var nr *retry.NonRetryableError
	if stderrors.As(err, &nr) {
		return nr.Unwrap()
	}
	return err
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, transport.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "key not found") ||
		strings.Contains(errMsg, "10037")
}

// IsKVConflictError checks if error indicates a conflict (key exists or wrong revision)
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) ||
		stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") ||
		strings.Contains(errMsg, "10071") ||
		strings.Contains(errMsg, "key exists") ||
		strings.Contains(errMsg, "10058")
}

// Revision conflict errors
var (
	ErrKVKeyExists        = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch = stderrors.New("kv: revision mismatch (concurrent update)")
)
