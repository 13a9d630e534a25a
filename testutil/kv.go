package testutil

import (
	"context"
	"sync"

	"github.com/c360/nvbus/transport"
)

// KV operation names accepted by FaultyKV.Fail.
const (
	OpSet    = "set"
	OpGet    = "get"
	OpDelete = "delete"
	OpScan   = "scan"
	OpExpire = "expire"
	OpModify = "modify"
)

// FaultyKV wraps a bucket and returns injected errors for chosen
// operations. Calls that are not failed pass through.
type FaultyKV struct {
	transport.KeyValue

	mu     sync.Mutex
	faults map[string]fault
	calls  map[string]int
}

type fault struct {
	err   error
	after int
}

// NewFaultyKV wraps kv.
func NewFaultyKV(kv transport.KeyValue) *FaultyKV {
	return &FaultyKV{
		KeyValue: kv,
		faults:   make(map[string]fault),
		calls:    make(map[string]int),
	}
}

// Fail makes op return err from now on.
func (f *FaultyKV) Fail(op string, err error) {
	f.FailAfter(op, 0, err)
}

// FailAfter lets n more calls of op through and fails the rest with err.
func (f *FaultyKV) FailAfter(op string, n int, err error) {
	f.mu.Lock()
	f.faults[op] = fault{err: err, after: f.calls[op] + n}
	f.mu.Unlock()
}

// Heal removes every injected fault.
func (f *FaultyKV) Heal() {
	f.mu.Lock()
	f.faults = make(map[string]fault)
	f.mu.Unlock()
}

// Calls returns how often op was called, failed calls included.
func (f *FaultyKV) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyKV) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	flt, ok := f.faults[op]
	if !ok || f.calls[op] <= flt.after {
		return nil
	}
	return flt.err
}

func (f *FaultyKV) Set(ctx context.Context, key string, value []byte) error {
	if err := f.check(OpSet); err != nil {
		return err
	}
	return f.KeyValue.Set(ctx, key, value)
}

func (f *FaultyKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.check(OpGet); err != nil {
		return nil, err
	}
	return f.KeyValue.Get(ctx, key)
}

func (f *FaultyKV) Delete(ctx context.Context, key string) error {
	if err := f.check(OpDelete); err != nil {
		return err
	}
	return f.KeyValue.Delete(ctx, key)
}

func (f *FaultyKV) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := f.check(OpScan); err != nil {
		return nil, err
	}
	return f.KeyValue.Scan(ctx, pattern)
}

func (f *FaultyKV) Expire(ctx context.Context, key string) error {
	if err := f.check(OpExpire); err != nil {
		return err
	}
	return f.KeyValue.Expire(ctx, key)
}

func (f *FaultyKV) Modify(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if err := f.check(OpModify); err != nil {
		return err
	}
	return f.KeyValue.Modify(ctx, key, fn)
}
