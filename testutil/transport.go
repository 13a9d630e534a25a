package testutil

import (
	"context"
	"sync"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/transport"
)

// Severable passes everything to an inner transport until Sever is called.
// From then on it acts like a process that died without cleaning up:
// deliveries stop, publishes fail and every bucket operation fails, while
// the inner transport and whatever the process left in it live on.
type Severable struct {
	transport.Transport

	mu      sync.Mutex
	severed bool
	buckets []*FaultyKV
}

// NewSeverable wraps t.
func NewSeverable(t transport.Transport) *Severable {
	return &Severable{Transport: t}
}

// Sever cuts the wrapper off from the inner transport for good.
func (s *Severable) Sever() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.severed = true
	for _, kv := range s.buckets {
		failAll(kv)
	}
}

func failAll(kv *FaultyKV) {
	for _, op := range []string{OpSet, OpGet, OpDelete, OpScan, OpExpire, OpModify} {
		kv.Fail(op, errSevered)
	}
}

// Severed reports whether Sever was called.
func (s *Severable) Severed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.severed
}

var errSevered = errors.WrapTransient(transport.ErrNotConnected, "Severable", "Sever", "reach broker")

func (s *Severable) Publish(ctx context.Context, channel string, data []byte) error {
	if s.Severed() {
		return errSevered
	}
	return s.Transport.Publish(ctx, channel, data)
}

func (s *Severable) Subscribe(ctx context.Context, channel string, handler transport.Handler) (transport.Subscription, error) {
	if s.Severed() {
		return nil, errSevered
	}
	return s.Transport.Subscribe(ctx, channel, func(data []byte) {
		if s.Severed() {
			return
		}
		handler(data)
	})
}

func (s *Severable) KeyValue(ctx context.Context, cfg transport.BucketConfig) (transport.KeyValue, error) {
	if s.Severed() {
		return nil, errSevered
	}
	kv, err := s.Transport.KeyValue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	faulty := NewFaultyKV(kv)

	s.mu.Lock()
	s.buckets = append(s.buckets, faulty)
	if s.severed {
		failAll(faulty)
	}
	s.mu.Unlock()
	return faulty, nil
}
