package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/transport"
)

// Recorded is one message seen by a Recorder.
type Recorded struct {
	Channel string
	Raw     []byte
	// Value is the decoded payload; nil with Err set when decoding failed.
	Value any
	Err   error
	At    time.Time
}

// Recorder keeps every message published on a channel pattern.
type Recorder struct {
	mu      sync.Mutex
	pattern string
	msgs    []Recorded
	notify  chan struct{}
	sub     transport.Subscription
}

// NewRecorder subscribes to pattern on t and unsubscribes when the test
// ends. Channel names are not passed to transport handlers, so a wildcard
// recorder reports the pattern as Channel.
func NewRecorder(tb testing.TB, t transport.Transport, pattern string) *Recorder {
	tb.Helper()

	r := &Recorder{pattern: pattern, notify: make(chan struct{}, 1)}
	sub, err := t.Subscribe(context.Background(), pattern, r.record)
	if err != nil {
		tb.Fatalf("recorder subscribe %s: %v", pattern, err)
	}
	r.sub = sub
	tb.Cleanup(func() { _ = sub.Unsubscribe() })
	return r
}

func (r *Recorder) record(data []byte) {
	v, err := codec.Decode(data)
	rec := Recorded{
		Channel: r.pattern,
		Raw:     append([]byte(nil), data...),
		Value:   v,
		Err:     err,
		At:      time.Now(),
	}

	r.mu.Lock()
	r.msgs = append(r.msgs, rec)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.msgs...)
}

// Values returns the decoded payloads recorded so far.
func (r *Recorder) Values() []any {
	msgs := r.Messages()
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Value)
	}
	return out
}

// Count returns the number of recorded messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// Reset forgets every recorded message.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

// WaitFor blocks until at least n messages are recorded and returns them.
// The test fails after timeout.
func (r *Recorder) WaitFor(tb testing.TB, n int, timeout time.Duration) []Recorded {
	tb.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if msgs := r.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			tb.Fatalf("recorder %s: got %d messages, want %d within %v", r.pattern, r.Count(), n, timeout)
			return nil
		}
	}
}

// AssertNone fails the test if anything arrives within quiet.
func (r *Recorder) AssertNone(tb testing.TB, quiet time.Duration) {
	tb.Helper()

	time.Sleep(quiet)
	if n := r.Count(); n > 0 {
		tb.Errorf("recorder %s: got %d unexpected messages", r.pattern, n)
	}
}
