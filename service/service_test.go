package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/transport"
)

type fixture struct {
	broker *transport.Memory
	client *Client
	server *Server
}

func newFixture(t *testing.T, clientOpts []ClientOption, serverOpts []ServerOption) *fixture {
	t.Helper()
	broker := transport.NewMemory()

	client, err := NewClient(broker, "client", clientOpts...)
	require.NoError(t, err)
	server, err := NewServer(broker, "server", serverOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		_ = server.Close(context.Background())
		_ = broker.Close(context.Background())
	})
	return &fixture{broker: broker, client: client, server: server}
}

func greetMe(context.Context, Request) (any, error) {
	return "Hello and welcome!", nil
}

func TestCall_GreetMe(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.server.Serve(ctx, "greet_me", greetMe))

	result, err := f.client.Call(ctx, "greet_me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello and welcome!", result)
	assert.Equal(t, 0, f.client.Pending())
}

func TestCall_ArgsAndKwargs(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.server.Serve(ctx, "add", func(_ context.Context, req Request) (any, error) {
		a, _ := req.Arg(0).(int64)
		b, _ := req.Arg(1).(int64)
		sum := a + b
		if scale, ok := req.Kwargs["scale"].(int64); ok {
			sum *= scale
		}
		return map[string]any{"sum": sum, "service": req.Service, "missing": req.Arg(5)}, nil
	}))

	result, err := f.client.Call(ctx, "add", []any{2, 3}, map[string]any{"scale": 10})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": int64(50), "service": "add", "missing": nil}, result)
}

func TestCall_RemoteErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.server.Serve(ctx, "fail", func(context.Context, Request) (any, error) {
		return nil, stderrors.New("no chickens left")
	}))
	require.NoError(t, f.server.Serve(ctx, "panic", func(context.Context, Request) (any, error) {
		panic("boom")
	}))
	require.NoError(t, f.server.Serve(ctx, "unencodable", func(context.Context, Request) (any, error) {
		return make(chan int), nil
	}))
	require.NoError(t, f.server.Serve(ctx, "raw_frame", func(context.Context, Request) (any, error) {
		return nil, fmt.Errorf("bad frame %s", "\xff\xfe")
	}))

	tests := []struct {
		service  string
		contains string
	}{
		{"fail", "no chickens left"},
		{"panic", "boom"},
		{"unencodable", "unsupported"},
		{"raw_frame", "bad frame \uFFFD"},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			_, err := f.client.Call(ctx, tt.service, nil, nil, WithTimeout(time.Second))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrRemoteService)

			var re *errors.RemoteServiceError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.service, re.Service)
			assert.Contains(t, re.Message, tt.contains)
		})
	}

	// The server survives all of the above.
	require.NoError(t, f.server.Serve(ctx, "greet_me", greetMe))
	_, err := f.client.Call(ctx, "greet_me", nil, nil)
	assert.NoError(t, err)
}

func TestCall_NonexistentServiceTimesOut(t *testing.T) {
	f := newFixture(t, []ClientOption{WithDefaultTimeout(50 * time.Millisecond)}, nil)

	start := time.Now()
	_, err := f.client.Call(context.Background(), "nonexistent", nil, nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.ErrorIs(t, err, errors.ErrServiceTimeout)
	assert.True(t, errors.IsTransient(err))
	var te *errors.ServiceTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "nonexistent", te.Service)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)

	_, err = f.client.Call(context.Background(), "nonexistent", nil, nil, WithTimeout(10*time.Millisecond))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 10*time.Millisecond, te.Timeout)
}

func TestCall_UnencodableArgsSendNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := f.broker.Subscribe(ctx, ServicePrefix+">", func([]byte) { calls.Add(1) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.client.Call(ctx, "greet_me", []any{struct{}{}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEncoding)

	_, err = f.client.Call(ctx, "greet_me", nil, map[string]any{"f": func() {}})
	assert.ErrorIs(t, err, errors.ErrEncoding)

	assert.Zero(t, calls.Load())
	assert.Zero(t, f.client.Pending())

	_, err = f.client.Call(ctx, "", nil, nil)
	assert.Error(t, err)
}

func TestCall_DiscardsForeignAndMalformedResponses(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	// A hand-written server that answers noise first.
	sub, err := f.broker.Subscribe(ctx, Channel("noisy"), func(data []byte) {
		req, err := decodeCall(data)
		if err != nil {
			return
		}
		other, _ := encodeResult("someone-else", "wrong")
		_ = f.broker.Publish(ctx, req.ReplyTo, other)
		_ = f.broker.Publish(ctx, req.ReplyTo, []byte("{broken"))
		_ = f.broker.Publish(ctx, req.ReplyTo, []byte(`[1,2]`))
		right, _ := encodeResult(req.CorrelationID, "right")
		_ = f.broker.Publish(ctx, req.ReplyTo, right)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	result, err := f.client.Call(ctx, "noisy", nil, nil, WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "right", result)
}

func TestServe_DropsMalformedCalls(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	var handled atomic.Int32
	require.NoError(t, f.server.Serve(ctx, "greet_me", func(ctx context.Context, req Request) (any, error) {
		handled.Add(1)
		return greetMe(ctx, req)
	}))

	bad := [][]byte{
		[]byte("nope"),
		[]byte(`"just text"`),
		[]byte(`{"service":"greet_me"}`),
		[]byte(`{"correlation_id":"x","reply_to":"nv.reply.x","args":"not a list"}`),
	}
	for _, data := range bad {
		require.NoError(t, f.broker.Publish(ctx, Channel("greet_me"), data))
	}

	result, err := f.client.Call(ctx, "greet_me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello and welcome!", result)
	assert.Equal(t, int32(1), handled.Load())
}

func concurrencyGauge() (Handler, func() int32) {
	var running, peak atomic.Int32
	h := func(context.Context, Request) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}
	return h, peak.Load
}

func TestServe_Parallelism(t *testing.T) {
	tests := []struct {
		name     string
		opts     []ServeOption
		wantPeak func(t *testing.T, peak int32)
	}{
		{"sequential by default", nil, func(t *testing.T, peak int32) {
			assert.Equal(t, int32(1), peak)
		}},
		{"parallel", []ServeOption{WithParallelism(4)}, func(t *testing.T, peak int32) {
			assert.Greater(t, peak, int32(1))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			ctx := context.Background()
			handler, peak := concurrencyGauge()
			require.NoError(t, f.server.Serve(ctx, "slow", handler, tt.opts...))

			var wg sync.WaitGroup
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.client.Call(ctx, "slow", nil, nil, WithTimeout(5*time.Second))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			tt.wantPeak(t, peak())
		})
	}
}

func TestServe_FullQueueAnswersImmediately(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	require.NoError(t, f.server.Serve(ctx, "busy", func(context.Context, Request) (any, error) {
		started <- struct{}{}
		<-release
		return "done", nil
	}, WithRequestQueue(1)))

	results := make(chan error, 3)
	call := func() {
		_, err := f.client.Call(ctx, "busy", nil, nil, WithTimeout(5*time.Second))
		results <- err
	}

	go call()
	<-started // first request occupies the worker
	go call() // second waits in the queue
	require.Eventually(t, func() bool { return f.server.endpoints["busy"].pool.Stats().QueueDepth == 1 },
		time.Second, 5*time.Millisecond)
	go call() // third is rejected

	select {
	case err := <-results:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrRemoteService)
		assert.Contains(t, err.Error(), "unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("rejected call did not return")
	}

	close(release)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-results)
	}
}

func TestServe_RateLimitAnswersImmediately(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFixture(t, nil, []ServerOption{WithServerMetrics(registry)})
	ctx := context.Background()

	var handled atomic.Int32
	require.NoError(t, f.server.Serve(ctx, "camera.snapshot", func(context.Context, Request) (any, error) {
		handled.Add(1)
		return "frame", nil
	}, WithRateLimit(0.01, 2)))

	for i := 0; i < 2; i++ {
		result, err := f.client.Call(ctx, "camera.snapshot", nil, nil, WithTimeout(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "frame", result)
	}

	start := time.Now()
	_, err := f.client.Call(ctx, "camera.snapshot", nil, nil, WithTimeout(5*time.Second))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "over the limit is answered, not timed out")
	assert.ErrorIs(t, err, errors.ErrRemoteService)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, int32(2), handled.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		registry.CoreMetrics().ServiceRequests.WithLabelValues("server", "camera.snapshot", "limited")))
}

func TestServe_NonPositiveRateIsUnlimited(t *testing.T) {
	var o serveOptions
	WithRateLimit(0, 5)(&o)
	assert.Nil(t, o.limiter)

	WithRateLimit(100, 0)(&o)
	require.NotNil(t, o.limiter)
	assert.Equal(t, 1, o.limiter.Burst())
}

func TestClient_FailPending(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.client.Call(ctx, "silent", nil, nil, WithTimeout(10*time.Second))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.client.Pending() == 1 }, time.Second, 5*time.Millisecond)

	f.client.FailPending(errors.NewTransportError("connection", transport.ErrNotConnected))

	err := <-errCh
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.Zero(t, f.client.Pending())
}

func TestClient_CloseReleasesCalls(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.client.Call(ctx, "silent", nil, nil, WithTimeout(10*time.Second))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.client.Pending() == 1 }, time.Second, 5*time.Millisecond)

	f.client.Close()
	f.client.Close()

	err := <-errCh
	assert.ErrorIs(t, err, errors.ErrServiceTimeout)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	var te *errors.ServiceTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "silent", te.Service)

	_, err = f.client.Call(ctx, "silent", nil, nil)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestClient_ContextCancel(t *testing.T) {
	f := newFixture(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.client.Call(ctx, "silent", nil, nil, WithTimeout(10*time.Second))
	assert.ErrorIs(t, err, errors.ErrServiceTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_TransportDown(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.broker.Disconnect()

	_, err := f.client.Call(context.Background(), "greet_me", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.Zero(t, f.client.Pending())
}

type fakeAnnouncer struct {
	mu       sync.Mutex
	services map[string]bool
}

func (a *fakeAnnouncer) AddService(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[name] = true
	return nil
}

func (a *fakeAnnouncer) RemoveService(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.services, name)
	return nil
}

func (a *fakeAnnouncer) WaitForService(ctx context.Context, name string, _ time.Duration) error {
	for {
		a.mu.Lock()
		ok := a.services[name]
		a.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServer_UnserveAndAnnounce(t *testing.T) {
	ann := &fakeAnnouncer{services: map[string]bool{}}
	f := newFixture(t,
		[]ClientOption{WithWaiter(ann), WithDefaultTimeout(50 * time.Millisecond)},
		[]ServerOption{WithAnnouncer(ann)})
	ctx := context.Background()

	require.NoError(t, f.server.Serve(ctx, "greet_me", greetMe))
	assert.Error(t, f.server.Serve(ctx, "greet_me", greetMe), "one handler per name per server")
	assert.Equal(t, []string{"greet_me"}, f.server.Services())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.client.WaitForService(waitCtx, "greet_me"))

	require.NoError(t, f.server.Unserve(ctx, "greet_me"))
	require.NoError(t, f.server.Unserve(ctx, "greet_me"))
	assert.Empty(t, f.server.Services())
	assert.False(t, ann.services["greet_me"])

	_, err := f.client.Call(ctx, "greet_me", nil, nil)
	assert.ErrorIs(t, err, errors.ErrServiceTimeout)
}

func TestClient_WaitForServiceWithoutRegistry(t *testing.T) {
	f := newFixture(t, nil, nil)
	assert.Error(t, f.client.WaitForService(context.Background(), "greet_me"))
}

func TestServer_DuplicateProvidersBothAnswer(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	other, err := NewServer(f.broker, "server-2")
	require.NoError(t, err)
	defer other.Close(ctx)

	var answered atomic.Int32
	h := func(ctx context.Context, req Request) (any, error) {
		answered.Add(1)
		return greetMe(ctx, req)
	}
	require.NoError(t, f.server.Serve(ctx, "greet_me", h))
	require.NoError(t, other.Serve(ctx, "greet_me", h))

	result, err := f.client.Call(ctx, "greet_me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello and welcome!", result)
	assert.Eventually(t, func() bool { return answered.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestServer_CloseRejectsServe(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.server.Serve(ctx, "greet_me", greetMe))

	require.NoError(t, f.server.Close(ctx))
	require.NoError(t, f.server.Close(ctx))
	assert.ErrorIs(t, f.server.Serve(ctx, "other", greetMe), errors.ErrShuttingDown)
	assert.Empty(t, f.server.Services())
}

func TestServiceMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()
	f := newFixture(t,
		[]ClientOption{WithClientMetrics(core), WithDefaultTimeout(30 * time.Millisecond)},
		[]ServerOption{WithServerMetrics(registry)})
	ctx := context.Background()

	require.NoError(t, f.server.Serve(ctx, "greet_me", greetMe))
	require.NoError(t, f.server.Serve(ctx, "fail", func(context.Context, Request) (any, error) {
		return nil, stderrors.New("nope")
	}))

	_, _ = f.client.Call(ctx, "greet_me", nil, nil)
	_, _ = f.client.Call(ctx, "fail", nil, nil)
	_, _ = f.client.Call(ctx, "nonexistent", nil, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(core.ServiceCalls.WithLabelValues("client", "greet_me", metric.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ServiceCalls.WithLabelValues("client", "fail", metric.OutcomeRemote)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ServiceCalls.WithLabelValues("client", "nonexistent", metric.OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ServiceRequests.WithLabelValues("server", "greet_me", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ServiceRequests.WithLabelValues("server", "fail", "error")))
}

func TestEnvelopes(t *testing.T) {
	data, err := encodeCall(Request{Service: "add", CorrelationID: "id", ReplyTo: "nv.reply.id"})
	require.NoError(t, err)

	v, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"service":        "add",
		"args":           []any{},
		"kwargs":         map[string]any{},
		"correlation_id": "id",
		"reply_to":       "nv.reply.id",
	}, v)

	req, err := decodeCall([]byte(`{"correlation_id":"id","reply_to":"r","args":null}`))
	require.NoError(t, err)
	assert.Equal(t, []any{}, req.Args)
	assert.Equal(t, map[string]any{}, req.Kwargs)

	data, err = encodeError("id", "bad")
	require.NoError(t, err)
	resp, err := decodeResponse(data)
	require.NoError(t, err)
	assert.True(t, resp.failed)
	assert.Equal(t, "bad", resp.errMsg)

	data, err = encodeError("id", "frame \xff\xfe")
	require.NoError(t, err)
	resp, err = decodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, "frame \uFFFD", resp.errMsg)

	resp, err = decodeResponse([]byte(`{"correlation_id":"id","error":{"code":3}}`))
	require.NoError(t, err)
	assert.True(t, resp.failed)
	assert.Contains(t, resp.errMsg, "code")

	_, err = decodeResponse([]byte(`{"result":1}`))
	assert.ErrorIs(t, err, errors.ErrDecoding)
}
