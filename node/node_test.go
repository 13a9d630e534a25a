package node

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
	"github.com/c360/nvbus/registry"
	"github.com/c360/nvbus/service"
	nvtest "github.com/c360/nvbus/testutil"
	"github.com/c360/nvbus/topic"
	"github.com/c360/nvbus/transport"
)

const waitFor = 2 * time.Second

type NodeSuite struct {
	suite.Suite
	broker *transport.Memory
	ctx    context.Context
}

func TestNodeSuite(t *testing.T) {
	suite.Run(t, new(NodeSuite))
}

func (s *NodeSuite) SetupTest() {
	broker := transport.NewMemory()
	s.broker = broker
	s.ctx = context.Background()
	// Registered first so it runs after every node's cleanup.
	s.T().Cleanup(func() { _ = broker.Close(context.Background()) })
}

func fastOptions(opts ...Option) []Option {
	return append([]Option{
		WithHeartbeat(50*time.Millisecond, 200*time.Millisecond),
		WithDuplicateWait(300 * time.Millisecond),
		WithStopTimeout(2 * time.Second),
	}, opts...)
}

// started returns a running node that is stopped when the test ends.
func (s *NodeSuite) started(name string, opts ...Option) *Node {
	n, err := New(name, s.broker, fastOptions(opts...)...)
	s.Require().NoError(err)
	s.Require().NoError(n.Start(s.ctx))
	s.T().Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func (s *NodeSuite) TestNew_InvalidName() {
	for _, name := range []string{"", "a.b", "with space", "ümlaut"} {
		_, err := New(name, s.broker)
		s.Error(err, name)
		s.True(stderrors.Is(err, errors.ErrInvalidName), name)
	}
	_, err := New("ok", nil)
	s.True(errors.IsInvalid(err))
}

func (s *NodeSuite) TestLifecycle() {
	n, err := New("talker", s.broker, fastOptions(WithVersion("1.2.3"))...)
	s.Require().NoError(err)
	s.Equal(StateStopped, n.State())

	err = n.Publish(s.ctx, "chatter", "early")
	s.True(stderrors.Is(err, errors.ErrNotStarted))

	s.Require().NoError(n.Start(s.ctx))
	s.Equal(StateRunning, n.State())
	s.True(stderrors.Is(n.Start(s.ctx), errors.ErrAlreadyStarted))

	observer := s.started("observer")
	nodes, err := observer.Nodes(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"observer", "talker"}, nodes)

	info, err := observer.NodeInfo(s.ctx, "talker")
	s.Require().NoError(err)
	s.Equal("1.2.3", info.Version)
	s.Equal(os.Getpid(), info.Process.PID)

	s.Require().NoError(n.Stop(s.ctx))
	s.Equal(StateStopped, n.State())
	s.NoError(n.Spin(s.ctx))
	s.NoError(n.Stop(s.ctx), "second stop is a no-op")

	exists, err := observer.NodeExists(s.ctx, "talker")
	s.Require().NoError(err)
	s.False(exists)

	err = n.Publish(s.ctx, "chatter", "late")
	s.True(stderrors.Is(err, errors.ErrShuttingDown))
	s.Error(n.Start(s.ctx), "a node runs once")
}

func (s *NodeSuite) TestHeartbeatKeepsRecordAlive() {
	s.started("steady")
	observer := s.started("observer")

	// Several TTLs pass.
	time.Sleep(500 * time.Millisecond)
	exists, err := observer.NodeExists(s.ctx, "steady")
	s.Require().NoError(err)
	s.True(exists)
}

func (s *NodeSuite) TestDuplicateNameRejected() {
	s.started("arm")

	dup, err := New("arm", s.broker, fastOptions()...)
	s.Require().NoError(err)
	start := time.Now()
	err = dup.Start(s.ctx)
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrDuplicateNode))
	s.True(errors.IsFatal(err))
	s.GreaterOrEqual(time.Since(start), 300*time.Millisecond)
	s.Equal(StateFailed, dup.State())
}

func (s *NodeSuite) TestDuplicateNameWaitsForStaleRecord() {
	kv, err := s.broker.KeyValue(s.ctx, transport.BucketConfig{Name: registry.Bucket, TTL: 200 * time.Millisecond})
	s.Require().NoError(err)
	stale, err := registry.New(kv, "arm")
	s.Require().NoError(err)
	s.Require().NoError(stale.Register(s.ctx, registry.Info{}))

	n, err := New("arm", s.broker, fastOptions(WithDuplicateWait(2*time.Second))...)
	s.Require().NoError(err)
	s.Require().NoError(n.Start(s.ctx))
	s.T().Cleanup(func() { _ = n.Stop(context.Background()) })
	s.Equal(StateRunning, n.State())
}

func (s *NodeSuite) TestPublishSubscribe() {
	listener := s.started("listener")
	talker := s.started("talker")

	got := make(chan topic.Message, 4)
	_, err := listener.Subscribe(s.ctx, "chatter", func(_ context.Context, msg topic.Message) error {
		got <- msg
		return nil
	})
	s.Require().NoError(err)

	has, err := talker.HasSubscribers(s.ctx, "chatter")
	s.Require().NoError(err)
	s.True(has)

	s.Require().NoError(talker.Publish(s.ctx, "chatter", map[string]any{"seq": 1}))
	select {
	case msg := <-got:
		s.Equal("chatter", msg.Topic)
		s.Equal(map[string]any{"seq": int64(1)}, msg.Value)
	case <-time.After(waitFor):
		s.Fail("message not delivered")
	}

	pubs, err := listener.TopicPublishers(s.ctx, "chatter")
	s.Require().NoError(err)
	s.Equal([]string{"talker"}, pubs)
	s.Equal([]string{"chatter"}, listener.Subscriptions())

	s.Require().NoError(listener.Unsubscribe("chatter"))
	has, err = talker.HasSubscribers(s.ctx, "chatter")
	s.Require().NoError(err)
	s.False(has)
}

func (s *NodeSuite) TestRelativeTopicAndWorkspace() {
	a := s.started("a", WithWorkspace("lab"))
	b := s.started("b", WithWorkspace("lab"))

	got := make(chan topic.Message, 1)
	_, err := b.Subscribe(s.ctx, "a.status", func(_ context.Context, msg topic.Message) error {
		got <- msg
		return nil
	})
	s.Require().NoError(err)

	s.Require().NoError(a.Publish(s.ctx, ".status", "ok"))
	select {
	case msg := <-got:
		s.Equal("lab.a.status", msg.Topic)
	case <-time.After(waitFor):
		s.Fail("message not delivered")
	}

	topics, err := a.Topics(s.ctx)
	s.Require().NoError(err)
	s.Contains(topics, "lab.a.status")
}

func (s *NodeSuite) TestServices() {
	server := s.started("server")
	client := s.started("client")

	s.Require().NoError(server.CreateService(s.ctx, "add_two", func(_ context.Context, req service.Request) (any, error) {
		a, _ := req.Arg(0).(int64)
		b, _ := req.Arg(1).(int64)
		return a + b, nil
	}))

	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	s.Require().NoError(client.WaitForService(ctx, "add_two"))

	result, err := client.CallService(s.ctx, "add_two", []any{2, 40}, nil)
	s.Require().NoError(err)
	s.Equal(int64(42), result)

	providers, err := client.ServiceProviders(s.ctx, "add_two")
	s.Require().NoError(err)
	s.Equal([]string{"server"}, providers)

	services, err := client.Services(s.ctx)
	s.Require().NoError(err)
	s.Contains(services, "add_two")

	s.Require().NoError(server.RemoveService(s.ctx, "add_two"))
	_, err = client.CallService(s.ctx, "add_two", []any{1, 1}, nil, service.WithTimeout(100*time.Millisecond))
	s.True(stderrors.Is(err, errors.ErrServiceTimeout))
}

// A provider that dies without deregistering drops out once its registry
// record expires, and calls to its service time out instead of hanging.
func (s *NodeSuite) TestCrashedProviderExpires() {
	link := nvtest.NewSeverable(s.broker)
	crashed, err := New("crashed", link, fastOptions()...)
	s.Require().NoError(err)
	s.Require().NoError(crashed.Start(s.ctx))
	s.T().Cleanup(func() { _ = crashed.Stop(context.Background()) })
	client := s.started("client")

	s.Require().NoError(crashed.CreateService(s.ctx, "home_arm", func(context.Context, service.Request) (any, error) {
		return "homed", nil
	}))
	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	s.Require().NoError(client.WaitForService(ctx, "home_arm"))

	result, err := client.CallService(s.ctx, "home_arm", nil, nil, service.WithTimeout(time.Second))
	s.Require().NoError(err)
	s.Equal("homed", result)

	link.Sever()
	s.Equal(StateRunning, crashed.State(), "the crashed process never shut down")

	s.Eventually(func() bool {
		providers, err := client.ServiceProviders(s.ctx, "home_arm")
		return err == nil && len(providers) == 0
	}, waitFor, 20*time.Millisecond, "record outlived its TTL")

	_, err = client.CallService(s.ctx, "home_arm", nil, nil, service.WithTimeout(100*time.Millisecond))
	var timeout *errors.ServiceTimeoutError
	s.Require().True(stderrors.As(err, &timeout), "got %v", err)
	s.Equal("home_arm", timeout.Service)
}

func (s *NodeSuite) TestStopReleasesPendingCalls() {
	server := s.started("server")
	client, err := New("client", s.broker, fastOptions()...)
	s.Require().NoError(err)
	s.Require().NoError(client.Start(s.ctx))

	release := make(chan struct{})
	defer close(release)
	s.Require().NoError(server.CreateService(s.ctx, "slow", func(ctx context.Context, _ service.Request) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := client.CallService(s.ctx, "slow", nil, nil, service.WithTimeout(time.Minute))
		errc <- err
	}()
	s.Eventually(func() bool { return client.client.Pending() == 1 }, waitFor, 10*time.Millisecond)

	s.Require().NoError(client.Stop(s.ctx))
	select {
	case err := <-errc:
		var timeout *errors.ServiceTimeoutError
		s.Require().True(stderrors.As(err, &timeout))
		s.True(stderrors.Is(err, errors.ErrShuttingDown))
	case <-time.After(waitFor):
		s.Fail("pending call not released")
	}
}

func (s *NodeSuite) TestDisconnectFailsPendingCalls() {
	server := s.started("server")
	client := s.started("client")

	release := make(chan struct{})
	defer close(release)
	s.Require().NoError(server.CreateService(s.ctx, "slow", func(ctx context.Context, _ service.Request) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := client.CallService(s.ctx, "slow", nil, nil, service.WithTimeout(time.Minute))
		errc <- err
	}()
	s.Eventually(func() bool { return client.client.Pending() == 1 }, waitFor, 10*time.Millisecond)

	s.broker.Disconnect()
	defer s.broker.Reconnect()

	select {
	case err := <-errc:
		s.True(stderrors.Is(err, errors.ErrTransport))
	case <-time.After(waitFor):
		s.Fail("pending call not failed on disconnect")
	}
	s.False(client.Health().IsHealthy())

	s.broker.Reconnect()
	s.Eventually(func() bool { return client.Health().IsHealthy() }, waitFor, 20*time.Millisecond)
	s.Equal(StateRunning, client.State())
}

func (s *NodeSuite) TestBrokerClosedStopsNode() {
	n, err := New("orphan", s.broker, fastOptions()...)
	s.Require().NoError(err)
	s.Require().NoError(n.Start(s.ctx))

	s.Require().NoError(s.broker.Close(s.ctx))

	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	err = n.Spin(ctx)
	s.Require().Error(err)
	s.True(stderrors.Is(err, errors.ErrReconnectExhausted))
	s.True(errors.IsFatal(err))
	s.Equal(StateFailed, n.State())
	s.True(n.Health().IsUnhealthy())
}

func (s *NodeSuite) TestTerminateNode() {
	target := s.started("target")
	admin := s.started("admin")

	s.Require().NoError(admin.TerminateNode(s.ctx, "target", "maintenance"))

	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	s.Require().NoError(target.Spin(ctx))
	s.Equal(StateStopped, target.State())
	s.Equal(StateRunning, admin.State(), "only the named node stops")

	s.Eventually(func() bool {
		exists, err := admin.NodeExists(s.ctx, "target")
		return err == nil && !exists
	}, waitFor, 20*time.Millisecond)
}

func (s *NodeSuite) TestTerminateIgnoredWhenDisabled() {
	target := s.started("target", WithoutTerminate())
	admin := s.started("admin")

	s.Require().NoError(admin.TerminateNode(s.ctx, "target", "ignored"))
	time.Sleep(100 * time.Millisecond)
	s.Equal(StateRunning, target.State())
}

func (s *NodeSuite) TestParametersClearedOnStart() {
	first, err := New("arm", s.broker, fastOptions()...)
	s.Require().NoError(err)
	s.Require().NoError(first.Start(s.ctx))
	s.Require().NoError(first.SetParameter(s.ctx, "", "speed", 1.5, "m/s"))

	desc, err := first.ParameterDescription(s.ctx, "", "speed")
	s.Require().NoError(err)
	s.Equal("m/s", desc)
	s.Require().NoError(first.Stop(s.ctx))

	second := s.started("arm")
	_, err = second.GetParameter(s.ctx, "", "speed")
	s.True(stderrors.Is(err, errors.ErrParameterNotFound))

	v, err := second.GetParameterOr(s.ctx, "", "speed", 0.5)
	s.Require().NoError(err)
	s.Equal(0.5, v)
}

func (s *NodeSuite) TestParametersKept() {
	first, err := New("arm", s.broker, fastOptions()...)
	s.Require().NoError(err)
	s.Require().NoError(first.Start(s.ctx))
	s.Require().NoError(first.SetParameter(s.ctx, "", "speed", 1.5))
	s.Require().NoError(first.Stop(s.ctx))

	second := s.started("arm", WithKeepParameters())
	v, err := second.GetParameter(s.ctx, "", "speed")
	s.Require().NoError(err)
	s.Equal(1.5, v)
}

func (s *NodeSuite) TestParametersAcrossNodes() {
	arm := s.started("arm")
	planner := s.started("planner")

	s.Require().NoError(planner.SetParameterTree(s.ctx, map[string]any{
		"goal": map[string]any{"x": 1, "y": 2},
	}))
	goal, err := arm.GetParameter(s.ctx, "planner", "goal")
	s.Require().NoError(err)
	s.Equal(map[string]any{"x": int64(1), "y": int64(2)}, goal)

	all, err := arm.GetParameters(s.ctx, "planner", "goal.*")
	s.Require().NoError(err)
	s.Len(all, 2)

	s.Require().NoError(arm.DeleteParameter(s.ctx, "planner", "goal.x"))
	s.Require().NoError(arm.DeleteParameters(s.ctx, "planner"))
	_, err = planner.GetParameter(s.ctx, "", "goal")
	s.True(stderrors.Is(err, errors.ErrParameterNotFound))
}

func (s *NodeSuite) TestSetParametersFromFile() {
	n := s.started("loader")

	file := filepath.Join(s.T().TempDir(), "params.yaml")
	s.Require().NoError(os.WriteFile(file, []byte(`
loader:
  rate: 10
camera:
  exposure: 0.25
  frame: base_link
`), 0o600))

	s.Require().NoError(n.SetParametersFromFile(s.ctx, file))

	rate, err := n.GetParameter(s.ctx, "", "rate")
	s.Require().NoError(err)
	s.Equal(int64(10), rate)

	camera, err := n.GetParameter(s.ctx, "camera", "")
	s.Require().Error(err, "empty path is rejected")
	s.Nil(camera)

	exposure, err := n.GetParameter(s.ctx, "camera", "exposure")
	s.Require().NoError(err)
	s.Equal(0.25, exposure)

	s.Error(n.SetParametersFromFile(s.ctx, filepath.Join(s.T().TempDir(), "missing.yaml")))
}

func (s *NodeSuite) TestSkipRegistration() {
	hidden := s.started("hidden", WithSkipRegistration())
	observer := s.started("observer")

	exists, err := observer.NodeExists(s.ctx, "hidden")
	s.Require().NoError(err)
	s.False(exists)

	got := make(chan struct{}, 1)
	_, err = hidden.Subscribe(s.ctx, "chatter", func(context.Context, topic.Message) error {
		got <- struct{}{}
		return nil
	})
	s.Require().NoError(err)

	has, err := observer.HasSubscribers(s.ctx, "chatter")
	s.Require().NoError(err)
	s.False(has, "unregistered nodes leave no discovery keys")

	s.Require().NoError(observer.Publish(s.ctx, "chatter", true))
	select {
	case <-got:
	case <-time.After(waitFor):
		s.Fail("message not delivered")
	}
}

func (s *NodeSuite) TestHealth() {
	n, err := New("inspector", s.broker, fastOptions()...)
	s.Require().NoError(err)
	s.True(n.Health().IsUnhealthy())

	s.Require().NoError(n.Start(s.ctx))
	s.T().Cleanup(func() { _ = n.Stop(context.Background()) })

	status := n.Health()
	s.True(status.IsHealthy(), status.Message)
	s.Equal("inspector", status.Component)
	s.NotEmpty(status.SubStatuses)
}

func (s *NodeSuite) TestStateMetrics() {
	reg := metric.NewMetricsRegistry()
	n := s.started("measured", WithMetrics(reg))
	gauge := reg.CoreMetrics().NodeState.WithLabelValues("measured")
	s.Equal(float64(StateRunning), testutil.ToFloat64(gauge))

	s.Require().NoError(n.Stop(s.ctx))
	s.Equal(float64(StateStopped), testutil.ToFloat64(gauge))
}

func (s *NodeSuite) TestConcurrentStop() {
	n, err := New("racy", s.broker, fastOptions()...)
	s.Require().NoError(err)
	s.Require().NoError(n.Start(s.ctx))

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Stop(context.Background()); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Zero(failed.Load())
	s.Equal(StateStopped, n.State())
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateFailed:   "failed",
		State(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
