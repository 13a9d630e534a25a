//go:build integration

package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nvbus/config"
	"github.com/c360/nvbus/natsclient"
	"github.com/c360/nvbus/service"
	"github.com/c360/nvbus/topic"
)

func TestIntegration_TwoNodesOverNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithFastStartup())
	ctx := context.Background()

	cfg := config.Default().NATS
	cfg.URLs = []string{tc.URL}
	cfg.ConnectAttempts = 2

	talkerConn, err := Connect(ctx, cfg, "talker", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = talkerConn.Close(context.Background()) })

	talker, err := New("talker", talkerConn, fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, talker.Start(ctx))
	t.Cleanup(func() { _ = talker.Stop(context.Background()) })

	listener, err := New("listener", tc.NewClient(t), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { _ = listener.Stop(context.Background()) })

	got := make(chan topic.Message, 1)
	_, err = listener.Subscribe(ctx, "chatter", func(_ context.Context, msg topic.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, listener.CreateService(ctx, "echo", func(_ context.Context, req service.Request) (any, error) {
		return req.Arg(0), nil
	}))

	require.NoError(t, talker.Publish(ctx, "chatter", []byte{0, 1, 2}))
	select {
	case msg := <-got:
		assert.Equal(t, []byte{0, 1, 2}, msg.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered over NATS")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, talker.WaitForService(waitCtx, "echo"))
	result, err := talker.CallService(ctx, "echo", []any{"ping"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ping", result)

	require.NoError(t, talker.SetParameter(ctx, "", "rate", 10))
	rate, err := listener.GetParameter(ctx, "talker", "rate")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rate)

	nodes, err := talker.Nodes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"talker", "listener"}, nodes)

	require.NoError(t, talker.TerminateNode(ctx, "listener", "test over"))
	spinCtx, spinCancel := context.WithTimeout(ctx, 5*time.Second)
	defer spinCancel()
	require.NoError(t, listener.Spin(spinCtx))

	assert.Eventually(t, func() bool {
		exists, err := talker.NodeExists(ctx, "listener")
		return err == nil && !exists
	}, 5*time.Second, 50*time.Millisecond)
}

func TestIntegration_ConnectUnreachable(t *testing.T) {
	cfg := config.Default().NATS
	cfg.URLs = []string{"nats://127.0.0.1:1"}
	cfg.ConnectAttempts = 2
	cfg.ConnectTimeout = 200 * time.Millisecond

	_, err := Connect(context.Background(), cfg, "lonely", nil, nil)
	require.Error(t, err)
}
