package node

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/transport"
)

func runningNode(t *testing.T) *Node {
	t.Helper()
	broker := transport.NewMemory()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	n, err := New("clock", broker, fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func TestTimer_Fires(t *testing.T) {
	n := runningNode(t)

	var ticks atomic.Int32
	timer, err := n.NewTimer(20*time.Millisecond, func(context.Context) { ticks.Add(1) }, false)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, timer.Interval())

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	timer.Stop()
	after := ticks.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after Stop")
	timer.Stop()
}

func TestTimer_Immediate(t *testing.T) {
	n := runningNode(t)

	fired := make(chan struct{}, 1)
	timer, err := n.NewTimer(time.Hour, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, true)
	require.NoError(t, err)
	defer timer.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("immediate timer did not fire")
	}
}

func TestTimer_PanicRecovered(t *testing.T) {
	n := runningNode(t)

	var ticks atomic.Int32
	timer, err := n.NewTimer(10*time.Millisecond, func(context.Context) {
		if ticks.Add(1) == 1 {
			panic("first tick")
		}
	}, false)
	require.NoError(t, err)
	defer timer.Stop()

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestTimer_StoppedWithNode(t *testing.T) {
	n := runningNode(t)

	var ctxDone atomic.Bool
	_, err := n.NewTimer(10*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		ctxDone.Store(true)
	}, true)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Stop(context.Background()))
	assert.True(t, ctxDone.Load(), "node stop cancels the callback context and waits for it")
}

func TestTimer_Invalid(t *testing.T) {
	n := runningNode(t)

	_, err := n.NewTimer(0, func(context.Context) {}, false)
	assert.Error(t, err)
	_, err = n.NewTimer(time.Second, nil, false)
	assert.Error(t, err)

	stopped, err := New("idle", transport.NewMemory())
	require.NoError(t, err)
	_, err = stopped.NewTimer(time.Second, func(context.Context) {}, false)
	assert.Error(t, err)
}

func TestTimer_CreatedDuringStop(t *testing.T) {
	n := runningNode(t)

	var (
		mu     sync.Mutex
		timers []*Timer
		wg     sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				timer, err := n.NewTimer(time.Millisecond, func(context.Context) {}, true)
				if err != nil {
					assert.True(t, stderrors.Is(err, errors.ErrShuttingDown) || stderrors.Is(err, errors.ErrNotStarted), err.Error())
					return
				}
				mu.Lock()
				timers = append(timers, timer)
				mu.Unlock()
			}
		}()
	}

	close(start)
	require.NoError(t, n.Stop(context.Background()))
	wg.Wait()

	for _, timer := range timers {
		select {
		case <-timer.done:
		default:
			t.Fatal("timer goroutine outlived node stop")
		}
	}
	_, err := n.NewTimer(time.Second, func(context.Context) {}, false)
	assert.True(t, stderrors.Is(err, errors.ErrShuttingDown))
}
