package buffer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/metric"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err, "Failed to create buffer")
	defer buf.Close()

	if buf.Capacity() != 3 || !buf.IsEmpty() || buf.IsFull() {
		t.Fatalf("unexpected initial state: size=%d capacity=%d", buf.Size(), buf.Capacity())
	}

	for _, v := range []string{"first", "second", "third"} {
		if err := buf.Write(v); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}
	if !buf.IsFull() {
		t.Error("Expected buffer to be full")
	}

	value, ok := buf.Peek()
	if !ok || value != "first" {
		t.Errorf("Expected peek to return 'first', got %q (ok=%v)", value, ok)
	}
	if buf.Size() != 3 {
		t.Error("Peek should not change size")
	}

	value, ok = buf.Read()
	if !ok || value != "first" {
		t.Errorf("Expected read to return 'first', got %q (ok=%v)", value, ok)
	}

	batch := buf.ReadBatch(5)
	assert.Equal(t, []string{"second", "third"}, batch)
	assert.Equal(t, 0, buf.Size())
}

func TestCircularBufferOverflowPolicies(t *testing.T) {
	testCases := []struct {
		name     string
		policy   OverflowPolicy
		expected []int
		dropped  []int
	}{
		{
			name:     "DropOldest",
			policy:   DropOldest,
			expected: []int{3, 4, 5},
			dropped:  []int{1, 2},
		},
		{
			name:     "DropNewest",
			policy:   DropNewest,
			expected: []int{1, 2, 3},
			dropped:  []int{4, 5},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				mu      sync.Mutex
				dropped []int
			)
			buf, err := NewCircularBuffer[int](3,
				WithOverflowPolicy[int](tc.policy),
				WithDropCallback(func(item int) {
					mu.Lock()
					dropped = append(dropped, item)
					mu.Unlock()
				}),
			)
			require.NoError(t, err)
			defer buf.Close()

			for i := 1; i <= 5; i++ {
				require.NoError(t, buf.Write(i))
			}

			assert.Equal(t, tc.expected, buf.ReadBatch(10))
			mu.Lock()
			assert.Equal(t, tc.dropped, dropped)
			mu.Unlock()

			stats := buf.Stats()
			assert.Equal(t, int64(2), stats.Drops())
			assert.Equal(t, int64(2), stats.Overflows())
			assert.InDelta(t, 0.4, stats.DropRate(), 0.0001)
		})
	}
}

func TestCircularBufferWithStatistics(t *testing.T) {
	buf, err := NewCircularBuffer[int](5)
	require.NoError(t, err)
	defer buf.Close()

	stats := buf.Stats()
	require.NotNil(t, stats)

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3)
	buf.Read()

	summary := stats.Summary()
	assert.Equal(t, int64(3), summary.Writes)
	assert.Equal(t, int64(1), summary.Reads)
	assert.Equal(t, int64(2), summary.CurrentSize)
	assert.Equal(t, int64(3), summary.MaxSize)
	assert.Zero(t, summary.DropRate)
}

func TestCircularBufferReady(t *testing.T) {
	buf, err := NewCircularBuffer[[]byte](4)
	require.NoError(t, err)

	select {
	case <-buf.Ready():
		t.Fatal("Ready should not fire before a write")
	default:
	}

	_ = buf.Write([]byte("a"))
	_ = buf.Write([]byte("b"))

	// Many writes coalesce into one notification
	select {
	case <-buf.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready did not fire after write")
	}
	select {
	case <-buf.Ready():
		t.Fatal("expected a single pending notification")
	default:
	}
	assert.Len(t, buf.ReadBatch(10), 2)

	require.NoError(t, buf.Close())
	_, open := <-buf.Ready()
	assert.False(t, open, "Ready should be closed after Close")
}

func TestCircularBufferConsumerLoop(t *testing.T) {
	buf, err := NewCircularBuffer[int](1000)
	require.NoError(t, err)

	const total = 500
	received := make(chan int, total)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for range buf.Ready() {
			for {
				v, ok := buf.Read()
				if !ok {
					break
				}
				received <- v
			}
		}
		// Drain what is left after close
		for _, v := range buf.ReadBatch(total) {
			received <- v
		}
	}()

	for i := 0; i < total; i++ {
		require.NoError(t, buf.Write(i))
	}
	require.NoError(t, buf.Close())
	<-done
	close(received)

	next := 0
	for v := range received {
		if v != next {
			t.Fatalf("out of order delivery: got %d want %d", v, next)
		}
		next++
	}
	assert.Equal(t, total, next)
}

func TestCircularBufferThreadSafety(t *testing.T) {
	buf, err := NewCircularBuffer[int](1000)
	require.NoError(t, err)
	defer buf.Close()

	var wg sync.WaitGroup
	numWorkers := 10
	itemsPerWorker := 100

	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < itemsPerWorker; i++ {
				_ = buf.Write(worker*itemsPerWorker + i)
			}
		}(w)
	}

	var (
		readMutex sync.Mutex
		readCount int
	)
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < itemsPerWorker; i++ {
				if _, ok := buf.Read(); ok {
					readMutex.Lock()
					readCount++
					readMutex.Unlock()
				}
			}
		}()
	}

	wg.Wait()

	if readCount+buf.Size() != numWorkers*itemsPerWorker {
		t.Errorf("Data integrity issue: written=%d, read=%d, remaining=%d",
			numWorkers*itemsPerWorker, readCount, buf.Size())
	}
}

func TestCircularBufferClear(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer[string](5, WithDropCallback(func(item string) {
		dropped = append(dropped, item)
	}))
	require.NoError(t, err)
	defer buf.Close()

	_ = buf.Write("a")
	_ = buf.Write("b")
	_ = buf.Write("c")

	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []string{"a", "b", "c"}, dropped)

	// Buffer is usable after Clear
	_ = buf.Write("d")
	v, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, "d", v)
}

func TestCircularBufferEdgeCases(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	defer buf.Close()

	if buf.Capacity() != 1 {
		t.Errorf("Expected minimum capacity 1, got %d", buf.Capacity())
	}

	_ = buf.Write(1)
	_ = buf.Write(2)
	value, ok := buf.Read()
	if !ok || value != 2 {
		t.Errorf("Expected to read 2, got %d (ok=%v)", value, ok)
	}

	if _, ok := buf.Read(); ok {
		t.Error("Reading from empty buffer should return false")
	}
	if _, ok := buf.Peek(); ok {
		t.Error("Peeking empty buffer should return false")
	}
	if batch := buf.ReadBatch(5); len(batch) != 0 {
		t.Errorf("ReadBatch on empty buffer should return empty slice, got %v", batch)
	}
	if batch := buf.ReadBatch(0); batch != nil {
		t.Errorf("ReadBatch(0) should return nil, got %v", batch)
	}
}

func TestErrorFrameworkIntegration(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	_ = buf.Write(1)
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close(), "Close should be idempotent")

	err = buf.Write(2)
	require.Error(t, err)

	var classifiedErr *cerrors.ClassifiedError
	if !errors.As(err, &classifiedErr) {
		t.Fatal("Expected error to be classified")
	}
	assert.Equal(t, cerrors.ErrorInvalid, classifiedErr.Class)
	assert.Equal(t, "Buffer", classifiedErr.Component)
	assert.Equal(t, "Write", classifiedErr.Operation)
	assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)

	// Items queued before Close stay readable
	v, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCircularBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	buf, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "listener.chatter.1"))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3)

	m := buf.(*circularBuffer[int]).metrics
	require.NotNil(t, m)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.utilization))

	// Same owner is rejected while the first buffer is open
	_, err = NewCircularBuffer[int](2, WithMetrics[int](registry, "listener.chatter.1"))
	assert.Error(t, err)

	// Close releases the owner's metrics
	require.NoError(t, buf.Close())
	again, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "listener.chatter.1"))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(9).String())
}

func BenchmarkBufferWrite(b *testing.B) {
	buf, _ := NewCircularBuffer[[]byte](256)
	defer buf.Close()
	payload := []byte(`{"data":"hello"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(payload)
	}
}

func BenchmarkBufferWriteRead(b *testing.B) {
	buf, _ := NewCircularBuffer[int](256)
	defer buf.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(i)
		buf.Read()
	}
}
