package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nvbus/errors"
)

func newTestCache(t *testing.T, ttl, interval time.Duration, opts ...Option[string]) Cache[string] {
	t.Helper()
	c, err := NewTTL[string](context.Background(), ttl, interval, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTTL_BasicOperations(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)

	_, ok := c.Get("talker")
	assert.False(t, ok)

	created, err := c.Set("talker", "v1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("talker", "v2")
	require.NoError(t, err)
	assert.False(t, created, "overwrite should not report creation")

	v, ok := c.Get("talker")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.Size())

	deleted, err := c.Delete("talker")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("talker")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 0, c.Size())
}

func TestTTL_EmptyKey(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)

	_, err := c.Set("", "v")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = c.Delete("")
	assert.True(t, errors.IsInvalid(err))
}

func TestTTL_Expiry(t *testing.T) {
	c := newTestCache(t, 50*time.Millisecond, time.Hour)

	_, _ = c.Set("a", "1")
	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, c.Keys(), "expired keys are hidden before the sweep")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size(), "Get removes the expired entry")
	assert.Equal(t, int64(1), c.Stats().Evictions())

	created, err := c.Set("a", "2")
	require.NoError(t, err)
	assert.True(t, created, "rewriting an expired key creates it again")
}

func TestTTL_Touch(t *testing.T) {
	c := newTestCache(t, 100*time.Millisecond, time.Hour)

	_, _ = c.Set("a", "1")
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, c.Touch("a"), "touch %d", i)
	}

	v, ok := c.Get("a")
	assert.True(t, ok, "touched entry outlives its original deadline")
	assert.Equal(t, "1", v)

	assert.False(t, c.Touch("missing"))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.Touch("a"), "expired entry cannot be revived")
}

func TestTTL_ZeroTTLNeverExpires(t *testing.T) {
	c := newTestCache(t, 0, 0)

	_, _ = c.Set("a", "1")
	time.Sleep(20 * time.Millisecond)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.True(t, c.Touch("a"))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close(), "close is idempotent")
}

func TestTTL_BackgroundCleanup(t *testing.T) {
	var evicted atomic.Int32
	c := newTestCache(t, 30*time.Millisecond, 10*time.Millisecond,
		WithEvictionCallback[string](func(string, string) { evicted.Add(1) }))

	for i := 0; i < 5; i++ {
		_, _ = c.Set(fmt.Sprintf("k%d", i), "v")
	}

	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), evicted.Load())
	assert.Equal(t, int64(5), c.Stats().Evictions())
}

func TestTTL_ContextCancelStopsSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewTTL[string](ctx, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)

	cancel()
	assert.NoError(t, c.Close())
}

func TestTTL_EvictCallbackOnDeleteAndClear(t *testing.T) {
	var mu sync.Mutex
	var removed []string
	c := newTestCache(t, time.Minute, time.Minute,
		WithEvictionCallback[string](func(key, _ string) {
			mu.Lock()
			removed = append(removed, key)
			mu.Unlock()
		}))

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	_, _ = c.Set("c", "3")
	_, _ = c.Delete("a")
	require.NoError(t, c.Clear())

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(removed)
	assert.Equal(t, []string{"a", "b", "c"}, removed)
	assert.Equal(t, 0, c.Size())
}

func TestTTL_Keys(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)

	_, _ = c.Set("node/talker", "1")
	_, _ = c.Set("node/listener", "2")

	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"node/listener", "node/talker"}, keys)
}

func TestTTL_Statistics(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	c.Get("a")
	c.Get("a")
	c.Get("z")
	_, _ = c.Delete("b")

	s := c.Stats().Summary()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(2), s.Sets)
	assert.Equal(t, int64(1), s.Deletes)
	assert.Equal(t, int64(1), s.CurrentSize)
	assert.Equal(t, int64(2), s.MaxSize)
	assert.InDelta(t, 2.0/3.0, s.HitRatio, 0.001)
}

func TestTTL_Concurrency(t *testing.T) {
	c := newTestCache(t, 10*time.Second, 100*time.Millisecond)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key%d-%d", id, j)
				value := fmt.Sprintf("value%d-%d", id, j)
				_, _ = c.Set(key, value)
				if got, ok := c.Get(key); ok && got != value {
					t.Errorf("expected %s, got %s", value, got)
				}
				c.Touch(key)
				if j%10 == 0 {
					_, _ = c.Delete(key)
				}
				_ = c.Keys()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 900, c.Size())
}

func BenchmarkTTL_SetGet(b *testing.B) {
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("k%d", i%1024)
		_, _ = c.Set(key, i)
		c.Get(key)
	}
}
