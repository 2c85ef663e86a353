package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxPerWindow int, win, ttl time.Duration) *Limiter {
	return New(Config{
		MaxRequestsPerWindow: maxPerWindow,
		Window:               win,
		DefaultTTL:           ttl,
		MaxCacheEntries:      10,
		SweepInterval:        time.Hour, // Sweeps triggered manually in tests
	})
}

func TestCacheHitInvokesThunkOnce(t *testing.T) {
	l := newTestLimiter(10, time.Minute, time.Minute)
	defer l.Stop()

	var calls int32
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "issue-42", nil
	}
	params := map[string]any{"id": "42"}

	for i := 0; i < 2; i++ {
		result, err := l.Execute(context.Background(), "getIssue", params, fn)
		require.NoError(t, err)
		assert.Equal(t, "issue-42", result)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	l := newTestLimiter(10, time.Minute, 20*time.Millisecond)
	defer l.Stop()

	var calls int32
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	}
	params := map[string]any{"id": "1"}

	_, err := l.Execute(context.Background(), "getIssue", params, fn)
	require.NoError(t, err)
	_, err = l.Execute(context.Background(), "getIssue", params, fn)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	time.Sleep(30 * time.Millisecond)

	_, err = l.Execute(context.Background(), "getIssue", params, fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheKeyIgnoresParamOrder(t *testing.T) {
	a := cacheKey("op", map[string]any{"x": 1, "y": "two"})
	b := cacheKey("op", map[string]any{"y": "two", "x": 1})
	assert.Equal(t, a, b)

	c := cacheKey("op", map[string]any{"x": 2, "y": "two"})
	assert.NotEqual(t, a, c)
}

func TestErrorsAreNotCached(t *testing.T) {
	l := newTestLimiter(10, time.Minute, time.Minute)
	defer l.Stop()

	var calls int32
	boom := errors.New("upstream down")
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}
	params := map[string]any{"id": "9"}

	_, err := l.Execute(context.Background(), "getIssue", params, fn)
	assert.ErrorIs(t, err, boom)
	_, err = l.Execute(context.Background(), "getIssue", params, fn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRateLimitBlocksUntilWindowReset(t *testing.T) {
	l := newTestLimiter(2, 80*time.Millisecond, time.Minute)
	defer l.Stop()

	fn := func(context.Context) (any, error) { return "ok", nil }

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := l.Execute(context.Background(), "addComment", nil, fn, WithoutCache())
		require.NoError(t, err)
	}
	// Budget exhausted: the third call must block until the window resets.
	_, err := l.Execute(context.Background(), "addComment", nil, fn, WithoutCache())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRateLimitWaitRespectsContext(t *testing.T) {
	l := newTestLimiter(1, time.Minute, time.Minute)
	defer l.Stop()

	fn := func(context.Context) (any, error) { return "ok", nil }
	_, err := l.Execute(context.Background(), "addComment", nil, fn, WithoutCache())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Execute(ctx, "addComment", nil, fn, WithoutCache())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimitIsPerOperation(t *testing.T) {
	l := newTestLimiter(1, time.Minute, time.Minute)
	defer l.Stop()

	fn := func(context.Context) (any, error) { return "ok", nil }
	_, err := l.Execute(context.Background(), "opA", nil, fn, WithoutCache())
	require.NoError(t, err)

	// A different operation has its own window and does not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := l.Execute(context.Background(), "opB", nil, fn, WithoutCache())
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("opB blocked on opA's window")
	}
}

func TestCacheEvictsOldestWhenOverBound(t *testing.T) {
	l := New(Config{
		MaxRequestsPerWindow: 100,
		Window:               time.Minute,
		DefaultTTL:           time.Minute,
		MaxCacheEntries:      3,
		SweepInterval:        time.Hour,
	})
	defer l.Stop()

	fn := func(context.Context) (any, error) { return "v", nil }
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_, err := l.Execute(context.Background(), "getIssue", map[string]any{"id": id}, fn)
		require.NoError(t, err)
		time.Sleep(time.Millisecond) // Distinct cachedAt timestamps
	}

	stats := l.GetStats()
	assert.LessOrEqual(t, stats.CacheEntries, 3)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	l := newTestLimiter(2, 10*time.Millisecond, 10*time.Millisecond)
	defer l.Stop()

	fn := func(context.Context) (any, error) { return "v", nil }
	_, err := l.Execute(context.Background(), "getIssue", map[string]any{"id": "1"}, fn)
	require.NoError(t, err)
	require.Positive(t, l.GetStats().Operations)

	time.Sleep(20 * time.Millisecond)
	l.sweep()

	stats := l.GetStats()
	assert.Zero(t, stats.Operations)
	assert.Zero(t, stats.CacheEntries)
}

func TestThrottleHookFires(t *testing.T) {
	l := newTestLimiter(1, 40*time.Millisecond, time.Minute)
	defer l.Stop()

	var throttled int32
	l.SetThrottleHook(func(string, time.Duration) { atomic.AddInt32(&throttled, 1) })

	fn := func(context.Context) (any, error) { return "ok", nil }
	_, err := l.Execute(context.Background(), "op", nil, fn, WithoutCache())
	require.NoError(t, err)
	_, err = l.Execute(context.Background(), "op", nil, fn, WithoutCache())
	require.NoError(t, err)

	assert.Positive(t, atomic.LoadInt32(&throttled))
}

func TestInvalidateOperation(t *testing.T) {
	l := newTestLimiter(10, time.Minute, time.Minute)
	defer l.Stop()

	var calls int32
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}
	params := map[string]any{"id": "7"}

	_, err := l.Execute(context.Background(), "listComments", params, fn)
	require.NoError(t, err)
	l.InvalidateOperation("listComments")
	_, err = l.Execute(context.Background(), "listComments", params, fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
