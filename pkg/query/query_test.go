package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(clk *clock) *Cache {
	return New(Options{
		StaleTime:    time.Minute,
		CacheTime:    10 * time.Minute,
		RetryAfter:   30 * time.Second,
		FetchTimeout: time.Second,
		Now:          clk.Now,
	})
}

func TestKey(t *testing.T) {
	k := Key{"artifacts", "terra"}
	assert.Equal(t, `["artifacts","terra"]`, k.String())
	assert.Equal(t, "artifacts", k.Resource())
	assert.True(t, k.HasPrefix(Key{"artifacts"}))
	assert.False(t, k.HasPrefix(Key{"composes"}))
	assert.False(t, Key{"artifacts"}.HasPrefix(k))
	assert.NotEqual(t, Key{"a,b"}.String(), Key{"a", "b"}.String())
	assert.Equal(t, "", Key{}.Resource())
}

func TestFetchSuccessIsCached(t *testing.T) {
	c := newTestCache(newClock())
	var calls atomic.Int32
	fn := func(context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"neko.rpm"}, nil
	}

	res := Fetch(context.Background(), c, Key{"artifacts", "p"}, fn)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"neko.rpm"}, res.Data)
	assert.False(t, res.Stale)

	res = Fetch(context.Background(), c, Key{"artifacts", "p"}, fn)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchCoalescesConcurrentCallers(t *testing.T) {
	c := newTestCache(newClock())
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const callers = 8
	results := make(chan Result[int], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- Fetch(context.Background(), c, Key{"artifacts", "p"}, fn)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 42, res.Data)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchKeysAreIsolated(t *testing.T) {
	c := newTestCache(newClock())
	fn := func(id string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) { return "artifacts of " + id, nil }
	}

	p := Fetch(context.Background(), c, Key{"artifacts", "P"}, fn("P"))
	q := Fetch(context.Background(), c, Key{"artifacts", "Q"}, fn("Q"))
	assert.Equal(t, "artifacts of P", p.Data)
	assert.Equal(t, "artifacts of Q", q.Data)

	c.Invalidate(Key{"artifacts", "P"})
	assert.Equal(t, "artifacts of Q", Peek[string](c, Key{"artifacts", "Q"}).Data)
	assert.Equal(t, 2, c.Len())
}

func TestFetchStaleServesOldValueWhileRefreshing(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	var version atomic.Int32
	version.Store(1)
	fn := func(context.Context) (int32, error) { return version.Load(), nil }
	key := Key{"artifacts", "p"}

	require.Equal(t, int32(1), Fetch(context.Background(), c, key, fn).Data)

	version.Store(2)
	clk.Advance(2 * time.Minute)

	res := Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int32(1), res.Data)
	assert.True(t, res.Stale)

	require.Eventually(t, func() bool {
		return Peek[int32](c, key).Data == 2
	}, time.Second, time.Millisecond)
}

func TestFetchErrorIsCachedUntilRetry(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	boom := errors.New("upstream unavailable")
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}
	key := Key{"artifacts", "p"}

	res := Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, boom)

	res = Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusError, res.Status)
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(time.Minute)
	res = Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "ok", res.Data)
}

func TestInvalidateRetriesFailedEntryImmediately(t *testing.T) {
	c := newTestCache(newClock())
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}
	key := Key{"artifacts", "p"}

	require.Equal(t, StatusError, Fetch(context.Background(), c, key, fn).Status)
	c.Invalidate(key)
	assert.Equal(t, StatusLoading, Peek[string](c, key).Status)

	res := Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateDiscardsInFlightResult(t *testing.T) {
	c := newTestCache(newClock())
	key := Key{"artifacts", "p"}
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan Result[string], 1)
	go func() {
		done <- Fetch(context.Background(), c, key, func(context.Context) (string, error) {
			close(started)
			<-release
			return "old", nil
		})
	}()

	<-started
	c.Invalidate(key)
	close(release)
	<-done

	assert.Equal(t, StatusLoading, Peek[string](c, key).Status)

	res := Fetch(context.Background(), c, key, func(context.Context) (string, error) { return "new", nil })
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "new", res.Data)
}

func TestFailedRefreshKeepsLastSuccess(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	key := Key{"artifacts", "p"}
	blip := errors.New("blip")

	var fail atomic.Bool
	fn := func(context.Context) ([]string, error) {
		if fail.Load() {
			return nil, blip
		}
		return []string{"neko.rpm"}, nil
	}

	require.Equal(t, StatusSuccess, Fetch(context.Background(), c, key, fn).Status)

	fail.Store(true)
	c.Invalidate(key)

	res := Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Stale)
	assert.Equal(t, []string{"neko.rpm"}, res.Data)

	require.Eventually(t, func() bool {
		return Peek[[]string](c, key).Status == StatusError
	}, time.Second, time.Millisecond)

	res = Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, blip)
	assert.True(t, res.HasData)
	assert.Equal(t, []string{"neko.rpm"}, res.Data)

	fail.Store(false)
	clk.Advance(time.Minute)
	res = Fetch(context.Background(), c, key, fn)
	require.Equal(t, StatusError, res.Status)
	assert.True(t, res.Stale)
	assert.Equal(t, []string{"neko.rpm"}, res.Data)

	require.Eventually(t, func() bool {
		return Peek[[]string](c, key).Status == StatusSuccess
	}, time.Second, time.Millisecond)
}

func TestInvalidateFailedRefreshServesLastSuccess(t *testing.T) {
	c := newTestCache(newClock())
	key := Key{"artifacts", "p"}

	var fail atomic.Bool
	fn := func(context.Context) (string, error) {
		if fail.Load() {
			return "", errors.New("blip")
		}
		return "neko.rpm", nil
	}
	Fetch(context.Background(), c, key, fn)
	fail.Store(true)
	c.Invalidate(key)
	Fetch(context.Background(), c, key, fn)
	require.Eventually(t, func() bool {
		return Peek[string](c, key).Status == StatusError
	}, time.Second, time.Millisecond)

	c.Invalidate(key)
	res := Peek[string](c, key)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Nil(t, res.Err)
	assert.Equal(t, "neko.rpm", res.Data)
}

func TestCollectedEntryIgnoresEarlierFlight(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	key := Key{"artifacts", "p"}
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Fetch(ctx, c, key, func(context.Context) (string, error) {
		<-release
		return "old", nil
	})
	require.Equal(t, StatusLoading, res.Status)

	c.Invalidate(key)
	clk.Advance(time.Hour)
	require.Equal(t, 1, c.GC())

	res = Fetch(context.Background(), c, key, func(context.Context) (string, error) { return "new", nil })
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "new", res.Data)

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.discarded) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "new", Peek[string](c, key).Data)
}

func TestFetchCancelledCallerSeesLoading(t *testing.T) {
	c := newTestCache(newClock())
	key := Key{"artifacts", "p"}
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Fetch(ctx, c, key, func(fetchCtx context.Context) (string, error) {
		<-release
		if err := fetchCtx.Err(); err != nil {
			return "", err
		}
		return "done", nil
	})
	assert.Equal(t, StatusLoading, res.Status)

	close(release)
	require.Eventually(t, func() bool {
		return Peek[string](c, key).Status == StatusSuccess
	}, time.Second, time.Millisecond)
}

func TestFetchRecoversPanics(t *testing.T) {
	c := newTestCache(newClock())
	res := Fetch(context.Background(), c, Key{"artifacts", "p"}, func(context.Context) (string, error) {
		panic("bad payload")
	})
	require.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Err.Error(), "bad payload")
}

func TestInvalidatePrefix(t *testing.T) {
	c := newTestCache(newClock())
	ok := func(context.Context) (string, error) { return "x", nil }
	Fetch(context.Background(), c, Key{"artifacts", "a"}, ok)
	Fetch(context.Background(), c, Key{"artifacts", "b"}, ok)
	Fetch(context.Background(), c, Key{"project", "a"}, ok)

	assert.Equal(t, 2, c.InvalidatePrefix(Key{"artifacts"}))

	res := Fetch(context.Background(), c, Key{"project", "a"}, ok)
	assert.False(t, res.Stale)
	res = Fetch(context.Background(), c, Key{"artifacts", "a"}, ok)
	assert.True(t, res.Stale)
}

func TestGCRemovesIdleEntries(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	ok := func(context.Context) (string, error) { return "x", nil }

	Fetch(context.Background(), c, Key{"artifacts", "idle"}, ok)
	clk.Advance(6 * time.Minute)
	Fetch(context.Background(), c, Key{"artifacts", "busy"}, ok)
	clk.Advance(6 * time.Minute)

	assert.Equal(t, 1, c.GC())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, StatusLoading, Peek[string](c, Key{"artifacts", "idle"}).Status)
	assert.Equal(t, StatusSuccess, Peek[string](c, Key{"artifacts", "busy"}).Status)
}

func TestPeekTypeMismatch(t *testing.T) {
	c := newTestCache(newClock())
	Fetch(context.Background(), c, Key{"artifacts", "p"}, func(context.Context) (int, error) { return 1, nil })

	res := Peek[string](c, Key{"artifacts", "p"})
	require.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, ErrTypeMismatch)
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := New(Options{Metrics: metrics})
	ok := func(context.Context) (string, error) { return "x", nil }

	Fetch(context.Background(), c, Key{"artifacts", "p"}, ok)
	Fetch(context.Background(), c, Key{"artifacts", "p"}, ok)
	c.Invalidate(Key{"artifacts", "p"})

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues("artifacts", "miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues("artifacts", "hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.invalidations.WithLabelValues("artifacts")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.entries))

	Fetch(context.Background(), c, Key{"composes"}, ok)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.entries))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "loading", StatusLoading.String())
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "error", StatusError.String())
	text, err := StatusError.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "error", string(text))
}
