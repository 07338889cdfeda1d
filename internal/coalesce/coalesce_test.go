package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCoalescer[T any](fetch FetchFunc[T], enabled bool) (*Coalescer[T], *fakeClock) {
	c := New(fetch, Options{Enabled: enabled, Retention: time.Hour, FlightTimeout: 5 * time.Second})
	clock := &fakeClock{now: time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

func TestGet_ConcurrentCallersShareOneFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c, _ := newTestCoalescer(func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		<-release
		return "value-for-" + key, nil
	}, true)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "https://example.com/p", FreshList)
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "value-for-https://example.com/p", r)
	}
	st := c.Stats()
	assert.Equal(t, int64(callers), st.Hits+st.Misses+st.Shared)
	assert.Equal(t, 1, st.CachedKeys)
	assert.Equal(t, 0, st.InFlight)
}

func TestGet_FreshnessWindows(t *testing.T) {
	var calls atomic.Int32
	c, clock := newTestCoalescer(func(ctx context.Context, key string) (int32, error) {
		return calls.Add(1), nil
	}, true)
	ctx := context.Background()

	v, err := c.Get(ctx, "k", FreshList)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	clock.Advance(4 * time.Minute)
	v, _ = c.Get(ctx, "k", FreshList)
	assert.Equal(t, int32(1), v, "within the list window")

	clock.Advance(2 * time.Minute)
	v, _ = c.Get(ctx, "k", FreshDetail)
	assert.Equal(t, int32(1), v, "six minutes old is still fresh for detail")

	v, _ = c.Get(ctx, "k", FreshList)
	assert.Equal(t, int32(2), v, "six minutes old is stale for list")
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	errBoom := errors.New("boom")
	c, _ := newTestCoalescer(func(ctx context.Context, key string) (int, error) {
		if calls.Add(1) == 1 {
			return 0, errBoom
		}
		return 42, nil
	}, true)

	_, err := c.Get(context.Background(), "k", FreshList)
	assert.ErrorIs(t, err, errBoom)

	v, err := c.Get(context.Background(), "k", FreshList)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())
}

// gatedFetch blocks its first call until release closes and records the
// highest number of fetches seen running at once.
type gatedFetch struct {
	calls, active, peak atomic.Int32
	started             chan struct{}
	release             chan struct{}
}

func newGatedFetch() *gatedFetch {
	return &gatedFetch{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedFetch) fetch(ctx context.Context, key string) (int32, error) {
	n := g.calls.Add(1)
	cur := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if cur <= p || g.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	g.started <- struct{}{}
	if n == 1 {
		<-g.release
	}
	return n, nil
}

func TestClear_DuringFlight(t *testing.T) {
	g := newGatedFetch()
	c, _ := newTestCoalescer(g.fetch, true)
	ctx := context.Background()

	first := make(chan int32, 1)
	go func() {
		v, _ := c.Get(ctx, "k", FreshList)
		first <- v
	}()
	<-g.started

	c.Clear("k")

	const late = 3
	after := make(chan int32, late)
	for range late {
		go func() {
			v, err := c.Get(ctx, "k", FreshList)
			assert.NoError(t, err)
			after <- v
		}()
	}

	select {
	case <-after:
		t.Fatal("caller after the clear did not wait for the running flight")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, int32(1), g.calls.Load(), "no second fetch while the first runs")

	close(g.release)
	assert.Equal(t, int32(1), <-first, "the original flight still answers its own waiter")
	for range late {
		assert.Equal(t, int32(2), <-after, "callers after the clear share one fresh flight")
	}

	v, _ := c.Get(ctx, "k", FreshList)
	assert.Equal(t, int32(2), v, "the pre-clear flight did not overwrite the cache")
	assert.Equal(t, int32(2), g.calls.Load())
	assert.Equal(t, int32(1), g.peak.Load(), "fetches for one key never overlap")
	assert.Equal(t, 0, c.Stats().InFlight)
}

func TestClear_WaitingCallerHonoursContext(t *testing.T) {
	g := newGatedFetch()
	c, _ := newTestCoalescer(g.fetch, true)
	defer close(g.release)

	go func() { _, _ = c.Get(context.Background(), "k", FreshList) }()
	<-g.started
	c.Clear("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "k", FreshList)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestClearAll(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoalescer(func(ctx context.Context, key string) (int32, error) {
		return calls.Add(1), nil
	}, true)
	ctx := context.Background()

	_, _ = c.Get(ctx, "a", FreshList)
	_, _ = c.Get(ctx, "b", FreshList)
	assert.Equal(t, 2, c.Stats().CachedKeys)

	c.ClearAll()
	assert.Equal(t, 0, c.Stats().CachedKeys)

	_, _ = c.Get(ctx, "a", FreshList)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClearAll_DuringFlight(t *testing.T) {
	g := newGatedFetch()
	c, _ := newTestCoalescer(g.fetch, true)
	ctx := context.Background()

	first := make(chan int32, 1)
	go func() {
		v, _ := c.Get(ctx, "k", FreshList)
		first <- v
	}()
	<-g.started

	c.ClearAll()
	second := make(chan int32, 1)
	go func() {
		v, _ := c.Get(ctx, "k", FreshList)
		second <- v
	}()

	time.Sleep(20 * time.Millisecond)
	close(g.release)
	assert.Equal(t, int32(1), <-first)
	assert.Equal(t, int32(2), <-second)
	assert.Equal(t, int32(1), g.peak.Load())
}

func TestGet_CallerCancellationDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetchErr := make(chan error, 1)
	c, _ := newTestCoalescer(func(ctx context.Context, key string) (string, error) {
		close(started)
		<-release
		fetchErr <- ctx.Err()
		return "ok", nil
	}, true)

	cancelled, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(cancelled, "k", FreshList)
		errA <- err
	}()
	<-started

	resB := make(chan string, 1)
	go func() {
		v, err := c.Get(context.Background(), "k", FreshList)
		assert.NoError(t, err)
		resB <- v
	}()

	cancel()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	assert.Equal(t, "ok", <-resB)
	assert.NoError(t, <-fetchErr, "the flight context is detached from the cancelled caller")
}

func TestGet_FlightTimeout(t *testing.T) {
	c := New(func(ctx context.Context, key string) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, Options{Enabled: true, FlightTimeout: 20 * time.Millisecond})

	_, err := c.Get(context.Background(), "k", FreshList)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisabledCacheStillCoalesces(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoalescer(func(ctx context.Context, key string) (int32, error) {
		return calls.Add(1), nil
	}, false)

	_, _ = c.Get(context.Background(), "k", FreshList)
	_, _ = c.Get(context.Background(), "k", FreshList)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, c.Stats().Enabled)
	assert.Equal(t, 0, c.Stats().CachedKeys)
}

func TestGet_ZeroWindowBypassesCache(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoalescer(func(ctx context.Context, key string) (int32, error) {
		return calls.Add(1), nil
	}, true)

	_, _ = c.Get(context.Background(), "k", FreshList)
	v, _ := c.Get(context.Background(), "k", 0)
	assert.Equal(t, int32(2), v)
}
