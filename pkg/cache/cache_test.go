package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/chirp/pkg/ups"
)

func newTestCache(t *testing.T, bus ups.PubSub) *Cache {
	t.Helper()
	c := New(NewMemory(), bus, Config{
		TTL:    time.Minute,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func staticResolver(calls *atomic.Int64, resolved *[][]string, mu *sync.Mutex) Resolver {
	return func(ctx context.Context, h *Handle, missing []string) error {
		calls.Add(1)
		if mu != nil {
			mu.Lock()
			*resolved = append(*resolved, missing)
			mu.Unlock()
		}
		for _, key := range missing {
			h.Resolve(key, json.RawMessage(`"v:`+key+`"`))
		}
		return nil
	}
}

func TestFetchAllJSONCachesResolvedValues(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	var calls atomic.Int64

	out, err := c.FetchAllJSON(ctx, "users", []string{"a", "b"}, staticResolver(&calls, nil, nil))
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"v:a"`), out["a"])
	require.Equal(t, json.RawMessage(`"v:b"`), out["b"])
	require.Equal(t, int64(1), calls.Load())

	// Second fetch is served from cache; the resolver sees only new keys.
	var resolved [][]string
	var mu sync.Mutex
	out, err = c.FetchAllJSON(ctx, "users", []string{"a", "b", "c"}, staticResolver(&calls, &resolved, &mu))
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, int64(2), calls.Load())
	require.Equal(t, [][]string{{"c"}}, resolved)
}

func TestFetchAllJSONUnresolvedKeysAreAbsent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	out, err := c.FetchAllJSON(ctx, "users", []string{"a", "ghost"},
		func(ctx context.Context, h *Handle, missing []string) error {
			for _, key := range missing {
				if key != "ghost" {
					h.Resolve(key, json.RawMessage(`1`))
				}
			}
			return nil
		})
	require.NoError(t, err)
	require.Contains(t, out, "a")
	require.NotContains(t, out, "ghost")
}

func TestFetchAllJSONCoalescesConcurrentFetches(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	var calls atomic.Int64
	release := make(chan struct{})
	resolver := func(ctx context.Context, h *Handle, missing []string) error {
		calls.Add(1)
		<-release
		for _, key := range missing {
			h.Resolve(key, json.RawMessage(`"slow"`))
		}
		return nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]map[string]json.RawMessage, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.FetchAllJSON(ctx, "users", []string{"hot"}, resolver)
		}(i)
	}

	// Let every caller reach the pending table before the leader finishes.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, json.RawMessage(`"slow"`), results[i]["hot"])
	}
	assert.Equal(t, int64(1), calls.Load(), "concurrent fetches must share one resolver call")
}

func TestFetchAllJSONResolverErrorPropagates(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	boom := errors.New("upstream down")

	_, err := c.FetchAllJSON(ctx, "users", []string{"a"},
		func(ctx context.Context, h *Handle, missing []string) error { return boom })
	require.ErrorIs(t, err, boom)

	// Errors are not cached; the next fetch retries.
	var calls atomic.Int64
	out, err := c.FetchAllJSON(ctx, "users", []string{"a"}, staticResolver(&calls, nil, nil))
	require.NoError(t, err)
	require.Contains(t, out, "a")
}

func TestPurgeGlobalInvalidatesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	bus := ups.NewMemory()

	local := newTestCache(t, bus)
	remote := newTestCache(t, bus)

	purgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = remote.HandlePurges(purgeCtx) }()
	time.Sleep(5 * time.Millisecond)

	var calls atomic.Int64
	for _, c := range []*Cache{local, remote} {
		_, err := c.FetchAllJSON(ctx, "users", []string{"a"}, staticResolver(&calls, nil, nil))
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), calls.Load())

	require.NoError(t, local.PurgeGlobal(ctx, "users", []string{"a"}))

	// The remote cache drops the key once the broadcast lands.
	require.Eventually(t, func() bool {
		before := calls.Load()
		_, err := remote.FetchAllJSON(ctx, "users", []string{"a"}, staticResolver(&calls, nil, nil))
		return err == nil && calls.Load() == before+1
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimitCountsPerBucket(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	cfg := RateLimitConfig{Buckets: []RateLimitBucket{
		{Count: 3, BucketDuration: time.Minute},
	}}

	for i := 0; i < 3; i++ {
		results := c.RateLimit(ctx, "login", "10.0.0.1", cfg)
		require.True(t, RateLimitAllowed(results), "hit %d should pass", i+1)
	}
	results := c.RateLimit(ctx, "login", "10.0.0.1", cfg)
	require.False(t, RateLimitAllowed(results))

	// A different address has its own counters.
	results = c.RateLimit(ctx, "login", "10.0.0.2", cfg)
	require.True(t, RateLimitAllowed(results))
}

func TestRateLimitBucketExpiry(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	clock := time.Now()
	mem.now = func() time.Time { return clock }
	c := New(mem, nil, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	cfg := RateLimitConfig{Buckets: []RateLimitBucket{
		{Count: 1, BucketDuration: 100 * time.Millisecond},
	}}

	require.True(t, RateLimitAllowed(c.RateLimit(ctx, "k", "addr", cfg)))
	require.False(t, RateLimitAllowed(c.RateLimit(ctx, "k", "addr", cfg)))

	clock = clock.Add(150 * time.Millisecond)
	require.True(t, RateLimitAllowed(c.RateLimit(ctx, "k", "addr", cfg)))
}

func TestRateLimitFailOpen(t *testing.T) {
	ctx := context.Background()
	c := New(&failingDriver{}, nil, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	cfg := RateLimitConfig{Buckets: []RateLimitBucket{
		{Count: 1, BucketDuration: time.Minute},
	}}
	for i := 0; i < 5; i++ {
		require.True(t, RateLimitAllowed(c.RateLimit(ctx, "k", "addr", cfg)))
	}
}

func TestRateLimitDisabled(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemory(), nil, Config{
		RateLimitDisabled: true,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	cfg := RateLimitConfig{Buckets: []RateLimitBucket{
		{Count: 1, BucketDuration: time.Minute},
	}}
	for i := 0; i < 5; i++ {
		require.True(t, RateLimitAllowed(c.RateLimit(ctx, "k", "addr", cfg)))
	}
}

// failingDriver errors on every call, for fail-open tests.
type failingDriver struct{}

var errDriverDown = errors.New("driver down")

func (f *failingDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errDriverDown
}
func (f *failingDriver) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errDriverDown
}
func (f *failingDriver) Delete(ctx context.Context, keys ...string) error { return errDriverDown }
func (f *failingDriver) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errDriverDown
}
func (f *failingDriver) Close() error { return nil }
