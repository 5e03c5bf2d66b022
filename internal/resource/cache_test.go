package resource_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/blob"
	"github.com/chinmina/chinmina-gallery/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("not found")

// fakeFetcher counts fetches per key. When block is set, each fetch signals
// started and then waits for a value on proceed.
type fakeFetcher struct {
	calls   sync.Map // resource.Key -> *atomic.Int32
	total   atomic.Int32
	block   bool
	started chan resource.Key
	proceed chan error
}

func newFakeFetcher(block bool) *fakeFetcher {
	return &fakeFetcher{
		block:   block,
		started: make(chan resource.Key, 16),
		proceed: make(chan error, 16),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key resource.Key) (resource.Payload, error) {
	counter, _ := f.calls.LoadOrStore(key, &atomic.Int32{})
	counter.(*atomic.Int32).Add(1)
	f.total.Add(1)

	if f.block {
		f.started <- key
		if err := <-f.proceed; err != nil {
			return resource.Payload{}, err
		}
	}

	return resource.Payload{
		ContentType: "image/png",
		Data:        []byte("content-" + string(key)),
	}, nil
}

func (f *fakeFetcher) Calls(key resource.Key) int {
	counter, ok := f.calls.Load(key)
	if !ok {
		return 0
	}
	return int(counter.(*atomic.Int32).Load())
}

func newCache(t *testing.T, fetch resource.Fetcher, opts ...resource.Option) (*resource.Cache, *blob.Registry) {
	t.Helper()
	registry := blob.NewRegistry("http://localhost:8090")
	return resource.New(fetch, registry, opts...), registry
}

func waitStarted(t *testing.T, f *fakeFetcher) resource.Key {
	t.Helper()
	select {
	case key := <-f.started:
		return key
	case <-time.After(2 * time.Second):
		require.FailNow(t, "fetch did not start")
		return ""
	}
}

func TestGet_ReadyEntryReusesHandle(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, registry := newCache(t, fetcher.Fetch)

	first, err := cache.Get(ctx, "42", "detail")
	require.NoError(t, err)

	second, err := cache.Get(ctx, "42", "detail")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.Calls("42"))
	assert.Equal(t, 1, registry.Len())

	_, data, err := registry.Open(first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("content-42"), data)
	assert.Equal(t, "image/png", first.ContentType)
}

func TestGet_ConcurrentCallersShareOneFetch(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(true)
	cache, registry := newCache(t, fetcher.Fetch)

	const callers = 8
	handles := make([]*blob.Handle, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = cache.Get(ctx, "42", resource.ConsumerRef(fmt.Sprintf("page-%d", i)))
		}()
	}

	waitStarted(t, fetcher)
	assert.Eventually(t, func() bool {
		return cache.Consumers("42") == callers
	}, 2*time.Second, 5*time.Millisecond)

	state, ok := cache.Peek("42")
	require.True(t, ok)
	assert.Equal(t, resource.StatePending, state)

	fetcher.proceed <- nil
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, 1, fetcher.Calls("42"))
	assert.Equal(t, 1, registry.Len(), "exactly one handle minted")

	state, ok = cache.Peek("42")
	require.True(t, ok)
	assert.Equal(t, resource.StateReady, state)
}

func TestGet_DistinctKeysFetchIndependently(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, _ := newCache(t, fetcher.Fetch)

	a, err := cache.Get(ctx, "1", "page")
	require.NoError(t, err)
	b, err := cache.Get(ctx, "2", "page")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int32(2), fetcher.total.Load())
}

func TestGet_FailureRemovesEntryAndRetries(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(true)
	cache, registry := newCache(t, fetcher.Fetch)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cache.Get(ctx, "42", resource.ConsumerRef(fmt.Sprintf("page-%d", i)))
		}()
	}

	waitStarted(t, fetcher)
	assert.Eventually(t, func() bool {
		return cache.Consumers("42") == 2
	}, 2*time.Second, 5*time.Millisecond)

	fetcher.proceed <- errMissing
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, errMissing, "every waiter observes the same failure")
	}

	_, ok := cache.Peek("42")
	assert.False(t, ok, "failed entry is removed, not frozen")
	assert.Equal(t, 0, registry.Len())

	fetcher.proceed <- nil
	h, err := cache.Get(ctx, "42", "page-0")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, fetcher.Calls("42"), "a later get retries")
}

func TestInvalidate_WhileInFlightDiscardsResult(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(true)
	cache, registry := newCache(t, fetcher.Fetch)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "7", "detail")
		done <- err
	}()

	waitStarted(t, fetcher)
	cache.Invalidate("7")

	fetcher.proceed <- nil
	select {
	case err := <-done:
		assert.ErrorIs(t, err, resource.ErrInvalidated)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "get did not return")
	}

	_, ok := cache.Peek("7")
	assert.False(t, ok, "stale fetch must not repopulate the entry")
	assert.Equal(t, 0, registry.Len(), "stale payload is never minted")

	fetcher.proceed <- nil
	h, err := cache.Get(ctx, "7", "detail")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, fetcher.Calls("7"), "next get issues a fresh fetch")
}

func TestInvalidate_ReadyEntryRefetches(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, registry := newCache(t, fetcher.Fetch)

	old, err := cache.Get(ctx, "42", "gallery")
	require.NoError(t, err)

	cache.Invalidate("42")

	_, _, err = registry.Open(old.ID)
	assert.ErrorIs(t, err, blob.ErrRevoked, "handle is released even though still referenced")

	fresh, err := cache.Get(ctx, "42", "gallery")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 2, fetcher.Calls("42"))
}

func TestInvalidate_UnknownKey(t *testing.T) {
	fetcher := newFakeFetcher(false)
	cache, _ := newCache(t, fetcher.Fetch)

	assert.NotPanics(t, func() { cache.Invalidate("missing") })
	assert.Equal(t, 0, cache.Len())
}

func TestClear_RevokesEverything(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, registry := newCache(t, fetcher.Fetch)

	a, err := cache.Get(ctx, "1", "page")
	require.NoError(t, err)
	b, err := cache.Get(ctx, "2", "page")
	require.NoError(t, err)

	cache.Clear()

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, registry.Len())
	for _, h := range []*blob.Handle{a, b} {
		_, _, err := registry.Open(h.ID)
		assert.ErrorIs(t, err, blob.ErrRevoked)
	}

	_, err = cache.Get(ctx, "1", "page")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls("1"))
}

func TestClear_WhileInFlightDiscardsResult(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(true)
	cache, registry := newCache(t, fetcher.Fetch)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "9", "detail")
		done <- err
	}()

	waitStarted(t, fetcher)
	cache.Clear()
	fetcher.proceed <- nil

	assert.ErrorIs(t, <-done, resource.ErrInvalidated)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, registry.Len())
}

func TestRelease_Eager(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, registry := newCache(t, fetcher.Fetch, resource.WithReleasePolicy(resource.ReleaseEager))

	h, err := cache.Get(ctx, "42", "gallery")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "42", "detail")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Consumers("42"))

	cache.Release("42", "gallery")

	state, ok := cache.Peek("42")
	require.True(t, ok, "entry survives while a consumer remains")
	assert.Equal(t, resource.StateReady, state)
	_, _, err = registry.Open(h.ID)
	require.NoError(t, err)

	cache.Release("42", "detail")

	_, ok = cache.Peek("42")
	assert.False(t, ok)
	_, _, err = registry.Open(h.ID)
	assert.ErrorIs(t, err, blob.ErrRevoked, "handle is revoked at zero consumers")

	_, err = cache.Get(ctx, "42", "detail")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls("42"))
}

func TestRelease_Deferred(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, registry := newCache(t, fetcher.Fetch, resource.WithReleasePolicy(resource.ReleaseDeferred))

	h, err := cache.Get(ctx, "42", "gallery")
	require.NoError(t, err)

	cache.Release("42", "gallery")

	state, ok := cache.Peek("42")
	require.True(t, ok, "deferred policy keeps the entry")
	assert.Equal(t, resource.StateReady, state)
	assert.Equal(t, 0, cache.Consumers("42"))

	_, _, err = registry.Open(h.ID)
	require.NoError(t, err)

	again, err := cache.Get(ctx, "42", "detail")
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, 1, fetcher.Calls("42"))

	cache.Clear()
	_, _, err = registry.Open(h.ID)
	assert.ErrorIs(t, err, blob.ErrRevoked)
}

func TestRelease_SameConsumerHoldsOneReference(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher(false)
	cache, _ := newCache(t, fetcher.Fetch)

	for range 3 {
		_, err := cache.Get(ctx, "42", "gallery")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, cache.Consumers("42"))

	cache.Release("42", "gallery")
	_, ok := cache.Peek("42")
	assert.False(t, ok)
}

func TestRelease_UnknownIsHarmless(t *testing.T) {
	fetcher := newFakeFetcher(false)
	cache, _ := newCache(t, fetcher.Fetch)

	assert.NotPanics(t, func() { cache.Release("nope", "page") })
}

func TestGet_CallerCancellationDoesNotCancelFetch(t *testing.T) {
	fetcher := newFakeFetcher(true)
	cache, registry := newCache(t, fetcher.Fetch)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "5", "leaving-page")
		done <- err
	}()

	waitStarted(t, fetcher)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, cache.Consumers("5"), "the departed page holds no reference")

	fetcher.proceed <- nil

	assert.Eventually(t, func() bool {
		state, ok := cache.Peek("5")
		return ok && state == resource.StateReady
	}, 2*time.Second, 5*time.Millisecond, "fetch completes and populates the cache")

	h, err := cache.Get(context.Background(), "5", "next-page")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.Calls("5"))
	assert.Equal(t, 1, registry.Len())
	assert.NotNil(t, h)
}

func TestParseReleasePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    resource.ReleasePolicy
		wantErr bool
	}{
		{in: "", want: resource.ReleaseEager},
		{in: "eager", want: resource.ReleaseEager},
		{in: " Deferred ", want: resource.ReleaseDeferred},
		{in: "lazy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := resource.ParseReleasePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}
