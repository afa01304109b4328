package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestCache_GetMissingKey(t *testing.T) {
	c := New(NewMemoryStore())

	var got item
	ok, err := c.Get(context.Background(), "template:none", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewMemoryStore(WithClock(clock.Now))
	c := New(store)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "templates:list", []item{{ID: "a"}}, 60*time.Second))

	var got []item
	clock.Advance(59 * time.Second)
	ok, err := c.Get(ctx, "templates:list", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", got[0].ID)

	clock.Advance(2 * time.Second)
	ok, err = c.Get(ctx, "templates:list", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "expired entry is deleted on read")
}

func TestGetOrFetch_StoresResult(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()
	var calls int32

	fetch := func(context.Context) (*item, error) {
		atomic.AddInt32(&calls, 1)
		return &item{ID: "slack-alert", Name: "Slack alert"}, nil
	}

	first, err := GetOrFetch(ctx, c, "template:slack-alert", time.Minute, fetch)
	require.NoError(t, err)
	second, err := GetOrFetch(ctx, c, "template:slack-alert", time.Minute, fetch)
	require.NoError(t, err)

	assert.Equal(t, "Slack alert", first.Name)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrFetch_CoalescesConcurrentCallers(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fetch := func(context.Context) (*item, error) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		<-release
		return &item{ID: "x"}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*item, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetOrFetch(ctx, c, "template:x", time.Minute, fetch)
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "x", results[i].ID)
	}
}

func TestGetOrFetch_FailureIsNotCached(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()
	boom := errors.New("storage unavailable")
	var calls int32

	fetch := func(context.Context) (item, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return item{}, boom
		}
		return item{ID: "ok"}, nil
	}

	_, err := GetOrFetch(ctx, c, "template:ok", time.Minute, fetch)
	assert.ErrorIs(t, err, boom)

	got, err := GetOrFetch(ctx, c, "template:ok", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrFetch_CallerCancellationDoesNotCancelFetch(t *testing.T) {
	c := New(NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := GetOrFetch(ctx, c, "template:y", time.Minute, func(fetchCtx context.Context) (item, error) {
		if err := fetchCtx.Err(); err != nil {
			return item{}, err
		}
		return item{ID: "y"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "y", got.ID)
}

func TestInvalidateAll_DiscardsInFlightResult(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = GetOrFetch(ctx, c, "templates:list", time.Minute, func(context.Context) ([]item, error) {
			close(started)
			<-release
			return []item{{ID: "stale"}}, nil
		})
	}()

	<-started
	require.NoError(t, c.InvalidateAll(ctx))
	close(release)
	<-done

	var got []item
	ok, err := c.Get(ctx, "templates:list", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "gallery")
	c := New(store, WithName("redis-test"))
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, c.Set(ctx, "template:a", item{ID: "a"}, time.Minute))
	require.NoError(t, c.Set(ctx, "template:b", item{ID: "b"}, time.Minute))
	require.NoError(t, mr.Set("other:key", "keep"))

	assert.True(t, mr.Exists("gallery:template:a"))

	var got item
	ok, err := c.Get(ctx, "template:a", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", got.ID)

	mr.FastForward(2 * time.Minute)
	ok, err = c.Get(ctx, "template:a", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "template:c", item{ID: "c"}, time.Minute))
	require.NoError(t, c.InvalidateAll(ctx))
	assert.False(t, mr.Exists("gallery:template:c"))
	assert.True(t, mr.Exists("other:key"))
}

func TestRefresh_ReplacesCachedValue(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "templates:list", []item{{ID: "old"}}, time.Minute))

	got, err := Refresh(ctx, c, "templates:list", time.Minute, func(context.Context) ([]item, error) {
		return []item{{ID: "a"}, {ID: "b"}}, nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	var cached []item
	ok, err := c.Get(ctx, "templates:list", &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []item{{ID: "a"}, {ID: "b"}}, cached)
}

func TestRefresh_InvalidationDuringFetchWins(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()

	got, err := Refresh(ctx, c, "templates:list", time.Minute, func(context.Context) ([]item, error) {
		require.NoError(t, c.InvalidateAll(ctx))
		return []item{{ID: "stale"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "stale"}}, got, "the caller still gets the fetched value")

	var cached []item
	ok, err := c.Get(ctx, "templates:list", &cached)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefresh_FailureKeepsCachedValue(t *testing.T) {
	c := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "templates:list", []item{{ID: "old"}}, time.Minute))

	_, err := Refresh(ctx, c, "templates:list", time.Minute, func(context.Context) ([]item, error) {
		return nil, errors.New("storage down")
	})
	require.Error(t, err)

	var cached []item
	ok, err := c.Get(ctx, "templates:list", &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", cached[0].ID)
}

func TestRedisStore_InvalidationIsSharedAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()

	replicaA := New(NewRedisStore(clientA, "gallery"))
	replicaB := New(NewRedisStore(clientB, "gallery"))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = GetOrFetch(ctx, replicaA, "templates:list", time.Minute, func(context.Context) ([]item, error) {
			close(started)
			<-release
			return []item{{ID: "stale"}}, nil
		})
	}()

	<-started
	require.NoError(t, replicaB.InvalidateAll(ctx))
	close(release)
	<-done

	assert.False(t, mr.Exists("gallery:templates:list"))
	var got []item
	ok, err := replicaB.Get(ctx, "templates:list", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	// Fetches started after the invalidation are cached normally.
	_, err = GetOrFetch(ctx, replicaA, "templates:list", time.Minute, func(context.Context) ([]item, error) {
		return []item{{ID: "fresh"}}, nil
	})
	require.NoError(t, err)
	ok, err = replicaB.Get(ctx, "templates:list", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", got[0].ID)
}

func TestRedisStore_FlushKeepsGeneration(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "gallery")
	ctx := context.Background()

	require.NoError(t, store.Invalidate(ctx))
	require.NoError(t, store.Invalidate(ctx))
	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)

	stored, err := store.SetIfGeneration(ctx, 1, "templates:list", []byte(`[]`), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = store.SetIfGeneration(ctx, 2, "templates:list", []byte(`[]`), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.True(t, mr.Exists("gallery:templates:list"))
}
