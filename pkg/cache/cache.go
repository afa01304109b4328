package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/linkflow-go/gallery/pkg/logger"
	"github.com/linkflow-go/gallery/pkg/metrics"
)

// Store is the raw byte storage behind a Cache. Get reports ok=false for keys
// that were never set or have expired.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Flush(ctx context.Context) error
}

// VersionedStore is a Store that keeps the invalidation generation itself,
// so caches in different processes sharing the store see each other's
// invalidations.
type VersionedStore interface {
	Store
	Generation(ctx context.Context) (uint64, error)
	// Invalidate advances the generation and drops every entry.
	Invalidate(ctx context.Context) error
	// SetIfGeneration stores data only while the generation still equals gen.
	SetIfGeneration(ctx context.Context, gen uint64, key string, data []byte, ttl time.Duration) (bool, error)
}

// Cache is a TTL cache that coalesces concurrent fetches of the same key.
// Values are JSON encoded so any Store can hold them.
type Cache struct {
	store  Store
	name   string
	logger logger.Logger

	mu         sync.Mutex
	generation uint64
	group      singleflight.Group
}

type Option func(*Cache)

// WithName sets the label used for this cache's hit and miss metrics.
func WithName(name string) Option {
	return func(c *Cache) {
		c.name = name
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Cache) {
		c.logger = log
	}
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		name:   "default",
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes the cached value for key into dest. It reports false when the
// key is absent or expired.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// InvalidateAll drops every entry. Fetches already in flight still return
// their result to their callers but no longer populate the cache. With a
// VersionedStore the invalidation is visible to every Cache sharing it.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	metrics.CacheInvalidations.WithLabelValues(c.name).Inc()

	if vs, ok := c.store.(VersionedStore); ok {
		if err := vs.Invalidate(ctx); err != nil {
			return fmt.Errorf("cache invalidate: %w", err)
		}
		return nil
	}
	if err := c.store.Flush(ctx); err != nil {
		return fmt.Errorf("cache flush: %w", err)
	}
	return nil
}

// snapshot reads the generation a fetch must still match when it stores its
// result. ok is false when the generation could not be read, in which case
// the result must not be cached.
func (c *Cache) snapshot(ctx context.Context) (uint64, bool) {
	if vs, ok := c.store.(VersionedStore); ok {
		gen, err := vs.Generation(ctx)
		if err != nil {
			c.logger.Warn("cache generation read failed", "error", err)
			return 0, false
		}
		return gen, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, true
}

// setIfCurrent stores value only when no invalidation happened since gen was read.
func (c *Cache) setIfCurrent(ctx context.Context, gen uint64, key string, value interface{}, ttl time.Duration) (bool, error) {
	if vs, ok := c.store.(VersionedStore); ok {
		data, err := json.Marshal(value)
		if err != nil {
			return false, fmt.Errorf("cache encode %s: %w", key, err)
		}
		stored, err := vs.SetIfGeneration(ctx, gen, key, data, ttl)
		if err != nil {
			return false, fmt.Errorf("cache set %s: %w", key, err)
		}
		return stored, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen {
		return false, nil
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// storeFetched writes a fetched value through the generation check.
func (c *Cache) storeFetched(ctx context.Context, gen uint64, current bool, key string, value interface{}, ttl time.Duration) {
	if !current {
		return
	}
	stored, err := c.setIfCurrent(ctx, gen, key, value, ttl)
	if err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if !stored {
		c.logger.Debug("cache invalidated during fetch, result not stored", "key", key)
	}
}

// GetOrFetch returns the cached value for key or runs fetch to produce it.
// Concurrent callers for the same key share one fetch. The fetch runs on a
// context detached from the caller's cancellation, so a caller that goes away
// does not fail the others waiting on the same result. Values returned to
// concurrent callers are shared and must be treated as read-only.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	ok, err := c.Get(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("cache read failed, fetching", "key", key, "error", err)
	} else if ok {
		return cached, nil
	}

	gen, current := c.snapshot(ctx)
	flightKey := strconv.FormatUint(gen, 10) + ":" + key

	v, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)

		// A flight that finished between our miss and this call may have
		// stored the value already.
		var again T
		if ok, err := c.Get(fetchCtx, key, &again); err == nil && ok {
			return again, nil
		}

		value, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.storeFetched(fetchCtx, gen, current, key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Refresh runs fetch and replaces the cached value for key with its result,
// unless the cache is invalidated while fetch runs. The fresh value is
// returned either way.
func Refresh[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	gen, current := c.snapshot(ctx)

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.storeFetched(ctx, gen, current, key, value, ttl)
	return value, nil
}
