package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// generationKey holds the namespace's invalidation counter. Flush leaves it in
// place so the counter only ever moves forward.
const generationKey = "__generation"

// RedisStore keeps entries in Redis under "<namespace>:<key>" so several
// replicas can share one cache. The invalidation generation lives in Redis
// too, so an invalidation on one replica stops writes of stale fetch results
// on every other.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.buildKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Flush removes every key in the namespace.
func (s *RedisStore) Flush(ctx context.Context) error {
	pattern := s.buildKey("*")

	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan error: %w", err)
		}
		for _, key := range batch {
			if key != s.buildKey(generationKey) {
				keys = append(keys, key)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline delete error: %w", err)
	}
	return nil
}

func (s *RedisStore) Generation(ctx context.Context) (uint64, error) {
	gen, err := s.client.Get(ctx, s.buildKey(generationKey)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis generation error: %w", err)
	}
	return gen, nil
}

// Invalidate bumps the shared generation before flushing, so writers that
// read the old generation are refused even while the flush runs.
func (s *RedisStore) Invalidate(ctx context.Context) error {
	if err := s.client.Incr(ctx, s.buildKey(generationKey)).Err(); err != nil {
		return fmt.Errorf("redis incr error: %w", err)
	}
	return s.Flush(ctx)
}

// SetIfGeneration writes data in a transaction watching the generation key.
// It reports false when the generation moved on, before or during the write.
func (s *RedisStore) SetIfGeneration(ctx context.Context, gen uint64, key string, data []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	genKey := s.buildKey(generationKey)

	stale := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			stale = true
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.buildKey(key), data, ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis set error: %w", err)
	}
	return !stale, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) buildKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}
