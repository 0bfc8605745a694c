package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes watermark keys in Redis.
const RedisKeyPrefix = "github:watermark"

// RedisStore keeps watermarks as JSON strings in Redis without expiry.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// RedisKey returns the Redis key for a resource.
func RedisKey(key string) string {
	return RedisKeyPrefix + ":" + key
}

func (s *RedisStore) Load(ctx context.Context, key string) (record.Watermark, bool, error) {
	if key == "" {
		return record.Watermark{}, false, ErrEmptyKey
	}
	data, err := s.redis.Get(ctx, RedisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return record.Watermark{}, false, nil
	}
	if err != nil {
		return record.Watermark{}, false, fmt.Errorf("redis get watermark %s: %w", key, err)
	}

	var wm record.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return record.Watermark{}, false, fmt.Errorf("decode watermark %s: %w", key, err)
	}
	return wm, !wm.IsZero(), nil
}

func (s *RedisStore) Save(ctx context.Context, key string, wm record.Watermark) error {
	if err := validate(key, wm); err != nil {
		return err
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("encode watermark %s: %w", key, err)
	}
	if err := s.redis.Set(ctx, RedisKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set watermark %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.redis.Del(ctx, RedisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del watermark %s: %w", key, err)
	}
	return nil
}
