package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

type RedisProductCache struct {
	client *redis.Client
	prefix string
}

func NewRedisProductCache(client *redis.Client, prefix string) *RedisProductCache {
	if prefix == "" {
		prefix = "pos:product:"
	}
	return &RedisProductCache{client: client, prefix: prefix}
}

func (c *RedisProductCache) Get(ctx context.Context, code string) (*domain.Product, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+code).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product domain.Product
	if err := json.Unmarshal([]byte(val), &product); err != nil {
		return nil, false, err
	}
	return &product, true, nil
}

func (c *RedisProductCache) Set(ctx context.Context, code string, value *domain.Product, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+code, payload, ttl).Err()
}
