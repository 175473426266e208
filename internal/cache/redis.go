package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares the read cache across instances.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "emergency"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (c *Redis) key(k string) string { return c.keyPrefix + ":" + k }

// genKey lives outside the data keyspace so prefix scans never delete it.
func (c *Redis) genKey(prefix string) string { return c.keyPrefix + "-gen:" + prefix }

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *Redis) Generation(ctx context.Context, prefix string) (int64, error) {
	n, err := c.client.Get(ctx, c.genKey(prefix)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// InvalidatePrefix bumps the generation first; the scan and delete only
// reclaim memory.
func (c *Redis) InvalidatePrefix(ctx context.Context, prefix string) error {
	if err := c.client.Incr(ctx, c.genKey(prefix)).Err(); err != nil {
		return fmt.Errorf("bump generation %s: %w", prefix, err)
	}
	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
