package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomCache is a second-level store of resolved room ids shared between
// resolver instances.
type RoomCache interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, roomID int64) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a process-local RoomCache.
type MemoryCache struct {
	mu  sync.RWMutex
	ids map[string]int64
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{ids: make(map[string]int64)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[key]
	return id, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, roomID int64) error {
	c.mu.Lock()
	c.ids[key] = roomID
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.ids, key)
	c.mu.Unlock()
	return nil
}

const roomKeyTTL = 30 * 24 * time.Hour

// RedisCache keeps room ids in Redis so cold gateway processes find them
// without listing rooms.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) roomKey(key string) string {
	return c.prefix + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (int64, bool, error) {
	id, err := c.client.Get(ctx, c.roomKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("room cache get %s: %w", key, err)
	}
	return id, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, roomID int64) error {
	if err := c.client.Set(ctx, c.roomKey(key), roomID, roomKeyTTL).Err(); err != nil {
		return fmt.Errorf("room cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.roomKey(key)).Err()
}
