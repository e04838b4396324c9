package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-chat/pkg/chat"
)

// RedisHistoryCache stores each room's page as a JSON array under
// "<prefix>:<roomId>".
type RedisHistoryCache struct {
	client *redis.Client
	prefix string
}

// NewRedisHistoryCache creates the cache client. The connection is checked
// with Ping by the caller when it wants to fail fast.
func NewRedisHistoryCache(cfg Config) *RedisHistoryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisHistoryCacheFromClient(client, cfg.Prefix)
}

// NewRedisHistoryCacheFromClient wraps an existing client.
func NewRedisHistoryCacheFromClient(client *redis.Client, prefix string) *RedisHistoryCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisHistoryCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisHistoryCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// BuildKey returns the cache key of a room.
func (c *RedisHistoryCache) BuildKey(roomID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, roomID)
}

func (c *RedisHistoryCache) Get(ctx context.Context, roomID string) ([]chat.ChatMessage, error) {
	data, err := c.client.Get(ctx, c.BuildKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var messages []chat.ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return messages, nil
}

func (c *RedisHistoryCache) Set(ctx context.Context, roomID string, messages []chat.ChatMessage, ttl time.Duration) error {
	if messages == nil {
		messages = []chat.ChatMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, c.BuildKey(roomID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	return nil
}

func (c *RedisHistoryCache) Invalidate(ctx context.Context, roomID string) error {
	if err := c.client.Del(ctx, c.BuildKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *RedisHistoryCache) Flush(ctx context.Context) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+":*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan redis: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to delete from redis: %w", err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (c *RedisHistoryCache) Close() error {
	return c.client.Close()
}
