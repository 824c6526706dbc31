package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
)

const (
	destinationPrefix = "x402:destination:"
	spentPrefix       = "x402:spent:"
)

// NewRedisClient connects to a redis:// URL and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 800 * time.Millisecond
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisDestinationCache stores destinations as JSON with a Redis TTL. Size is
// bounded by expiry and the server's maxmemory policy.
type RedisDestinationCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ DestinationCache = (*RedisDestinationCache)(nil)

func NewRedisDestinationCache(client redis.UniversalClient, ttl time.Duration) *RedisDestinationCache {
	return &RedisDestinationCache{client: client, ttl: ttl}
}

func (c *RedisDestinationCache) Get(ctx context.Context, resource string) (Destination, bool, error) {
	if resource == "" {
		return Destination{}, false, ErrInvalidKey
	}

	raw, err := c.client.Get(ctx, destinationPrefix+resource).Bytes()
	if errors.Is(err, redis.Nil) {
		return Destination{}, false, nil
	}
	if err != nil {
		return Destination{}, false, err
	}

	var d Destination
	if err := json.Unmarshal(raw, &d); err != nil {
		return Destination{}, false, fmt.Errorf("corrupt destination entry for %q: %w", resource, err)
	}
	return d, true, nil
}

func (c *RedisDestinationCache) Put(ctx context.Context, resource string, d Destination) error {
	if resource == "" {
		return ErrInvalidKey
	}
	if d.StoredAt.IsZero() {
		d.StoredAt = time.Now()
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, destinationPrefix+resource, raw, c.ttl).Err()
}

func (c *RedisDestinationCache) Delete(ctx context.Context, resource string) error {
	return c.client.Del(ctx, destinationPrefix+resource).Err()
}

// RedisSpentStore marks keys with SETNX so concurrent servers agree on which
// request spent a transaction first.
type RedisSpentStore struct {
	client redis.UniversalClient
}

var _ SpentStore = (*RedisSpentStore)(nil)

func NewRedisSpentStore(client redis.UniversalClient) *RedisSpentStore {
	return &RedisSpentStore{client: client}
}

func (s *RedisSpentStore) MarkSpent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, spentPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (s *RedisSpentStore) IsSpent(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, spentPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
