package event

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dtonon/volare/internal/config"
)

// IDCache remembers event ids that were already processed. It is a derived
// cache; clearing it only costs re-validation.
type IDCache interface {
	// Seen marks id as processed and reports whether it already was
	Seen(ctx context.Context, id string) bool
	// Forget unmarks id so a later delivery is processed again
	Forget(ctx context.Context, id string)
	Clear(ctx context.Context) error
}

// NewIDCache builds the cache selected in the caching config
func NewIDCache(cfg *config.Caching) (IDCache, error) {
	switch cfg.Engine {
	case "", "memory":
		return NewMemoryIDCache(cfg.Size)
	case "redis":
		return NewRedisIDCache(cfg.RedisURL, time.Duration(cfg.TTLSecs)*time.Second)
	default:
		return nil, fmt.Errorf("unsupported cache engine: %s", cfg.Engine)
	}
}

// MemoryIDCache is a bounded in-process LRU
type MemoryIDCache struct {
	cache *lru.Cache[string, struct{}]
}

// NewMemoryIDCache creates an LRU holding at most size ids
func NewMemoryIDCache(size int) (*MemoryIDCache, error) {
	if size <= 0 {
		size = 100000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create id cache: %w", err)
	}
	return &MemoryIDCache{cache: cache}, nil
}

func (c *MemoryIDCache) Seen(_ context.Context, id string) bool {
	ok, _ := c.cache.ContainsOrAdd(id, struct{}{})
	return ok
}

func (c *MemoryIDCache) Forget(_ context.Context, id string) {
	c.cache.Remove(id)
}

func (c *MemoryIDCache) Clear(context.Context) error {
	c.cache.Purge()
	return nil
}

// Len returns the number of cached ids
func (c *MemoryIDCache) Len() int {
	return c.cache.Len()
}

const redisKeyPrefix = "volare:seen:"

// RedisIDCache shares the seen set through redis. Lookups fail open: on a
// redis error the event is treated as unseen and storage ignores the
// duplicate insert.
type RedisIDCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIDCache connects to redis at url
func NewRedisIDCache(url string, ttl time.Duration) (*RedisIDCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisIDCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (c *RedisIDCache) Seen(ctx context.Context, id string) bool {
	set, err := c.client.SetNX(ctx, redisKeyPrefix+id, 1, c.ttl).Result()
	if err != nil {
		return false
	}
	return !set
}

func (c *RedisIDCache) Forget(ctx context.Context, id string) {
	_ = c.client.Del(ctx, redisKeyPrefix+id).Err()
}

func (c *RedisIDCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 1000).Iterator()
	batch := make([]string, 0, 1000)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear id cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan id cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear id cache: %w", err)
		}
	}
	return nil
}

// Close closes the redis connection
func (c *RedisIDCache) Close() error {
	return c.client.Close()
}
