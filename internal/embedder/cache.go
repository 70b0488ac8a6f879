package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores embeddings keyed by content hash so identical text is never
// re-embedded.
type Cache interface {
	Get(ctx context.Context, contentHash string) (Vector, bool, error)
	Put(ctx context.Context, vec Vector) error
}

// MemoryCache is an unbounded in-process cache.
type MemoryCache struct {
	mu   sync.RWMutex
	vecs map[string]Vector
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vecs: make(map[string]Vector)}
}

func (c *MemoryCache) Get(ctx context.Context, contentHash string) (Vector, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.vecs[contentHash]
	return vec, ok, nil
}

func (c *MemoryCache) Put(ctx context.Context, vec Vector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vecs[vec.ContentHash] = vec
	return nil
}

// RedisCache shares embeddings across processes. Entries are JSON blobs under
// a keyspace prefix, evicted by whatever policy the Redis deployment runs.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache pings the connection before returning, matching how the rest
// of the system treats Redis as a hard dependency at startup.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, prefix: "vectorpipe:embedding:", ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, contentHash string) (Vector, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+contentHash).Bytes()
	if err == redis.Nil {
		return Vector{}, false, nil
	}
	if err != nil {
		return Vector{}, false, fmt.Errorf("redis get: %w", err)
	}
	var vec Vector
	if err := json.Unmarshal(data, &vec); err != nil {
		return Vector{}, false, fmt.Errorf("decode cached embedding: %w", err)
	}
	return vec, true, nil
}

func (c *RedisCache) Put(ctx context.Context, vec Vector) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+vec.ContentHash, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
