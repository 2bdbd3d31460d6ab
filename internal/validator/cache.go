package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"whale-mirror/internal/logging"
)

// VerdictCache stores recent verdicts keyed by address.
type VerdictCache interface {
	Get(ctx context.Context, address string) (Verdict, bool)
	Set(ctx context.Context, address string, verdict Verdict, ttl time.Duration)
}

type cacheEntry struct {
	verdict Verdict
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty cache. now may be nil.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[string]cacheEntry), now: now}
}

// Get returns an unexpired verdict; expired entries are evicted lazily.
func (c *MemoryCache) Get(_ context.Context, address string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[address]
	if !ok {
		return Verdict{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, address)
		return Verdict{}, false
	}
	return entry.verdict, true
}

// Set stores verdict for ttl.
func (c *MemoryCache) Set(_ context.Context, address string, verdict Verdict, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[address] = cacheEntry{verdict: verdict, expires: c.now().Add(ttl)}
}

// RedisCache shares verdicts between processes. Errors degrade to a miss.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisCache connects to redisURL (redis://...).
func NewRedisCache(ctx context.Context, redisURL, prefix string, logger zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = "whalemirror"
	}
	return &RedisCache{client: client, prefix: prefix, logger: logging.Component(logger, "verdict_cache")}, nil
}

func (c *RedisCache) key(address string) string {
	return c.prefix + ":verdict:" + address
}

// Get implements VerdictCache.
func (c *RedisCache) Get(ctx context.Context, address string) (Verdict, bool) {
	raw, err := c.client.Get(ctx, c.key(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Verdict{}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("address", address).Msg("verdict cache read failed")
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn().Err(err).Str("address", address).Msg("verdict cache entry corrupt")
		return Verdict{}, false
	}
	return v, true
}

// Set implements VerdictCache.
func (c *RedisCache) Set(ctx context.Context, address string, verdict Verdict, ttl time.Duration) {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(address), raw, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("address", address).Msg("verdict cache write failed")
	}
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var (
	_ VerdictCache = (*MemoryCache)(nil)
	_ VerdictCache = (*RedisCache)(nil)
)
