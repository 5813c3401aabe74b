// Package redis implements the Redis read-path cache of the reward engine.
// The cache is strictly optional: it only accelerates dashboard reads of
// already-committed snapshot and summary state. Postgres stays the source of
// truth, and every cache failure degrades to a database read.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCacheMiss is returned when the requested key is not found in cache.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheKeyEmpty is returned when an empty key is provided.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")
)

// Key prefixes for namespacing Redis keys.
const (
	// PrefixLeaderboard is the prefix for cached leaderboard snapshots.
	PrefixLeaderboard = "reward:leaderboard:"

	// PrefixSummary is the prefix for cached points summaries.
	PrefixSummary = "reward:summary:"

	// PrefixLevel is the prefix for cached student levels.
	PrefixLevel = "reward:level:"
)

// Default TTLs.
const (
	// LeaderboardTTL bounds snapshot staleness in cache. Snapshots change
	// only when the generation job runs, so minutes are plenty.
	LeaderboardTTL = 5 * time.Minute

	// SummaryTTL is short: summaries move with every processed unit.
	SummaryTTL = 30 * time.Second
)

// ══════════════════════════════════════════════════════════════════════════════
// CACHE
// ══════════════════════════════════════════════════════════════════════════════

// Cache is a JSON value cache over Redis.
type Cache struct {
	client *redis.Client
}

// NewCache creates a cache and verifies the connection.
func NewCache(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewCacheFromURL creates a cache from a redis:// URL.
func NewCacheFromURL(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping verifies the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Set stores a JSON-serialized value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to serialize value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}
	return nil
}

// Get loads a JSON-serialized value into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: failed to deserialize key %s: %w", key, err)
	}
	return nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete keys: %w", err)
	}
	return nil
}

// DeleteByPrefix removes all keys under a prefix. Used when a snapshot
// generation invalidates cached leaderboards.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: failed to delete by prefix: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan failed: %w", err)
	}

	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache: failed to delete by prefix: %w", err)
		}
	}
	return nil
}

// LeaderboardKey builds the cache key for one leaderboard snapshot.
func LeaderboardKey(scopeKind, scopeID, periodType, periodKey string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", PrefixLeaderboard, scopeKind, scopeID, periodType, periodKey)
}

// SummaryKey builds the cache key for a student points summary.
func SummaryKey(studentID, scopeKind, scopeID string) string {
	return fmt.Sprintf("%s%s:%s:%s", PrefixSummary, studentID, scopeKind, scopeID)
}

// LevelKey builds the cache key for a student level.
func LevelKey(studentID, scopeKind, scopeID string) string {
	return fmt.Sprintf("%s%s:%s:%s", PrefixLevel, studentID, scopeKind, scopeID)
}
