package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisQueryTimeout = 500 * time.Millisecond

// RedisBackend stores cache entries in Redis for multi-replica deployments.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error.
//   - Delete and DeleteByPrefix return the underlying error.
type RedisBackend struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisBackendFromClient wraps an existing Redis client. The caller owns
// the client lifecycle.
func NewRedisBackendFromClient(cli *redis.Client, log *slog.Logger) *RedisBackend {
	return &RedisBackend{client: cli, log: log}
}

// NewRedisBackend parses redisURL, creates a client, and verifies the
// connection with a PING.
func NewRedisBackend(ctx context.Context, redisURL string, log *slog.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &RedisBackend{client: cli, log: log}, nil
}

// Get retrieves the value for key. A hit counter sidecar key tracks reuse.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	val, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.log.WarnContext(ctx, "cache get failed",
				slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}

	if err := b.client.Incr(ctx, key+":hits").Err(); err != nil {
		b.log.WarnContext(ctx, "cache hit count failed", slog.Any("error", err))
	}

	return val, true
}

// Set stores value under key. A zero ttl stores the entry without expiry.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		b.log.WarnContext(ctx, "cache set failed",
			slog.String("key", key), slog.Any("error", err))
	}

	return nil
}

// Delete removes key and its hit counter.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	if err := b.client.Del(ctx, key, key+":hits").Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix scans for keys with the prefix and removes them in batches.
func (b *RedisBackend) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := b.client.Scan(ctx, 0, prefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := b.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache: DEL batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: SCAN %s*: %w", prefix, err)
	}
	return flush()
}

// Close releases the Redis connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
