/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection with a ping.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", ErrTransientIO, cfg.Addr, err)
	}

	return client, nil
}

// RedisStore keeps one list of encoded points per session. Points are kept
// in insertion order and grouped by stroke on read. Lists of retained codes
// carry no expiry; the others expire ttl after they were last written or read.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "dynamicboard"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "redis-store"),
		held:   make(map[string]struct{}),
	}
}

func (r *RedisStore) key(code string) string {
	return r.prefix + ":board:" + code + ":points"
}

// expires reports whether code's list should carry a ttl.
func (r *RedisStore) expires(code string) bool {
	if r.ttl <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, held := r.held[code]
	return !held
}

func (r *RedisStore) Retain(ctx context.Context, code string) error {
	r.mu.Lock()
	r.held[code] = struct{}{}
	r.mu.Unlock()

	if r.ttl <= 0 {
		return nil
	}
	if err := r.client.Persist(ctx, r.key(code)).Err(); err != nil {
		return fmt.Errorf("%w: retain %s: %w", ErrTransientIO, code, err)
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, code string) error {
	r.mu.Lock()
	delete(r.held, code)
	r.mu.Unlock()

	if r.ttl <= 0 {
		return nil
	}
	if err := r.client.Expire(ctx, r.key(code), r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrTransientIO, code, err)
	}
	return nil
}

func (r *RedisStore) Append(ctx context.Context, code string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	values := make([]any, 0, len(points))
	for _, p := range points {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := r.key(code)
	expires := r.expires(code)

	// A single RPUSH inside MULTI keeps the batch invisible until it is complete.
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if expires {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append %s: %w", ErrTransientIO, code, err)
	}

	return nil
}

func (r *RedisStore) ReadAll(ctx context.Context, code string) ([]Point, error) {
	key := r.key(code)

	var lrange *redis.StringSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		if r.expires(code) {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransientIO, code, err)
	}
	results := lrange.Val()

	points := make([]Point, 0, len(results))
	for _, data := range results {
		var p Point
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			r.logger.Warn("skipping undecodable point", "code", code, "error", err)
			continue
		}
		points = append(points, p)
	}

	return groupByStroke(points), nil
}

func (r *RedisStore) Len(ctx context.Context, code string) (int, error) {
	n, err := r.client.LLen(ctx, r.key(code)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: len %s: %w", ErrTransientIO, code, err)
	}
	return int(n), nil
}

func (r *RedisStore) Clear(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.key(code)).Err(); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrTransientIO, code, err)
	}
	return nil
}
