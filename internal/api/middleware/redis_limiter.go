package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keyauth/internal/platform/config"
)

const rateLimitPrefix = "keyauth:rate_limit"

type cmdable interface {
	Incr(context.Context, string) *redis.IntCmd
	Expire(context.Context, string, time.Duration) *redis.BoolCmd
}

// RedisLimiter is a fixed one-minute window shared by every instance.
type RedisLimiter struct {
	store cmdable
	now   func() time.Time
}

func NewRedisLimiter(store cmdable) *RedisLimiter {
	return &RedisLimiter{store: store, now: time.Now}
}

// NewRedisClient connects to the configured instance and verifies it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	if !cfg.Enabled() {
		return nil, errors.New("redis url or address is required")
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}

	window := l.now().Unix() / 60
	counter := fmt.Sprintf("%s:%s:%d", rateLimitPrefix, key, window)

	count, err := l.store.Incr(ctx, counter).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing %s: %w", counter, err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, counter, 2*time.Minute).Err(); err != nil {
			return false, fmt.Errorf("expiring %s: %w", counter, err)
		}
	}
	return count <= int64(perMinute), nil
}
