package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LatestPopulateTimeKey holds the duration of the last Populate in milliseconds.
const LatestPopulateTimeKey = "latestPopulateTime"

const redisPipelineSize = 1000

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{URL: "redis://localhost:6379"}
}

// Redis stores each entry as a plain key holding its own value.
type Redis struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("Connected to Redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Name() string { return "redis" }

// Populate sets keys "0".."n-1" to their own value in pipelined chunks, then
// records the elapsed milliseconds under LatestPopulateTimeKey.
func (r *Redis) Populate(ctx context.Context, n int) error {
	if err := validateCount(n); err != nil {
		return err
	}
	start := time.Now()
	for lo := 0; lo < n; lo += redisPipelineSize {
		hi := min(lo+redisPipelineSize, n)
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := lo; i < hi; i++ {
				v := strconv.Itoa(i)
				pipe.Set(ctx, v, v, 0)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("set keys %d-%d: %w", lo, hi-1, err)
		}
	}
	elapsed := time.Since(start).Milliseconds()
	if err := r.client.Set(ctx, LatestPopulateTimeKey, strconv.FormatInt(elapsed, 10), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", LatestPopulateTimeKey, err)
	}
	return nil
}

func (r *Redis) Retrieve(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Clear flushes the selected database and reports how many keys it held.
func (r *Redis) Clear(ctx context.Context) (int64, error) {
	size, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("dbsize: %w", err)
	}
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return 0, fmt.Errorf("flushdb: %w", err)
	}
	return size, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
