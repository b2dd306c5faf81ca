package mitigation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the window, then adds the hit only if it fits.
// Scores are microseconds since the epoch.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, math.ceil(window / 1000))
  return 1
end
return 0
`)

// RedisConfig configures a RedisLimiter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLimiter shares throttle windows between instances through Redis
// sorted sets.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisLimiterFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisLimiterFromClient wraps an existing client.
func NewRedisLimiterFromClient(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "bulwark:throttle:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow runs the sliding-window script atomically for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit float64, now time.Time) (bool, error) {
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now.UnixMicro(),
		LimiterWindow.Microseconds(),
		limit,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("sliding window for %s: %w", key, err)
	}
	return res == 1, nil
}

// Forget deletes the key's window.
func (l *RedisLimiter) Forget(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

// Close releases the underlying client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
