package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript runs the whole sliding-window check atomically on the server:
// purge expired entries, count, and record only when under the limit.
// Returns {allowed, count, oldestScoreMillis}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end

return {allowed, count, oldestScore}
`)

// RedisConfig holds the Redis connection settings. Populate from the
// environment via the config package.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Prefix   string
}

// Redis is the shared sorted-set backend. Each admission key maps to a ZSET
// of request timestamps scored in unix milliseconds.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies reachability with a 5 second ping.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: config.Prefix}, nil
}

func (r *Redis) Admit(ctx context.Context, key string, window time.Duration, limit int64) (Result, error) {
	now := time.Now().UnixMilli()
	member := uuid.NewString()

	vals, err := admitScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		now, window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis admit failed: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("redis admit returned %d values, want 3", len(vals))
	}

	allowed := vals[0] == 1
	res := Result{
		Allowed: allowed,
		Count:   vals[1],
		ResetAt: time.UnixMilli(vals[2]).Add(window),
	}
	if allowed {
		res.Member = member
	}
	return res, nil
}

func (r *Redis) Forget(ctx context.Context, key, member string) error {
	if err := r.client.ZRem(ctx, r.prefix+key, member).Err(); err != nil {
		return fmt.Errorf("redis forget failed: %w", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases resources held by the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
