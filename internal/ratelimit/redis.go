package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window rate limiter using Redis sorted sets.
// Returns: [allowed (0/1), remaining, resetTimestamp]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- Remove entries outside the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

-- Count current entries
local count = redis.call('ZCARD', key)

if count < limit then
    -- Add the current request
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    -- Rejected
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// Redis is a distributed sliding window limiter shared by all gateway
// instances.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedis creates a Redis limiter storing windows under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ignite:rl:"
	}
	return &Redis{client: client, prefix: prefix, timeout: 100 * time.Millisecond}
}

// Allow records one request for key. The burst is the window limit.
func (rl *Redis) Allow(ctx context.Context, key string, p Policy) (Decision, error) {
	p = p.normalize()
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	result, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		time.Now().UnixMilli(),
		p.Period.Milliseconds(),
		p.Burst,
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   result[0] == 1,
		Limit:     p.Burst,
		Remaining: int(result[1]),
		Reset:     time.UnixMilli(result[2]),
	}, nil
}
