package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:user:"

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Each user gets an independent bucket.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Decision is the outcome of one token request.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until a token is available. Zero when Allowed.
	RetryAfter time.Duration
}

// AllowUser consumes a token from userID's bucket. Anonymous callers share one bucket.
func (b *TokenBucket) AllowUser(ctx context.Context, userID string) (Decision, error) {
	if userID == "" {
		userID = "anonymous"
	}
	return b.Allow(ctx, keyPrefix+userID)
}

// Allow consumes a single token for key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	flag, _ := res[0].(int64)
	remaining, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: parse tokens: %w", key, err)
	}
	d := Decision{Allowed: flag == 1, Remaining: remaining}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - remaining) / b.refill * float64(time.Second))
	}
	return d, nil
}

// Tokens are returned as a string; Redis would truncate a Lua number to an integer reply.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
