// Package ratelimit implements per-session request rate limiting using Redis
// sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const rateLimitKeyPrefix = "ratelimit:session:"

// RPMLimiter checks a per-session requests-per-minute limit using a Redis
// sliding window. A nil client or non-positive limit disables limiting.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	log      *slog.Logger
}

// NewRPMLimiter creates a new RPMLimiter. log may be nil.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, log *slog.Logger) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, log: log}
}

// Allow returns true if the session's current request is within the limit.
func (r *RPMLimiter) Allow(ctx context.Context, sessionKey string) bool {
	if r.rdb == nil || r.rpmLimit <= 0 {
		return true
	}
	return r.check(ctx, rateLimitKeyPrefix+sessionKey, r.rpmLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) bool {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		r.log.Warn("ratelimit_degraded", slog.String("error", err.Error()))
		return true
	}

	return result == 1
}
