// Package ratelimit implements a per-user requests-per-minute guard in front
// of the orchestrator, using Redis sliding-window counters with an atomic Lua
// script. It protects the HTTP surface from bursts; token budgets are the
// quota manager's job.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic sliding-window limiter over a sorted set.
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

const keyPrefix = "ratelimit:user:"

// RPMLimiter enforces a per-user requests-per-minute ceiling.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates an RPMLimiter with the given per-user RPM limit.
// rpmLimit must be > 0; values <= 0 block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether the user's current request is within the limit.
// Redis unavailability degrades to allowing the request.
func (r *RPMLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + strconv.FormatInt(userID, 10)},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
