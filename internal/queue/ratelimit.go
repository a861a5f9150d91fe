package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	ScopeChat  = "chat"
	ScopeImage = "image"
)

// RateLimiter counts actions per user and scope in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, scope, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}

	key := fmt.Sprintf("pocketllm:ratelimit:%s:%s:%s", scope, userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// JobClaimer makes sure one job id is processed by one worker at a time.
type JobClaimer struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewJobClaimer(rdb *redis.Client, ttl time.Duration) *JobClaimer {
	return &JobClaimer{redis: rdb, ttl: ttl}
}

func (c *JobClaimer) Claim(ctx context.Context, jobID, owner string) (bool, error) {
	ok, err := c.redis.SetNX(ctx, claimKey(jobID), owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim setnx: %w", err)
	}
	return ok, nil
}

// Release drops the claim so a re-enqueued attempt can take it again. A claim
// that expired and was taken by another owner is left alone.
func (c *JobClaimer) Release(ctx context.Context, jobID, owner string) error {
	if err := releaseIfOwnerScript.Run(ctx, c.redis, []string{claimKey(jobID)}, owner).Err(); err != nil {
		return fmt.Errorf("claim release: %w", err)
	}
	return nil
}

func claimKey(jobID string) string {
	return "pocketllm:job-claim:" + jobID
}
