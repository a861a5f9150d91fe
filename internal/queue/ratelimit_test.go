package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), ScopeChat, "u1", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), ScopeChat, "u1", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), ScopeChat, "u1", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected reset at %s, got %s", now.Add(time.Hour), resetAt)
	}
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	_, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, 1)
	now := time.Date(2026, 2, 13, 10, 30, 0, 0, time.UTC)
	ctx := context.Background()

	if allowed, _, _, _ := rl.Allow(ctx, ScopeChat, "u1", now); !allowed {
		t.Fatalf("expected chat allowed")
	}
	if allowed, _, _, _ := rl.Allow(ctx, ScopeImage, "u1", now); !allowed {
		t.Fatalf("expected image allowed in separate scope")
	}
	if allowed, _, _, _ := rl.Allow(ctx, ScopeChat, "u2", now); !allowed {
		t.Fatalf("expected other user allowed")
	}
	if allowed, _, _, _ := rl.Allow(ctx, ScopeChat, "u1", now.Add(time.Hour)); !allowed {
		t.Fatalf("expected new window to reset the count")
	}
}

func TestJobClaimerIsExclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewJobClaimer(rdb, time.Minute)
	ctx := context.Background()

	ok, err := c.Claim(ctx, "job-1", "w1")
	if err != nil || !ok {
		t.Fatalf("expected first claim, got ok=%v err=%v", ok, err)
	}
	ok, err = c.Claim(ctx, "job-1", "w2")
	if err != nil || ok {
		t.Fatalf("expected second claim refused, got ok=%v err=%v", ok, err)
	}
	if err := c.Release(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = c.Claim(ctx, "job-1", "w2")
	if err != nil || !ok {
		t.Fatalf("expected claim after release, got ok=%v err=%v", ok, err)
	}
}

func TestJobClaimerReleaseKeepsAnotherOwnersClaim(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewJobClaimer(rdb, time.Minute)
	ctx := context.Background()

	if ok, err := c.Claim(ctx, "job-2", "w1"); err != nil || !ok {
		t.Fatalf("expected first claim, got ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if ok, err := c.Claim(ctx, "job-2", "w2"); err != nil || !ok {
		t.Fatalf("expected claim after expiry, got ok=%v err=%v", ok, err)
	}

	if err := c.Release(ctx, "job-2", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	owner, err := rdb.Get(ctx, claimKey("job-2")).Result()
	if err != nil || owner != "w2" {
		t.Fatalf("expected w2 to keep the claim, got %q (%v)", owner, err)
	}

	if err := c.Release(ctx, "job-2", "w2"); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
	if mr.Exists(claimKey("job-2")) {
		t.Fatalf("expected claim removed by its owner")
	}
}
