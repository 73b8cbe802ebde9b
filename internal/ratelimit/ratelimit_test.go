package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockerExcludesUntilReleaseOrExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.now = func() time.Time { return now }

	token, ok, err := locker.TryLock(ctx, "renewal", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := locker.TryLock(ctx, "renewal", time.Minute); ok {
		t.Fatalf("expected second lock to fail while held")
	}
	if err := locker.Release(ctx, "renewal", "wrong-token"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "renewal", time.Minute); ok {
		t.Fatalf("expected release with wrong token to keep the lock")
	}
	if err := locker.Release(ctx, "renewal", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "renewal", time.Minute); !ok {
		t.Fatalf("expected lock after release")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := locker.TryLock(ctx, "renewal", time.Minute); !ok {
		t.Fatalf("expected expired lock to be reclaimable")
	}
}

func TestLocalLockerValidates(t *testing.T) {
	locker := NewLocalLocker()
	if _, _, err := locker.TryLock(context.Background(), "", time.Minute); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, _, err := locker.TryLock(context.Background(), "k", 0); err == nil {
		t.Fatalf("expected ttl error")
	}
}

func TestLocalLimiterBurstAndRefill(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewLocalLimiter(1.0/30.0, 2)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "a@example.com")
		if err != nil || !res.Allowed {
			t.Fatalf("expected send %d allowed, res=%+v err=%v", i, res, err)
		}
	}
	res, _ := limiter.Allow(ctx, "a@example.com")
	if res.Allowed {
		t.Fatalf("expected third send denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected retry-after, got %v", res.RetryAfter)
	}

	other, _ := limiter.Allow(ctx, "b@example.com")
	if !other.Allowed {
		t.Fatalf("expected independent key to be allowed")
	}

	now = now.Add(31 * time.Second)
	res, _ = limiter.Allow(ctx, "a@example.com")
	if !res.Allowed {
		t.Fatalf("expected refill after 31s")
	}
}

func TestDefaultBucketTTL(t *testing.T) {
	if got := defaultBucketTTL(1, 3); got != 6*time.Second {
		t.Fatalf("expected 6s, got %v", got)
	}
	if got := defaultBucketTTL(0, 3); got != time.Second {
		t.Fatalf("expected 1s fallback, got %v", got)
	}
}
