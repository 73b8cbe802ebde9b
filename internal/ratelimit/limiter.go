package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tierline/internal/config"
)

// Limiter applies a fixed rate and burst to arbitrary keys.
type Limiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
}

// OTPSendLimiter throttles OTP deliveries per contact.
type OTPSendLimiter Limiter

func NewOTPSendLimiter(cfg config.Config, client *redis.Client) OTPSendLimiter {
	rate := cfg.Auth.OTPSendRate
	burst := cfg.Auth.OTPSendBurst
	if rate <= 0 {
		rate = 1.0 / 30.0
	}
	if burst <= 0 {
		burst = 3
	}
	if client == nil {
		return NewLocalLimiter(rate, burst)
	}
	return &bucketLimiter{bucket: NewTokenBucket(client), prefix: "otp:send:", rate: rate, burst: burst}
}

type bucketLimiter struct {
	bucket *TokenBucket
	prefix string
	rate   float64
	burst  int
}

func (l *bucketLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return l.bucket.Allow(ctx, l.prefix+key, l.rate, l.burst)
}

type localBucket struct {
	tokens float64
	ts     time.Time
}

// LocalLimiter mirrors the redis token bucket in memory.
type LocalLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   int
	buckets map[string]*localBucket
	now     func() time.Time
}

func NewLocalLimiter(rate float64, burst int) *LocalLimiter {
	return &LocalLimiter{rate: rate, burst: burst, buckets: map[string]*localBucket{}, now: time.Now}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	if err := validateBucket(key, l.rate, l.burst); err != nil {
		return &RateLimitResult{Allowed: false}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{tokens: float64(l.burst), ts: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.ts).Seconds()
		if elapsed > 0 {
			b.tokens = minFloat(float64(l.burst), b.tokens+elapsed*l.rate)
		}
		b.ts = now
	}

	allowed := false
	if b.tokens >= 1 {
		allowed = true
		b.tokens--
	}
	return newResult(allowed, b.tokens, l.rate, l.burst), nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
