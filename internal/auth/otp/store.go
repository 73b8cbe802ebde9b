package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tierline/internal/clock"
)

var ErrNotFound = errors.New("otp_not_found")

// Store is an expirable key-value store for short-lived verification state.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Delete(ctx context.Context, key string) error
}

// NewStore prefers redis so codes survive restarts and are shared across replicas.
func NewStore(client *redis.Client, clk clock.Clock) Store {
	if client == nil {
		return NewMemoryStore(clk)
	}
	return &RedisStore{client: client}
}

type RedisStore struct {
	client *redis.Client
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the value and its remaining time to live.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := s.client.TxPipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	value, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, err
	}
	return value, ttlCmd.Val(), nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store used when redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, entries: map[string]memoryEntry{}}
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	remaining := entry.expiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		delete(s.entries, key)
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), entry.value...), remaining, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
