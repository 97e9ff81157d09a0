package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/rail-service/dca_service/internal/infrastructure/config"
)

// releaseScript deletes the lease only if it still carries the caller's token
var releaseScript = redisv9.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a per-key mutual exclusion backed by SET NX PX
type RedisLease struct {
	client redisv9.UniversalClient
	prefix string
}

// NewLeaseClient connects the lease store to the configured Redis
func NewLeaseClient(ctx context.Context, cfg *config.RedisConfig) (*redisv9.Client, error) {
	var opts *redisv9.Options
	if cfg.URL != "" {
		parsed, err := redisv9.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redisv9.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redisv9.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping lease redis: %w", err)
	}
	return client, nil
}

// NewRedisLease creates a Redis-backed lease
func NewRedisLease(client redisv9.UniversalClient, prefix string) *RedisLease {
	return &RedisLease{client: client, prefix: prefix}
}

// Acquire takes the lease for ttl. acquired is false when another holder has it.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lease if token still owns it
func (l *RedisLease) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil && err != redisv9.Nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

type leaseEntry struct {
	token   string
	expires time.Time
}

// MemoryLease is an in-process lease for single-instance deployments and tests
type MemoryLease struct {
	mu      sync.Mutex
	entries map[string]leaseEntry
	now     func() time.Time
}

// NewMemoryLease creates an in-process lease
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{
		entries: make(map[string]leaseEntry),
		now:     time.Now,
	}
}

// Acquire takes the lease unless an unexpired holder exists
func (l *MemoryLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.entries[key] = leaseEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release frees the lease if token still owns it
func (l *MemoryLease) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[key]; ok && entry.token == token {
		delete(l.entries, key)
	}
	return nil
}
