package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TieredConfig defines tiered rate limiting configuration
type TieredConfig struct {
	// KeyPrefix namespaces every counter, e.g. "dca:"
	KeyPrefix      string
	GlobalLimit    int64
	GlobalWindow   time.Duration
	IPLimit        int64
	IPWindow       time.Duration
	UserLimit      int64
	UserWindow     time.Duration
	EndpointLimits map[string]EndpointLimit
}

// EndpointLimit caps one route per caller, keyed "METHOD /full/path"
type EndpointLimit struct {
	Limit  int64
	Window time.Duration
}

// TieredLimiter implements multi-tier sliding window rate limiting on Redis
type TieredLimiter struct {
	redis  *redis.Client
	config TieredConfig
	logger *zap.Logger
	seq    uint64
	now    func() time.Time
}

func NewTieredLimiter(client *redis.Client, config TieredConfig, logger *zap.Logger) *TieredLimiter {
	return &TieredLimiter{
		redis:  client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	LimitedBy  string
}

type tier struct {
	name   string
	key    string
	limit  int64
	window time.Duration
}

func (l *TieredLimiter) tiers(ip, userID, endpoint string) []tier {
	var tiers []tier
	if l.config.GlobalLimit > 0 {
		tiers = append(tiers, tier{"global", "all", l.config.GlobalLimit, l.config.GlobalWindow})
	}
	if l.config.IPLimit > 0 && ip != "" {
		tiers = append(tiers, tier{"ip", ip, l.config.IPLimit, l.config.IPWindow})
	}
	if l.config.UserLimit > 0 && userID != "" {
		tiers = append(tiers, tier{"user", userID, l.config.UserLimit, l.config.UserWindow})
	}
	if el, ok := l.config.EndpointLimits[endpoint]; ok && el.Limit > 0 {
		caller := userID
		if caller == "" {
			caller = ip
		}
		tiers = append(tiers, tier{"endpoint", endpoint + ":" + caller, el.Limit, el.Window})
	}
	return tiers
}

// Check evaluates the global, IP, user and endpoint tiers in order and stops
// at the first exhausted one. Denied requests are not counted against later
// windows.
func (l *TieredLimiter) Check(ctx context.Context, ip, userID, endpoint string) (*CheckResult, error) {
	remaining := int64(-1)
	for _, t := range l.tiers(ip, userID, endpoint) {
		allowed, left, resetAt, err := l.checkLimit(ctx, t)
		if err != nil {
			return nil, err
		}
		if !allowed {
			l.logger.Debug("Rate limit exceeded",
				zap.String("tier", t.name),
				zap.String("key", t.key))
			retryAfter := resetAt.Sub(l.now())
			if retryAfter < 0 {
				retryAfter = 0
			}
			return &CheckResult{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: retryAfter,
				LimitedBy:  t.name,
			}, nil
		}
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}

	return &CheckResult{Allowed: true, Remaining: remaining}, nil
}

// checkLimit keeps one sorted set per tier key scored by request time. The
// oldest entry inside the window decides when the next slot frees up.
func (l *TieredLimiter) checkLimit(ctx context.Context, t tier) (bool, int64, time.Time, error) {
	key := l.config.KeyPrefix + "ratelimit:" + t.name + ":" + t.key
	now := l.now()
	windowStart := strconv.FormatInt(now.Add(-t.window).UnixNano(), 10)

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", "("+windowStart)
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	if count >= t.limit {
		resetAt := now.Add(t.window)
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(t.window)
		}
		return false, 0, resetAt, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), atomic.AddUint64(&l.seq, 1))
	pipe = l.redis.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.PExpire(ctx, key, t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit record failed: %w", err)
	}

	return true, t.limit - count - 1, now.Add(t.window), nil
}
