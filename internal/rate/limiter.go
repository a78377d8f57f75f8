package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind selects the counter family.
type Kind string

const (
	KindVerification Kind = "v"
	KindReset        Kind = "r"
	KindPhoneCode    Kind = "p"
)

// Config holds resend throttle tuning parameters.
type Config struct {
	Enabled      bool
	MaxPerWindow int
	Window       time.Duration
	// Prefix namespaces the counters; defaults to "afr".
	Prefix string
}

// Limiter throttles outbound messages (verification emails, reset emails,
// SMS codes) per recipient using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "afr"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Allow counts one dispatch to recipient and reports ErrRateLimited once
// the window budget is spent. A disabled limiter always allows.
func (l *Limiter) Allow(ctx context.Context, kind Kind, recipient string) error {
	if l == nil || !l.config.Enabled || recipient == "" {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, l.key(kind, recipient), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxPerWindow) {
		return ErrRateLimited
	}
	return nil
}

// Remaining returns how many dispatches are left in the current window.
// Missing keys return the full budget.
func (l *Limiter) Remaining(ctx context.Context, kind Kind, recipient string) (int, error) {
	if l == nil || !l.config.Enabled {
		return -1, nil
	}
	count, err := l.redis.Get(ctx, l.key(kind, recipient)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return l.config.MaxPerWindow, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	left := l.config.MaxPerWindow - int(count)
	if left < 0 {
		left = 0
	}
	return left, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func (l *Limiter) key(kind Kind, recipient string) string {
	return l.config.Prefix + ":" + string(kind) + ":" + strings.ToLower(strings.TrimSpace(recipient))
}
