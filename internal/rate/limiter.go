package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds attempt limiter tuning parameters.
type Config struct {
	Prefix      string
	MaxAttempts int
	Cooldown    time.Duration
}

// DefaultConfig allows five failed attempts per identifier in a 15 minute
// window.
func DefaultConfig() Config {
	return Config{
		Prefix:      "jianwen",
		MaxAttempts: 5,
		Cooldown:    15 * time.Minute,
	}
}

// Limiter counts failed sign-in attempts per identifier.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates an attempt [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) (*Limiter, error) {
	if redisClient == nil {
		return nil, errors.New("rate: redis client is nil")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("rate: max attempts must be > 0")
	}
	if cfg.Cooldown <= 0 {
		return nil, errors.New("rate: cooldown must be > 0")
	}
	return &Limiter{redis: redisClient, config: cfg}, nil
}

// Check returns ErrRateLimited when identifier has no attempts left in the
// current window. It does not consume an attempt.
func (l *Limiter) Check(ctx context.Context, identifier string) error {
	count, err := l.Attempts(ctx, identifier)
	if err != nil {
		return err
	}
	if count >= l.config.MaxAttempts {
		return ErrRateLimited
	}
	return nil
}

// Fail records a failed attempt. The attempt that exhausts the window
// returns ErrRateLimited.
func (l *Limiter) Fail(ctx context.Context, identifier string) error {
	key := l.key(identifier)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count >= int64(l.config.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the identifier's window after a successful sign-in.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, l.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the failed attempts recorded in the current window.
// Missing keys return zero and do not reveal account existence.
func (l *Limiter) Attempts(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) key(identifier string) string {
	return l.config.Prefix + ":att:" + identifier
}
