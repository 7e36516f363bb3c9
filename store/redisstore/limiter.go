package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/stepup"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 5
	defaultCooldown    = time.Minute
	attemptKeyPrefix   = "stepup:att:"
)

// AttemptLimiter is a fixed-window TOTP attempt budget per admin, kept in redis counters.
//
// The window starts on the first failure and lasts Cooldown. Once MaxAttempts failures
// are recorded, Check returns stepup.ErrTOTPRateLimited until the key expires or Reset is
// called after a successful verification.
type AttemptLimiter struct {
	redis       redis.UniversalClient
	maxAttempts int64
	cooldown    time.Duration
}

// NewAttemptLimiter creates a limiter from the engine's TOTP settings. Zero values fall
// back to 5 attempts per minute.
func NewAttemptLimiter(client redis.UniversalClient, cfg stepup.TOTPConfig) *AttemptLimiter {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = defaultMaxAttempts
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = defaultCooldown
	}
	return &AttemptLimiter{redis: client, maxAttempts: int64(max), cooldown: cd}
}

func attemptKey(adminID int64) string {
	return attemptKeyPrefix + strconv.FormatInt(adminID, 10)
}

// Check implements stepup.AttemptLimiter.
func (l *AttemptLimiter) Check(ctx context.Context, adminID int64) error {
	count, err := l.redis.Get(ctx, attemptKey(adminID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", stepup.ErrTOTPUnavailable, err)
	}
	if count >= l.maxAttempts {
		return stepup.ErrTOTPRateLimited
	}
	return nil
}

// RecordFailure implements stepup.AttemptLimiter. It returns ErrTOTPRateLimited when this
// failure spends the last attempt.
func (l *AttemptLimiter) RecordFailure(ctx context.Context, adminID int64) error {
	key := attemptKey(adminID)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", stepup.ErrTOTPUnavailable, err)
	}
	// Fixed window: only the first failure sets the TTL.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", stepup.ErrTOTPUnavailable, err)
		}
	}
	if count >= l.maxAttempts {
		return stepup.ErrTOTPRateLimited
	}
	return nil
}

// Reset implements stepup.AttemptLimiter.
func (l *AttemptLimiter) Reset(ctx context.Context, adminID int64) error {
	if err := l.redis.Del(ctx, attemptKey(adminID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", stepup.ErrTOTPUnavailable, err)
	}
	return nil
}

// Remaining returns how many failures are left in the current window.
func (l *AttemptLimiter) Remaining(ctx context.Context, adminID int64) (int, error) {
	count, err := l.redis.Get(ctx, attemptKey(adminID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return int(l.maxAttempts), nil
		}
		return 0, fmt.Errorf("%w: %v", stepup.ErrTOTPUnavailable, err)
	}
	if count >= l.maxAttempts {
		return 0, nil
	}
	return int(l.maxAttempts - count), nil
}
