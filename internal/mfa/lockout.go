package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("mfa locked out")

const (
	DefaultMaxFailures     = 5
	DefaultLockoutDuration = 15 * time.Minute
)

// Lockout throttles MFA guessing. Failures accumulate in a redis counter
// that decays on its own; crossing the threshold locks the identity until
// the counter expires.
type Lockout struct {
	client      *redis.Client
	maxFailures int
	duration    time.Duration
}

func NewLockout(client *redis.Client, maxFailures int, duration time.Duration) *Lockout {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	return &Lockout{client: client, maxFailures: maxFailures, duration: duration}
}

func failKey(id string) string { return fmt.Sprintf("mfa:fail:%s", id) }

// RecordFailure bumps the counter and reports whether the identity just
// crossed the lockout threshold.
func (l *Lockout) RecordFailure(ctx context.Context, id string) (locked bool, err error) {
	key := failKey(id)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.client.Expire(ctx, key, l.duration)
	}
	return count >= int64(l.maxFailures), nil
}

// IsLocked reports whether the identity has exhausted its attempts.
func (l *Lockout) IsLocked(ctx context.Context, id string) (bool, error) {
	count, err := l.client.Get(ctx, failKey(id)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return count >= int64(l.maxFailures), nil
}

// Reset clears the counter after a successful verification.
func (l *Lockout) Reset(ctx context.Context, id string) error {
	return l.client.Del(ctx, failKey(id)).Err()
}
