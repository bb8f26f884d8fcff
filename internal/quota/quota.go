package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrExceeded         = errors.New("quota exceeded")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

type Scope string

const (
	ScopeChannelDay Scope = "channel_day"
	ScopeDevice     Scope = "device"
	ScopeGlobalIP   Scope = "ip"
)

type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time // When the window resets
	RetryAfter int       // Seconds
	Allowed    bool
}

type WindowConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Enforcer counts admissions in redis windows. Channel daily quotas use
// calendar-day buckets (UTC) so "per day" means the same thing on every
// server; per-device and per-IP throttles use rolling TTL buckets.
type Enforcer struct {
	client *redis.Client
	salt   string // For IP hashing stability
}

func NewEnforcer(client *redis.Client, salt string) *Enforcer {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Enforcer{client: client, salt: salt}
}

// HashIP creates a privacy-safe hash of the IP
func (e *Enforcer) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + e.salt))
	return hex.EncodeToString(hash[:])
}

// Atomic INCR and set expire if new. The key either exists with a TTL or is
// created with one; no window can leak and count forever.
var admitScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// CheckWindow admits the request into a rolling TTL bucket. The first hit
// opens the window; it closes Window later regardless of traffic.
func (e *Enforcer) CheckWindow(ctx context.Context, scope Scope, key string, cfg WindowConfig) (*Decision, error) {
	redisKey := fmt.Sprintf("quota:%s:%s", scope, key)
	count, err := admitScript.Run(ctx, e.client, []string{redisKey}, cfg.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}
	return e.decide(scope, count, cfg.Limit, time.Now().Add(cfg.Window)), nil
}

// AdmitChannelDay admits one activation against the channel's daily quota.
// Buckets are aligned to UTC calendar days, so the window resets at midnight
// UTC, not N hours after the first activation.
func (e *Enforcer) AdmitChannelDay(ctx context.Context, channelCode string, limit int) (*Decision, error) {
	if limit <= 0 {
		// Zero means unlimited for this channel.
		return &Decision{Scope: ScopeChannelDay, Limit: 0, Remaining: -1, Allowed: true}, nil
	}

	now := time.Now().UTC()
	day := now.Format("20060102")
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	ttl := time.Until(midnight) + time.Minute // small grace past midnight

	redisKey := fmt.Sprintf("quota:day:%s:%s", channelCode, day)
	count, err := admitScript.Run(ctx, e.client, []string{redisKey}, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	d := e.decide(ScopeChannelDay, count, limit, midnight)
	if !d.Allowed {
		d.RetryAfter = int(time.Until(midnight).Seconds())
	}
	return d, nil
}

// Decrement only while the bucket exists. A refund landing after the key's
// TTL lapsed would otherwise mint a stray -1 with no expiry and grant an
// extra admission when the same day key recurs.
var releaseScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	return redis.call("DECR", KEYS[1])
`)

// Release undoes one daily admission. Used when issuance fails after the
// quota was already charged, so a storage hiccup does not eat the quota.
func (e *Enforcer) Release(ctx context.Context, channelCode string) error {
	day := time.Now().UTC().Format("20060102")
	redisKey := fmt.Sprintf("quota:day:%s:%s", channelCode, day)
	return releaseScript.Run(ctx, e.client, []string{redisKey}).Err()
}

func (e *Enforcer) decide(scope Scope, count, limit int, reset time.Time) *Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Scope:      scope,
		Limit:      limit,
		Remaining:  remaining,
		Reset:      reset,
		RetryAfter: int(time.Until(reset).Seconds()),
		Allowed:    count <= limit,
	}
}
