package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrExpired  = errors.New("challenge expired or never issued")
	ErrMismatch = errors.New("challenge mismatch")
)

const DefaultTTL = 5 * time.Minute

// Store issues single-use device challenges backed by redis. TTL handles
// expiry; consumption is an atomic compare-and-delete so at most one caller
// wins even across multiple server instances.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func key(sn, channelCode string) string {
	return fmt.Sprintf("challenge:%s:%s", sn, channelCode)
}

// Issue stores a fresh random challenge for (sn, channel), replacing any
// outstanding one. Values are 32 bytes of crypto/rand, unguessable.
func (s *Store) Issue(ctx context.Context, sn, channelCode string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	value := base64.RawURLEncoding.EncodeToString(buf)

	expiresAt := time.Now().UTC().Add(s.ttl)
	if err := s.client.Set(ctx, key(sn, channelCode), value, s.ttl).Err(); err != nil {
		return "", time.Time{}, err
	}
	return value, expiresAt, nil
}

// consumeScript deletes the key only when the stored value matches the
// submitted challenge. Returns the remaining TTL in ms on win, -1 on
// mismatch, -2 on missing.
var consumeScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		return -2
	end
	if current ~= ARGV[1] then
		return -1
	end
	local ttl = redis.call("PTTL", KEYS[1])
	redis.call("DEL", KEYS[1])
	if ttl < 0 then
		ttl = 0
	end
	return ttl
`)

// Consume invalidates the challenge if it matches. The caller verifies the
// device's response first; only a matching submission spends the challenge,
// and of concurrent matching submissions exactly one succeeds. The returned
// duration is what was left on the clock, for Restore.
func (s *Store) Consume(ctx context.Context, sn, channelCode, challenge string) (time.Duration, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{key(sn, channelCode)}, challenge).Int()
	if err != nil {
		return 0, err
	}
	switch {
	case res >= 0:
		return time.Duration(res) * time.Millisecond, nil
	case res == -1:
		return 0, ErrMismatch
	default:
		return 0, ErrExpired
	}
}

// Restore puts a consumed challenge back with the TTL it had left. Used when
// issuance fails after the consume, so the spend commits only together with
// a signed license. NX keeps a challenge issued in the meantime intact.
func (s *Store) Restore(ctx context.Context, sn, channelCode, challenge string, remaining time.Duration) error {
	if remaining <= 0 {
		remaining = s.ttl
	}
	return s.client.SetNX(ctx, key(sn, channelCode), challenge, remaining).Err()
}

// Peek returns the outstanding challenge without consuming it. Used by the
// engine to verify the device response before the atomic consume.
func (s *Store) Peek(ctx context.Context, sn, channelCode string) (string, error) {
	val, err := s.client.Get(ctx, key(sn, channelCode)).Result()
	if err == redis.Nil {
		return "", ErrExpired
	}
	if err != nil {
		return "", err
	}
	return val, nil
}
