package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRequired = errors.New("mfa verification required")

const DefaultGrantTTL = 5 * time.Minute

// Gate hands out short-lived, single-use grants for sensitive operations.
// A verified TOTP or backup code buys exactly one execution of one named
// operation within the TTL.
type Gate struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGate(client *redis.Client, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Gate{client: client, ttl: ttl}
}

func grantKey(id, op string) string {
	return fmt.Sprintf("mfa:grant:%s:%s", id, op)
}

// Grant records a verified MFA for the operation.
func (g *Gate) Grant(ctx context.Context, id, op string) error {
	return g.client.Set(ctx, grantKey(id, op), time.Now().UTC().Format(time.RFC3339), g.ttl).Err()
}

// Require consumes the grant. One grant covers one execution; a second call
// without a fresh verification fails with ErrRequired.
func (g *Gate) Require(ctx context.Context, id, op string) error {
	_, err := g.client.GetDel(ctx, grantKey(id, op)).Result()
	if err == redis.Nil {
		return ErrRequired
	}
	return err
}
