package totp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrReplayed = errors.New("totp code already used")

// Guard blocks replay of an accepted code for the rest of its validity
// window. It remembers the highest accepted step per identity; any candidate
// at or below that step is rejected until the key expires.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGuard(client *redis.Client, step time.Duration, window int) *Guard {
	// Keep the marker alive long enough to outlast the whole accept window.
	ttl := step * time.Duration(2*(window+1))
	return &Guard{client: client, ttl: ttl}
}

// markScript accepts the candidate step only when it is strictly greater
// than the last accepted one. Returns 1 on accept, 0 on replay.
var markScript = redis.NewScript(`
	local last = redis.call("GET", KEYS[1])
	if last ~= false and tonumber(ARGV[1]) <= tonumber(last) then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
`)

// MarkUsed records the accepted step for the identity. Call it only after
// the code itself verified; ErrReplayed means the same or an older code was
// already spent this window.
func (g *Guard) MarkUsed(ctx context.Context, id string, step int64) error {
	key := fmt.Sprintf("totp_used:%s", id)
	res, err := markScript.Run(ctx, g.client, []string{key}, step, g.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrReplayed
	}
	return nil
}
