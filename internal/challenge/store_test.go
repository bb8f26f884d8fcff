package challenge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/yingzhisoft/license-server/internal/challenge"
)

func newStore(t *testing.T) (*challenge.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return challenge.NewStore(rdb, time.Minute), mr
}

func TestIssueConsume(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	ch, expiresAt, err := s.Issue(ctx, "S123456789", "CH_ABC_2025")
	require.NoError(t, err)
	require.NotEmpty(t, ch)
	require.True(t, expiresAt.After(time.Now()))

	remaining, err := s.Consume(ctx, "S123456789", "CH_ABC_2025", ch)
	require.NoError(t, err)
	require.Greater(t, remaining, time.Duration(0))

	// Second use of the same challenge must fail
	_, err = s.Consume(ctx, "S123456789", "CH_ABC_2025", ch)
	require.ErrorIs(t, err, challenge.ErrExpired)
}

func TestConsume_Mismatch(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	ch, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)

	_, err = s.Consume(ctx, "S1", "CH1", "not-the-challenge")
	require.ErrorIs(t, err, challenge.ErrMismatch)

	// A mismatch does not burn the real challenge
	_, err = s.Consume(ctx, "S1", "CH1", ch)
	require.NoError(t, err)
}

func TestConsume_Expired(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	ch, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = s.Consume(ctx, "S1", "CH1", ch)
	require.ErrorIs(t, err, challenge.ErrExpired)
}

func TestConsume_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	ch, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "S1", "CH1", ch); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count, "exactly one consumer must win")
}

func TestIssue_ReplacesOutstanding(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	old, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)
	fresh, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)

	// The replaced challenge is a mismatch, not a valid credential
	_, err = s.Consume(ctx, "S1", "CH1", old)
	require.ErrorIs(t, err, challenge.ErrMismatch)
	_, err = s.Consume(ctx, "S1", "CH1", fresh)
	require.NoError(t, err)
}

func TestRestore_ResurrectsConsumed(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	ch, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)

	mr.FastForward(20 * time.Second)
	remaining, err := s.Consume(ctx, "S1", "CH1", ch)
	require.NoError(t, err)
	require.LessOrEqual(t, remaining, 40*time.Second)

	require.NoError(t, s.Restore(ctx, "S1", "CH1", ch, remaining))

	// The restored challenge is spendable again, with the clock it had left.
	got, err := s.Consume(ctx, "S1", "CH1", ch)
	require.NoError(t, err)
	require.LessOrEqual(t, got, remaining)
}

func TestRestore_KeepsNewerChallenge(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	old, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)
	remaining, err := s.Consume(ctx, "S1", "CH1", old)
	require.NoError(t, err)

	// A fresh challenge lands between the consume and the restore.
	fresh, _, err := s.Issue(ctx, "S1", "CH1")
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, "S1", "CH1", old, remaining))

	// The restore must not clobber the newer challenge.
	_, err = s.Consume(ctx, "S1", "CH1", old)
	require.ErrorIs(t, err, challenge.ErrMismatch)
	_, err = s.Consume(ctx, "S1", "CH1", fresh)
	require.NoError(t, err)
}
