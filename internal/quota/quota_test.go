package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/yingzhisoft/license-server/internal/quota"
)

func newEnforcer(t *testing.T) (*quota.Enforcer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return quota.NewEnforcer(rdb, "test-salt"), mr
}

func TestAdmitChannelDay_LimitOfTwo(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	d, err := e.AdmitChannelDay(ctx, "CH_ABC_2025", 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, err = e.AdmitChannelDay(ctx, "CH_ABC_2025", 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	// Third activation today is over quota.
	d, err = e.AdmitChannelDay(ctx, "CH_ABC_2025", 2)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Greater(t, d.RetryAfter, 0)
}

func TestAdmitChannelDay_Unlimited(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d, err := e.AdmitChannelDay(ctx, "CH_FREE", 0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestAdmitChannelDay_IndependentChannels(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	d, err := e.AdmitChannelDay(ctx, "CH_A", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = e.AdmitChannelDay(ctx, "CH_A", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// CH_B still has its own budget.
	d, err = e.AdmitChannelDay(ctx, "CH_B", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRelease_RefundsAdmission(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	d, err := e.AdmitChannelDay(ctx, "CH_A", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, e.Release(ctx, "CH_A"))

	d, err = e.AdmitChannelDay(ctx, "CH_A", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed, "released slot is usable again")
}

func TestRelease_MissingBucketIsNoop(t *testing.T) {
	e, mr := newEnforcer(t)
	ctx := context.Background()

	// A refund after the bucket's TTL lapsed must not mint a stray negative
	// counter that survives into the next occurrence of the same day key.
	require.NoError(t, e.Release(ctx, "CH_A"))

	day := time.Now().UTC().Format("20060102")
	require.False(t, mr.Exists("quota:day:CH_A:"+day))

	// The budget is unchanged: one slot means exactly one admission.
	d, err := e.AdmitChannelDay(ctx, "CH_A", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = e.AdmitChannelDay(ctx, "CH_A", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestCheckWindow_RollingBucket(t *testing.T) {
	e, mr := newEnforcer(t)
	ctx := context.Background()
	cfg := quota.WindowConfig{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := e.CheckWindow(ctx, quota.ScopeDevice, "S123", cfg)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := e.CheckWindow(ctx, quota.ScopeDevice, "S123", cfg)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mr.FastForward(2 * time.Minute)
	d, err = e.CheckWindow(ctx, quota.ScopeDevice, "S123", cfg)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestCheckWindow_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	e := quota.NewEnforcer(rdb, "salt")
	mr.Close()

	_, err = e.CheckWindow(context.Background(), quota.ScopeGlobalIP, "1.2.3.4", quota.WindowConfig{Limit: 1, Window: time.Minute})
	require.ErrorIs(t, err, quota.ErrRedisUnavailable)
}

func TestHashIP_StableAndSalted(t *testing.T) {
	e1 := quota.NewEnforcer(nil, "salt-a")
	e2 := quota.NewEnforcer(nil, "salt-b")

	require.Equal(t, e1.HashIP("10.0.0.1"), e1.HashIP("10.0.0.1"))
	require.NotEqual(t, e1.HashIP("10.0.0.1"), e2.HashIP("10.0.0.1"))
}
