package auth_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yingzhisoft/license-server/internal/auth"
)

func TestVerifyChannelSignature(t *testing.T) {
	secret := []byte("channel-secret")
	now := time.Unix(1700000000, 0)
	ts := fmt.Sprintf("%d", now.Unix())
	body := []byte(`{"sn":"S1"}`)

	sig := auth.ComputeSignature(secret, "POST", "/api/v1/activate", ts, body)
	require.NoError(t, auth.VerifyChannelSignature(secret, "POST", "/api/v1/activate", ts, sig, body, now))

	// Any component changing breaks the MAC.
	require.ErrorIs(t,
		auth.VerifyChannelSignature(secret, "GET", "/api/v1/activate", ts, sig, body, now),
		auth.ErrBadSignature)
	require.ErrorIs(t,
		auth.VerifyChannelSignature(secret, "POST", "/api/v1/other", ts, sig, body, now),
		auth.ErrBadSignature)
	require.ErrorIs(t,
		auth.VerifyChannelSignature(secret, "POST", "/api/v1/activate", ts, sig, []byte(`{"sn":"S2"}`), now),
		auth.ErrBadSignature)
	require.ErrorIs(t,
		auth.VerifyChannelSignature([]byte("other-secret"), "POST", "/api/v1/activate", ts, sig, body, now),
		auth.ErrBadSignature)
}

func TestVerifyChannelSignature_Skew(t *testing.T) {
	secret := []byte("channel-secret")
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)

	// 4 minutes of drift is tolerated either way.
	for _, drift := range []time.Duration{-4 * time.Minute, 4 * time.Minute} {
		ts := fmt.Sprintf("%d", now.Add(drift).Unix())
		sig := auth.ComputeSignature(secret, "POST", "/p", ts, body)
		require.NoError(t, auth.VerifyChannelSignature(secret, "POST", "/p", ts, sig, body, now))
	}

	// 6 minutes is not, even with a valid MAC.
	ts := fmt.Sprintf("%d", now.Add(-6*time.Minute).Unix())
	sig := auth.ComputeSignature(secret, "POST", "/p", ts, body)
	require.ErrorIs(t, auth.VerifyChannelSignature(secret, "POST", "/p", ts, sig, body, now), auth.ErrStaleRequest)

	// Garbage timestamp.
	require.ErrorIs(t, auth.VerifyChannelSignature(secret, "POST", "/p", "yesterday", sig, body, now), auth.ErrStaleRequest)
}
