package deviceauth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yingzhisoft/license-server/internal/deviceauth"
)

func TestHMACAuthenticator(t *testing.T) {
	secret := []byte("channel-shared-secret")
	a := deviceauth.NewHMACAuthenticator(secret)
	require.Equal(t, "channel_hmac", a.Kind())

	resp := deviceauth.ComputeHMACResponse(secret, "S1", "chal-123")
	require.NoError(t, a.Verify("S1", "chal-123", resp))

	// Wrong SN, wrong challenge, wrong secret all fail.
	require.ErrorIs(t, a.Verify("S2", "chal-123", resp), deviceauth.ErrInvalidResponse)
	require.ErrorIs(t, a.Verify("S1", "chal-999", resp), deviceauth.ErrInvalidResponse)
	other := deviceauth.ComputeHMACResponse([]byte("different"), "S1", "chal-123")
	require.ErrorIs(t, a.Verify("S1", "chal-123", other), deviceauth.ErrInvalidResponse)
}

func TestDeviceKeyAuthenticator(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a, err := deviceauth.NewDeviceKeyAuthenticator(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	require.Equal(t, "device_key", a.Kind())

	challenge := "chal-abc"
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(challenge)))
	require.NoError(t, a.Verify("S1", challenge, sig))

	require.ErrorIs(t, a.Verify("S1", "other", sig), deviceauth.ErrInvalidResponse)
	require.ErrorIs(t, a.Verify("S1", challenge, "garbage"), deviceauth.ErrInvalidResponse)
}

func TestDeviceKeyAuthenticator_BadKey(t *testing.T) {
	_, err := deviceauth.NewDeviceKeyAuthenticator("not-base64!!")
	require.Error(t, err)
	_, err = deviceauth.NewDeviceKeyAuthenticator(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestSelect_Precedence(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	secret := []byte("channel-secret")

	// Enrolled key wins even when the channel secret is present.
	a, err := deviceauth.Select(pubB64, secret)
	require.NoError(t, err)
	require.Equal(t, "device_key", a.Kind())

	// The channel HMAC must not satisfy a device-key check.
	hmacResp := deviceauth.ComputeHMACResponse(secret, "S1", "chal")
	require.Error(t, a.Verify("S1", "chal", hmacResp))
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("chal")))
	require.NoError(t, a.Verify("S1", "chal", sig))

	// No key enrolled falls back to the shared secret.
	a, err = deviceauth.Select("", secret)
	require.NoError(t, err)
	require.Equal(t, "channel_hmac", a.Kind())

	// Nothing enrolled at all.
	_, err = deviceauth.Select("", nil)
	require.ErrorIs(t, err, deviceauth.ErrNoCredential)
}
