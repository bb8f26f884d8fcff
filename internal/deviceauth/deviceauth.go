package deviceauth

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var (
	ErrInvalidResponse = errors.New("challenge response invalid")
	ErrNoCredential    = errors.New("no device credential available")
)

// Authenticator verifies a device's answer to a challenge. Which scheme
// applies depends on what the device has enrolled: a registered device key
// always wins over the shared channel secret.
type Authenticator interface {
	Kind() string
	Verify(sn, challenge, response string) error
}

// HMACAuthenticator proves possession of the channel secret. The response is
// hex(HMAC-SHA256(secret, sn|challenge)).
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret []byte) *HMACAuthenticator {
	return &HMACAuthenticator{secret: secret}
}

func (a *HMACAuthenticator) Kind() string { return "channel_hmac" }

func (a *HMACAuthenticator) Verify(sn, challenge, response string) error {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(sn))
	mac.Write([]byte("|"))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(response)) {
		return ErrInvalidResponse
	}
	return nil
}

// DeviceKeyAuthenticator proves possession of the device's enrolled private
// key. The response is base64(Ed25519-sign(challenge bytes)).
type DeviceKeyAuthenticator struct {
	pub ed25519.PublicKey
}

func NewDeviceKeyAuthenticator(publicKeyB64 string) (*DeviceKeyAuthenticator, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("malformed device public key")
	}
	return &DeviceKeyAuthenticator{pub: ed25519.PublicKey(raw)}, nil
}

func (a *DeviceKeyAuthenticator) Kind() string { return "device_key" }

func (a *DeviceKeyAuthenticator) Verify(sn, challenge, response string) error {
	sig, err := base64.StdEncoding.DecodeString(response)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidResponse
	}
	if !ed25519.Verify(a.pub, []byte(challenge), sig) {
		return ErrInvalidResponse
	}
	return nil
}

// Select picks the strongest scheme the device supports. Devices that have
// enrolled a key never fall back to the shared channel secret; a compromised
// channel secret must not impersonate an enrolled device.
func Select(devicePublicKey string, channelSecret []byte) (Authenticator, error) {
	if devicePublicKey != "" {
		return NewDeviceKeyAuthenticator(devicePublicKey)
	}
	if len(channelSecret) > 0 {
		return NewHMACAuthenticator(channelSecret), nil
	}
	return nil, ErrNoCredential
}

// ComputeHMACResponse is the client-side half of the HMAC scheme. Used by
// operator tooling and tests.
func ComputeHMACResponse(secret []byte, sn, challenge string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sn))
	mac.Write([]byte("|"))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}
