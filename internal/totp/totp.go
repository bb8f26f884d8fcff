package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidCode = errors.New("totp code invalid")
	ErrClockSkew   = errors.New("totp code outside accepted window")
	ErrBadSecret   = errors.New("totp secret malformed")
)

const (
	DefaultStep   = 30 * time.Second
	DefaultDigits = 6
	DefaultWindow = 1 // accepted drift in steps, each side
)

// Verifier implements RFC 6238 with a configurable acceptance window.
// A code matching inside the window verifies; a code that matches only in a
// wider scan is reported as clock skew so callers can tell a drifting client
// from a wrong code.
type Verifier struct {
	Step   time.Duration
	Digits int
	Window int
}

func NewVerifier(step time.Duration, digits, window int) *Verifier {
	if step <= 0 {
		step = DefaultStep
	}
	if digits <= 0 {
		digits = DefaultDigits
	}
	if window < 0 {
		window = DefaultWindow
	}
	return &Verifier{Step: step, Digits: digits, Window: window}
}

// GenerateSecret returns a fresh base32 seed (32 random bytes).
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// ProvisioningURI renders the otpauth:// URI authenticator apps enroll from.
func (v *Verifier) ProvisioningURI(secret, account, issuer string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("digits", fmt.Sprintf("%d", v.Digits))
	q.Set("period", fmt.Sprintf("%d", int(v.Step.Seconds())))
	return fmt.Sprintf("otpauth://totp/%s:%s?%s", url.PathEscape(issuer), url.PathEscape(account), q.Encode())
}

// StepAt returns the counter value for a given instant.
func (v *Verifier) StepAt(at time.Time) int64 {
	return at.Unix() / int64(v.Step.Seconds())
}

// Verify checks the code at the given instant. On success it returns the
// absolute step the code matched (for the replay guard). A match found only
// outside the window but within the skew scan returns ErrClockSkew.
func (v *Verifier) Verify(secret, code string, at time.Time) (int64, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return 0, ErrBadSecret
	}
	if len(code) != v.Digits {
		return 0, ErrInvalidCode
	}

	base := v.StepAt(at)
	for delta := -v.Window; delta <= v.Window; delta++ {
		step := base + int64(delta)
		if subtle.ConstantTimeCompare([]byte(hotp(key, uint64(step), v.Digits)), []byte(code)) == 1 {
			return step, nil
		}
	}

	// Scan a wider band to classify drift beyond the window.
	skewScan := v.Window + 2
	for delta := -skewScan; delta <= skewScan; delta++ {
		if delta >= -v.Window && delta <= v.Window {
			continue
		}
		step := base + int64(delta)
		if subtle.ConstantTimeCompare([]byte(hotp(key, uint64(step), v.Digits)), []byte(code)) == 1 {
			return 0, ErrClockSkew
		}
	}
	return 0, ErrInvalidCode
}

// At computes the code for an instant. Used by cmd/totpgen and tests.
func (v *Verifier) At(secret string, at time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", ErrBadSecret
	}
	return hotp(key, uint64(v.StepAt(at)), v.Digits), nil
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(secret))
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(normalized, "="))
}

// hotp is RFC 4226 dynamic truncation over HMAC-SHA1.
func hotp(key []byte, counter uint64, digits int) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}
