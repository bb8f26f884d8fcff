package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrBadSignature = errors.New("request signature invalid")
	ErrStaleRequest = errors.New("request timestamp outside allowed skew")
)

// MaxRequestSkew bounds how far a signed request's timestamp may drift from
// server time, either direction. Replays older than this are dead on arrival;
// fresher replays are the challenge store's problem, not ours.
const MaxRequestSkew = 300 * time.Second

// SigningString is what the channel signs: method, path, unix timestamp, and
// the body's sha256, newline separated. The body hash makes the signature
// cover the payload without buffering it twice on the server.
func SigningString(method, path, timestamp string, bodySHA256 []byte) string {
	return fmt.Sprintf("%s\n%s\n%s\n%s", method, path, timestamp, hex.EncodeToString(bodySHA256))
}

// ComputeSignature is the client half, used by operator tooling and tests.
func ComputeSignature(secret []byte, method, path, timestamp string, body []byte) string {
	bodySum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(SigningString(method, path, timestamp, bodySum[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChannelSignature checks the X-Signature header value against the
// channel secret, enforcing the timestamp skew bound first so expired
// requests fail fast without touching the MAC.
func VerifyChannelSignature(secret []byte, method, path, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleRequest
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(MaxRequestSkew.Seconds()) {
		return ErrStaleRequest
	}

	expected := ComputeSignature(secret, method, path, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
