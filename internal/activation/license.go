package activation

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/signer"
)

// License is the signed payload handed to the device. The signature covers
// the canonical JSON of every field except signature itself; devices verify
// against the public key named by pubkey_id.
type License struct {
	SN           string          `json:"sn"`
	IssuedAt     time.Time       `json:"issued_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"` // nil = perpetual
	ChannelCode  string          `json:"channel_code"`
	ActivationID uuid.UUID       `json:"activation_id"`
	Features     json.RawMessage `json:"features,omitempty"`
	Billing      json.RawMessage `json:"billing,omitempty"`
	Nonce        string          `json:"nonce"`
	Issuer       string          `json:"issuer"`
	PubkeyID     string          `json:"pubkey_id"`
	Signature    string          `json:"signature,omitempty"` // base64, detached over canonical payload
}

// sign produces the detached signature and attaches it. The nonce must
// already be set; re-signing the same payload yields the same bytes.
func (l *License) sign(ks *signer.Keyset) error {
	kid, err := ks.SigningKID()
	if err != nil {
		return err
	}
	l.PubkeyID = kid
	l.Signature = ""

	payload, err := signer.Canonical(l)
	if err != nil {
		return err
	}
	sig, err := ks.Sign(payload, kid)
	if err != nil {
		return err
	}
	l.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyLicense checks a signed license document. Used by the status
// endpoint and operator tooling; devices run the same logic client-side.
func VerifyLicense(ks *signer.Keyset, raw json.RawMessage) (bool, error) {
	var l License
	if err := json.Unmarshal(raw, &l); err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(l.Signature)
	if err != nil {
		return false, err
	}
	l.Signature = ""
	payload, err := signer.Canonical(l)
	if err != nil {
		return false, err
	}
	return ks.Verify(payload, sig, l.PubkeyID), nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
