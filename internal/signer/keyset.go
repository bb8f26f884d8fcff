package signer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// MaxKeysetSizeBytes - 64KB bound on the keyset file
const MaxKeysetSizeBytes = 64 * 1024

var (
	ErrKeyUnavailable = errors.New("signing key missing or retired")
	ErrUnknownKey     = errors.New("unknown key id")
)

// KeysetFile is the on-disk JSON structure. Retired keys keep their public
// half (signing=false) so previously issued licenses still verify.
type KeysetFile struct {
	SigningKID string        `json:"signing_kid"`
	Keys       []KeysetEntry `json:"keys"`
}

type KeysetEntry struct {
	KID     string `json:"kid"`
	Public  string `json:"public"`            // Base64, Ed25519 public key
	Private string `json:"private,omitempty"` // Base64, absent on verify-only hosts
	Signing bool   `json:"signing"`           // eligible for new signatures
}

type keyEntry struct {
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey // nil when verify-only
	signing bool
}

// Keyset maps key IDs to signing/verification capabilities. Verification
// always looks the key up by the pubkey_id carried in the payload; there is
// no single "current key" assumption.
type Keyset struct {
	mu         sync.RWMutex
	path       string
	signingKID string
	keys       map[string]keyEntry
}

func LoadKeyset(path string) (*Keyset, error) {
	k := &Keyset{path: path, keys: make(map[string]keyEntry)}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload re-reads the keyset file and swaps the key map atomically.
func (k *Keyset) Reload() error {
	info, err := os.Stat(k.path)
	if err != nil {
		return fmt.Errorf("keyset: %w", err)
	}
	if info.Size() > MaxKeysetSizeBytes {
		return fmt.Errorf("keyset: file too large")
	}

	raw, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("keyset: %w", err)
	}

	var kf KeysetFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return fmt.Errorf("keyset: malformed json: %w", err)
	}

	keys := make(map[string]keyEntry, len(kf.Keys))
	for _, e := range kf.Keys {
		if e.KID == "" {
			return errors.New("keyset: entry with empty kid")
		}
		if _, dup := keys[e.KID]; dup {
			return fmt.Errorf("keyset: duplicate kid %s", e.KID)
		}
		pub, err := base64.StdEncoding.DecodeString(e.Public)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("keyset: invalid public key for %s", e.KID)
		}
		entry := keyEntry{pub: ed25519.PublicKey(pub), signing: e.Signing}
		if e.Private != "" {
			priv, err := base64.StdEncoding.DecodeString(e.Private)
			if err != nil || len(priv) != ed25519.PrivateKeySize {
				return fmt.Errorf("keyset: invalid private key for %s", e.KID)
			}
			entry.priv = ed25519.PrivateKey(priv)
		}
		keys[e.KID] = entry
	}

	if kf.SigningKID != "" {
		active, ok := keys[kf.SigningKID]
		if !ok {
			return fmt.Errorf("keyset: signing_kid %s not present", kf.SigningKID)
		}
		if active.priv == nil || !active.signing {
			return fmt.Errorf("keyset: signing_kid %s not signing-eligible", kf.SigningKID)
		}
	}

	k.mu.Lock()
	k.keys = keys
	k.signingKID = kf.SigningKID
	k.mu.Unlock()
	return nil
}

// SigningKID returns the key id new licenses are signed under.
func (k *Keyset) SigningKID() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.signingKID == "" {
		return "", ErrKeyUnavailable
	}
	return k.signingKID, nil
}

// Sign signs sha256(payload) with the key identified by kid. Retired keys
// (signing=false) and verify-only keys refuse with ErrKeyUnavailable.
func (k *Keyset) Sign(payload []byte, kid string) ([]byte, error) {
	k.mu.RLock()
	entry, ok := k.keys[kid]
	k.mu.RUnlock()

	if !ok {
		return nil, ErrKeyUnavailable
	}
	if entry.priv == nil || !entry.signing {
		return nil, ErrKeyUnavailable
	}

	digest := sha256.Sum256(payload)
	return ed25519.Sign(entry.priv, digest[:]), nil
}

// Verify checks sig against sha256(payload) under kid. Retired keys remain
// valid for verification. Unknown kid or any mismatch returns false; never
// an error, so a corrupted signature cannot crash a request.
func (k *Keyset) Verify(payload, sig []byte, kid string) bool {
	k.mu.RLock()
	entry, ok := k.keys[kid]
	k.mu.RUnlock()

	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest := sha256.Sum256(payload)
	return ed25519.Verify(entry.pub, digest[:], sig)
}
