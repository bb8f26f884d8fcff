package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrKeyNotFound    = errors.New("key not found in keyring")
	ErrActiveKeyUnset = errors.New("active master key identifier not set or found")
)

type masterKey struct {
	KID      string `json:"kid"`
	Material string `json:"material"` // Base64
}

// Keyring holds the master keys used to seal TOTP seeds and channel HMAC
// secrets at rest. New seals use the active KID; unsealing looks up the KID
// stored alongside the ciphertext, so master keys rotate without re-encryption.
type Keyring struct {
	keys      map[string][]byte
	activeKID string
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// LoadFromEnv loads MASTER_KEYS (JSON) and ACTIVE_MASTER_KID.
// Strict validation: fails on missing active key or malformed material.
func (k *Keyring) LoadFromEnv() error {
	keysJSON := os.Getenv("MASTER_KEYS")
	activeKID := os.Getenv("ACTIVE_MASTER_KID")

	if keysJSON == "" {
		return errors.New("MASTER_KEYS environment variable is empty")
	}
	if activeKID == "" {
		return errors.New("ACTIVE_MASTER_KID environment variable is empty")
	}

	var rawKeys []masterKey
	if err := json.Unmarshal([]byte(keysJSON), &rawKeys); err != nil {
		return fmt.Errorf("failed to parse MASTER_KEYS: %w", err)
	}

	k.keys = make(map[string][]byte)
	for _, rk := range rawKeys {
		if rk.KID == "" {
			return errors.New("found master key with empty KID")
		}
		if _, exists := k.keys[rk.KID]; exists {
			return fmt.Errorf("duplicate master key KID: %s", rk.KID)
		}
		decoded, err := base64.StdEncoding.DecodeString(rk.Material)
		if err != nil {
			return fmt.Errorf("invalid base64 for key %s: %w", rk.KID, err)
		}
		if len(decoded) != 32 {
			return fmt.Errorf("invalid key length for %s: expected 32 bytes (AES-256), got %d", rk.KID, len(decoded))
		}
		k.keys[rk.KID] = decoded
	}

	if _, ok := k.keys[activeKID]; !ok {
		return fmt.Errorf("active key %s not found in MASTER_KEYS", activeKID)
	}
	k.activeKID = activeKID
	return nil
}

// Seal encrypts a secret under the active master key. The AAD should bind
// the ciphertext to its owning row (e.g. "channel:"+code) so sealed blobs
// cannot be swapped between records.
func (k *Keyring) Seal(secret, aad []byte) (kid string, nonce, ciphertext, tag []byte, err error) {
	if k.activeKID == "" {
		return "", nil, nil, nil, ErrActiveKeyUnset
	}
	key, ok := k.keys[k.activeKID]
	if !ok {
		return "", nil, nil, nil, ErrActiveKeyUnset
	}
	nonce, ciphertext, tag, err = encryptGCM(key, secret, aad)
	if err != nil {
		return "", nil, nil, nil, err
	}
	return k.activeKID, nonce, ciphertext, tag, nil
}

// Open decrypts a sealed secret using the master key identified by kid.
func (k *Keyring) Open(kid string, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	key, ok := k.keys[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return decryptGCM(key, nonce, ciphertext, tag, aad)
}
