package totp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	BackupCodeCount  = 10
	backupCodeLength = 8
)

const backupAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateBackupCodes returns fresh one-time recovery codes. Plaintext is
// shown to the operator exactly once; only the hashes are stored.
func GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		n = BackupCodeCount
	}
	codes := make([]string, 0, n)
	buf := make([]byte, backupCodeLength)
	for i := 0; i < n; i++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("backup codes: %w", err)
		}
		code := make([]byte, backupCodeLength)
		for j, b := range buf {
			code[j] = backupAlphabet[int(b)%len(backupAlphabet)]
		}
		codes = append(codes, string(code))
	}
	return codes, nil
}

// HashBackupCode is the storage form of a recovery code.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
