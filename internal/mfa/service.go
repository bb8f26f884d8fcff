package mfa

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/totp"
	"github.com/yingzhisoft/license-server/internal/vault"
)

var (
	ErrInvalid     = errors.New("mfa code invalid")
	ErrClockSkew   = errors.New("mfa code rejected for clock skew")
	ErrNotEnrolled = errors.New("mfa not enrolled")
	ErrSeedMissing = errors.New("totp seed missing")
)

// Setup is the enrollment handout: the plaintext secret and provisioning
// URI shown to the operator exactly once.
type Setup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	Issuer string `json:"issuer"`
}

// Service runs the admin MFA lifecycle: enrollment, confirmation, and
// verification with lockout. TOTP seeds never touch disk in the clear; they
// are sealed under the master keyring with the user id as AAD.
type Service struct {
	Users    data.AdminUserModel
	Vault    *vault.Keyring
	Verifier *totp.Verifier
	Guard    *totp.Guard
	Lockout  *Lockout
	Gate     *Gate
	Issuer   string
	Now      func() int64 // unix seconds override for tests, nil means wall clock
}

func seedAAD(userID uuid.UUID) []byte {
	return []byte("totp:" + userID.String())
}

// BeginEnrollment generates a seed, seals it, and stores it pending. The
// plaintext secret is returned once for the authenticator app and never again.
func (s *Service) BeginEnrollment(ctx context.Context, userID uuid.UUID, username string) (*Setup, error) {
	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	kid, nonce, cipher, tag, err := s.Vault.Seal([]byte(secret), seedAAD(userID))
	if err != nil {
		return nil, fmt.Errorf("seal totp seed: %w", err)
	}
	if err := s.Users.StoreTotpSeed(ctx, userID, kid, nonce, cipher, tag); err != nil {
		return nil, err
	}

	return &Setup{
		Secret: secret,
		URI:    s.Verifier.ProvisioningURI(secret, username, s.Issuer),
		Issuer: s.Issuer,
	}, nil
}

// ConfirmEnrollment verifies the first code from the authenticator app,
// enables MFA, and issues the one-time backup codes.
func (s *Service) ConfirmEnrollment(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MfaEnabled {
		return nil, data.ErrMfaAlreadyEnrolled
	}

	secret, err := s.unsealSeed(user)
	if err != nil {
		return nil, err
	}
	step, err := s.verifyCode(secret, code)
	if err != nil {
		return nil, err
	}
	if err := s.Guard.MarkUsed(ctx, userID.String(), step); err != nil {
		return nil, ErrInvalid
	}

	if err := s.Users.EnableMfa(ctx, userID); err != nil {
		return nil, err
	}

	codes, err := totp.GenerateBackupCodes(totp.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = totp.HashBackupCode(c)
	}
	if err := s.Users.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Verify checks a TOTP code (or a backup code as fallback) and, on success,
// grants the named operation. Failures count toward lockout.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, code, op string) error {
	locked, err := s.Lockout.IsLocked(ctx, userID.String())
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}

	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MfaEnabled {
		return ErrNotEnrolled
	}

	if err := s.verifyEither(ctx, user, code); err != nil {
		justLocked, recErr := s.Lockout.RecordFailure(ctx, userID.String())
		if recErr != nil {
			log.Printf("mfa lockout record failed for %s: %v", userID, recErr)
		}
		if justLocked {
			return ErrLocked
		}
		return err
	}

	if err := s.Lockout.Reset(ctx, userID.String()); err != nil {
		log.Printf("mfa lockout reset failed for %s: %v", userID, err)
	}
	if op != "" {
		return s.Gate.Grant(ctx, userID.String(), op)
	}
	return nil
}

func (s *Service) verifyEither(ctx context.Context, user *data.AdminUser, code string) error {
	// Backup codes are 8 chars, TOTP codes are digits; length disambiguates.
	if len(code) == s.Verifier.Digits {
		secret, err := s.unsealSeed(user)
		if err != nil {
			return err
		}
		step, err := s.verifyCode(secret, code)
		if err != nil {
			return err
		}
		if err := s.Guard.MarkUsed(ctx, user.ID.String(), step); err != nil {
			return ErrInvalid
		}
		return nil
	}

	err := s.Users.ConsumeBackupCode(ctx, user.ID, totp.HashBackupCode(code))
	if errors.Is(err, data.ErrBackupCodeSpent) {
		return ErrInvalid
	}
	return err
}

func (s *Service) verifyCode(secret, code string) (int64, error) {
	at := time.Now()
	if s.Now != nil {
		at = time.Unix(s.Now(), 0)
	}
	step, err := s.Verifier.Verify(secret, code, at)
	switch {
	case err == nil:
		return step, nil
	case errors.Is(err, totp.ErrClockSkew):
		return 0, ErrClockSkew
	default:
		return 0, ErrInvalid
	}
}

func (s *Service) unsealSeed(user *data.AdminUser) (string, error) {
	if user.TotpKID == "" {
		return "", ErrSeedMissing
	}
	seed, err := s.Vault.Open(user.TotpKID, user.TotpNonce, user.TotpCipher, user.TotpTag, seedAAD(user.ID))
	if err != nil {
		return "", fmt.Errorf("unseal totp seed: %w", err)
	}
	return string(seed), nil
}
