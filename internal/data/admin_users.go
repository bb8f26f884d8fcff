package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound       = errors.New("admin user not found")
	ErrBackupCodeSpent    = errors.New("backup code already used or unknown")
	ErrUsernameDuplicate  = errors.New("username already exists")
	ErrMfaAlreadyEnrolled = errors.New("mfa already enrolled")
)

// AdminUser carries the MFA material: the TOTP seed is AES-GCM sealed under
// the master keyring, backup codes live hashed in their own table.
type AdminUser struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	MfaEnabled   bool
	TotpKID      string
	TotpNonce    []byte
	TotpCipher   []byte
	TotpTag      []byte
	Status       string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AdminUserModel struct {
	DB DBTX
}

func (m AdminUserModel) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	query := `
		SELECT id, username, password_hash, mfa_enabled, totp_kid, totp_nonce, totp_cipher, totp_tag,
		       status, last_login_at, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, username))
}

func (m AdminUserModel) GetByID(ctx context.Context, id uuid.UUID) (*AdminUser, error) {
	query := `
		SELECT id, username, password_hash, mfa_enabled, totp_kid, totp_nonce, totp_cipher, totp_tag,
		       status, last_login_at, created_at, updated_at
		FROM admin_users
		WHERE id = $1
	`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

func (m AdminUserModel) scanOne(row *sql.Row) (*AdminUser, error) {
	var u AdminUser
	err := row.Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.MfaEnabled, &u.TotpKID, &u.TotpNonce, &u.TotpCipher, &u.TotpTag,
		&u.Status, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (m AdminUserModel) Create(ctx context.Context, u *AdminUser) error {
	query := `
		INSERT INTO admin_users (username, password_hash, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	return m.DB.QueryRowContext(ctx, query, u.Username, u.PasswordHash, u.Status).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
}

// StoreTotpSeed persists the sealed seed without enabling MFA yet; the
// enrollment completes on first verified code (EnableMfa).
func (m AdminUserModel) StoreTotpSeed(ctx context.Context, id uuid.UUID, kid string, nonce, cipher, tag []byte) error {
	query := `
		UPDATE admin_users
		SET totp_kid = $1, totp_nonce = $2, totp_cipher = $3, totp_tag = $4, updated_at = NOW()
		WHERE id = $5 AND mfa_enabled = FALSE
	`
	res, err := m.DB.ExecContext(ctx, query, kid, nonce, cipher, tag, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrMfaAlreadyEnrolled
	}
	return nil
}

func (m AdminUserModel) EnableMfa(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE admin_users SET mfa_enabled = TRUE, updated_at = NOW() WHERE id = $1`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m AdminUserModel) TouchLogin(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE admin_users SET last_login_at = NOW() WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// --- Backup codes ---

// ReplaceBackupCodes wipes previous codes and inserts the new hashed set.
func (m AdminUserModel) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string) error {
	if _, err := m.DB.ExecContext(ctx, `DELETE FROM admin_backup_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}
	query := `INSERT INTO admin_backup_codes (user_id, code_hash) VALUES ($1, $2)`
	for _, h := range hashes {
		if _, err := m.DB.ExecContext(ctx, query, userID, h); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeBackupCode permanently invalidates one backup code. Conditional on
// used_at so concurrent submissions of the same code have one winner.
func (m AdminUserModel) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) error {
	query := `
		UPDATE admin_backup_codes
		SET used_at = NOW()
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL
	`
	res, err := m.DB.ExecContext(ctx, query, userID, codeHash)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrBackupCodeSpent
	}
	return nil
}
