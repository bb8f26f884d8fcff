package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrCodeNotFound = errors.New("activation code not found")
	ErrCodeUsed     = errors.New("activation code already used")
	ErrCodeExpired  = errors.New("activation code expired")
	ErrCodeVoided   = errors.New("activation code voided")
)

type CodeStatus string

const (
	CodeActive CodeStatus = "active"
	CodeUsed   CodeStatus = "used"
	CodeVoided CodeStatus = "void"
)

type ActivationCode struct {
	Code        string
	ChannelCode string
	Status      CodeStatus
	ExpiresAt   *time.Time
	BoundSN     *string
	UsedAt      *time.Time
	CreatedAt   time.Time
}

type CodeModel struct {
	DB DBTX
}

func (m CodeModel) Get(ctx context.Context, code string) (*ActivationCode, error) {
	query := `
		SELECT code, channel_code, status, expires_at, bound_sn, used_at, created_at
		FROM activation_codes
		WHERE code = $1
	`
	var c ActivationCode
	err := m.DB.QueryRowContext(ctx, query, code).Scan(
		&c.Code, &c.ChannelCode, &c.Status, &c.ExpiresAt, &c.BoundSN, &c.UsedAt, &c.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (m CodeModel) Create(ctx context.Context, c *ActivationCode) error {
	query := `
		INSERT INTO activation_codes (code, channel_code, status, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	return m.DB.QueryRowContext(ctx, query, c.Code, c.ChannelCode, c.Status, c.ExpiresAt).Scan(&c.CreatedAt)
}

// Consume flips an active, unexpired code to used and binds it to the SN.
// The conditional update is the single-use guard: of N concurrent callers
// exactly one sees a row. Zero rows are classified by re-reading the code
// so callers can tell replay from a bad code.
func (m CodeModel) Consume(ctx context.Context, code, channelCode, sn string) (*ActivationCode, error) {
	query := `
		UPDATE activation_codes
		SET status = 'used', bound_sn = $1, used_at = NOW()
		WHERE code = $2 AND channel_code = $3 AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
		RETURNING code, channel_code, status, expires_at, bound_sn, used_at, created_at
	`
	var c ActivationCode
	err := m.DB.QueryRowContext(ctx, query, sn, code, channelCode).Scan(
		&c.Code, &c.ChannelCode, &c.Status, &c.ExpiresAt, &c.BoundSN, &c.UsedAt, &c.CreatedAt,
	)
	if err == nil {
		return &c, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Lost the race or the code was never eligible. Classify.
	existing, getErr := m.Get(ctx, code)
	if getErr != nil {
		return nil, ErrCodeNotFound
	}
	if existing.ChannelCode != channelCode {
		return nil, ErrCodeNotFound
	}
	switch existing.Status {
	case CodeUsed:
		return nil, ErrCodeUsed
	case CodeVoided:
		return nil, ErrCodeVoided
	}
	if existing.ExpiresAt != nil && !existing.ExpiresAt.After(time.Now()) {
		return nil, ErrCodeExpired
	}
	return nil, ErrCodeNotFound
}
