package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrActivationNotFound = errors.New("activation not found")

type ActivationStatus string

const (
	ActivationPending ActivationStatus = "pending" // offline request awaiting approval
	ActivationActive  ActivationStatus = "active"
	ActivationRevoked ActivationStatus = "revoked"
)

// Activation is the immutable record of one issuance. Only status flips
// after creation; expiry is derived from ExpiresAt, never stored back.
type Activation struct {
	ID          uuid.UUID
	SN          string
	ChannelCode string
	Code        string
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	License     json.RawMessage
	ClientMeta  json.RawMessage
	IsOffline   bool
	MfaVerified bool
	Status      ActivationStatus
	CreatedAt   time.Time
}

type ActivationModel struct {
	DB DBTX
}

func (m ActivationModel) Create(ctx context.Context, a *Activation) error {
	query := `
		INSERT INTO activations (id, sn, channel_code, code, activated_at, expires_at,
		                         license, client_meta, is_offline, mfa_verified, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return m.DB.QueryRowContext(ctx, query,
		a.ID, a.SN, a.ChannelCode, a.Code, a.ActivatedAt, a.ExpiresAt,
		a.License, a.ClientMeta, a.IsOffline, a.MfaVerified, a.Status,
	).Scan(&a.CreatedAt)
}

func (m ActivationModel) GetByID(ctx context.Context, id uuid.UUID) (*Activation, error) {
	query := `
		SELECT id, sn, channel_code, code, activated_at, expires_at,
		       license, client_meta, is_offline, mfa_verified, status, created_at
		FROM activations
		WHERE id = $1
	`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

func (m ActivationModel) GetLatestBySN(ctx context.Context, sn string) (*Activation, error) {
	query := `
		SELECT id, sn, channel_code, code, activated_at, expires_at,
		       license, client_meta, is_offline, mfa_verified, status, created_at
		FROM activations
		WHERE sn = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, sn))
}

func (m ActivationModel) scanOne(row *sql.Row) (*Activation, error) {
	var a Activation
	err := row.Scan(
		&a.ID, &a.SN, &a.ChannelCode, &a.Code, &a.ActivatedAt, &a.ExpiresAt,
		&a.License, &a.ClientMeta, &a.IsOffline, &a.MfaVerified, &a.Status, &a.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrActivationNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (m ActivationModel) SetStatus(ctx context.Context, id uuid.UUID, status ActivationStatus) error {
	query := `UPDATE activations SET status = $1 WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrActivationNotFound
	}
	return nil
}

// ApprovePending flips one pending offline activation to active, filling in
// the issued license and its expiry. Conditional on status so a double
// approval is a no-op for the loser.
func (m ActivationModel) ApprovePending(ctx context.Context, id uuid.UUID, license json.RawMessage, activatedAt time.Time, expiresAt *time.Time) error {
	query := `
		UPDATE activations
		SET status = 'active', license = $1, activated_at = $2, expires_at = $3, mfa_verified = TRUE
		WHERE id = $4 AND status = 'pending'
	`
	res, err := m.DB.ExecContext(ctx, query, license, activatedAt, expiresAt, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrActivationNotFound
	}
	return nil
}
