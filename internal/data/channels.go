package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelDisabled = errors.New("channel disabled")
	ErrQuotaTotalSpent = errors.New("channel total quota spent")
)

type ChannelStatus string

const (
	ChannelActive   ChannelStatus = "active"
	ChannelDisabled ChannelStatus = "disabled"
)

// Channel owns activations and carries its own auth material.
// The HMAC secret is stored AES-GCM sealed under a master key (see vault).
type Channel struct {
	ID           uuid.UUID
	ChannelCode  string
	Name         string
	APIKey       string
	SecretKID    string
	SecretNonce  []byte
	SecretCipher []byte
	SecretTag    []byte
	QuotaDaily   int
	QuotaTotal   int // 0 = unlimited
	UsedTotal    int
	Status       ChannelStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ChannelModel struct {
	DB DBTX
}

func (m ChannelModel) GetByCode(ctx context.Context, channelCode string) (*Channel, error) {
	query := `
		SELECT id, channel_code, name, api_key, secret_kid, secret_nonce, secret_cipher, secret_tag,
		       quota_daily, quota_total, used_total, status, created_at, updated_at
		FROM channels
		WHERE channel_code = $1
	`
	return m.scanOne(ctx, query, channelCode)
}

func (m ChannelModel) GetByAPIKey(ctx context.Context, apiKey string) (*Channel, error) {
	query := `
		SELECT id, channel_code, name, api_key, secret_kid, secret_nonce, secret_cipher, secret_tag,
		       quota_daily, quota_total, used_total, status, created_at, updated_at
		FROM channels
		WHERE api_key = $1
	`
	return m.scanOne(ctx, query, apiKey)
}

func (m ChannelModel) scanOne(ctx context.Context, query string, arg any) (*Channel, error) {
	var c Channel
	err := m.DB.QueryRowContext(ctx, query, arg).Scan(
		&c.ID, &c.ChannelCode, &c.Name, &c.APIKey, &c.SecretKID, &c.SecretNonce, &c.SecretCipher, &c.SecretTag,
		&c.QuotaDaily, &c.QuotaTotal, &c.UsedTotal, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (m ChannelModel) Create(ctx context.Context, c *Channel) error {
	query := `
		INSERT INTO channels (channel_code, name, api_key, secret_kid, secret_nonce, secret_cipher, secret_tag,
		                      quota_daily, quota_total, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	return m.DB.QueryRowContext(ctx, query,
		c.ChannelCode, c.Name, c.APIKey, c.SecretKID, c.SecretNonce, c.SecretCipher, c.SecretTag,
		c.QuotaDaily, c.QuotaTotal, c.Status,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// ConsumeTotalQuota increments used_total only while under quota_total.
// Conditional update so concurrent issuers cannot oversell; quota_total = 0
// means unlimited.
func (m ChannelModel) ConsumeTotalQuota(ctx context.Context, channelCode string) error {
	query := `
		UPDATE channels
		SET used_total = used_total + 1, updated_at = NOW()
		WHERE channel_code = $1 AND status = 'active'
		  AND (quota_total = 0 OR used_total < quota_total)
	`
	res, err := m.DB.ExecContext(ctx, query, channelCode)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrQuotaTotalSpent
	}
	return nil
}

func (m ChannelModel) SetStatus(ctx context.Context, channelCode string, status ChannelStatus) error {
	query := `UPDATE channels SET status = $1, updated_at = NOW() WHERE channel_code = $2`
	res, err := m.DB.ExecContext(ctx, query, status, channelCode)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}
