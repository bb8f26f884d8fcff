package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrDeviceNotFound = errors.New("device not found")

type DeviceStatus string

const (
	DeviceUnknown DeviceStatus = "unknown"
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
	DeviceBlocked DeviceStatus = "blocked"
)

// Device is identified by serial number. Rows are never deleted; status
// flips preserve the audit trail.
type Device struct {
	SN          string
	ChannelCode string
	Status      DeviceStatus
	PublicKey   []byte // Ed25519, nil when the device authenticates by HMAC only
	Fingerprint string // sha256 of the device secret, for support lookups
	FirstSeen   time.Time
	LastSeen    time.Time
}

type DeviceModel struct {
	DB DBTX
}

func (m DeviceModel) GetBySN(ctx context.Context, sn string) (*Device, error) {
	query := `
		SELECT sn, channel_code, status, public_key, fingerprint, first_seen, last_seen
		FROM devices
		WHERE sn = $1
	`
	var d Device
	err := m.DB.QueryRowContext(ctx, query, sn).Scan(
		&d.SN, &d.ChannelCode, &d.Status, &d.PublicKey, &d.Fingerprint, &d.FirstSeen, &d.LastSeen,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &d, nil
}

// Touch creates the device on first contact or updates last_seen.
func (m DeviceModel) Touch(ctx context.Context, sn, channelCode string) error {
	query := `
		INSERT INTO devices (sn, channel_code, status, first_seen, last_seen)
		VALUES ($1, $2, 'unknown', NOW(), NOW())
		ON CONFLICT (sn) DO UPDATE SET last_seen = NOW()
	`
	_, err := m.DB.ExecContext(ctx, query, sn, channelCode)
	return err
}

// Activate binds the device to the channel and marks it active.
func (m DeviceModel) Activate(ctx context.Context, sn, channelCode string) error {
	query := `
		INSERT INTO devices (sn, channel_code, status, first_seen, last_seen)
		VALUES ($1, $2, 'active', NOW(), NOW())
		ON CONFLICT (sn) DO UPDATE SET
			channel_code = EXCLUDED.channel_code,
			status = 'active',
			last_seen = NOW()
	`
	_, err := m.DB.ExecContext(ctx, query, sn, channelCode)
	return err
}

func (m DeviceModel) SetStatus(ctx context.Context, sn string, status DeviceStatus) error {
	query := `UPDATE devices SET status = $1, last_seen = NOW() WHERE sn = $2`
	res, err := m.DB.ExecContext(ctx, query, status, sn)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// RegisterKey stores the device's Ed25519 public key reported during
// challenge enrollment.
func (m DeviceModel) RegisterKey(ctx context.Context, sn string, publicKey []byte, fingerprint string) error {
	query := `UPDATE devices SET public_key = $1, fingerprint = $2, last_seen = NOW() WHERE sn = $3`
	res, err := m.DB.ExecContext(ctx, query, publicKey, fingerprint, sn)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
