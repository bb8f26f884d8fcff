package activation

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/audit"
	"github.com/yingzhisoft/license-server/internal/challenge"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/deviceauth"
	"github.com/yingzhisoft/license-server/internal/events"
	"github.com/yingzhisoft/license-server/internal/metrics"
	"github.com/yingzhisoft/license-server/internal/quota"
	"github.com/yingzhisoft/license-server/internal/revocation"
	"github.com/yingzhisoft/license-server/internal/signer"
	"github.com/yingzhisoft/license-server/internal/vault"
)

var (
	ErrInvalidCredential = errors.New("device credential invalid")
	ErrDeviceRevoked     = errors.New("device revoked")
	ErrDeviceBlocked     = errors.New("device blocked")
	ErrQuotaExceeded     = errors.New("activation quota exceeded")
	ErrNotPending        = errors.New("activation not pending approval")
	ErrChallengeRequired = errors.New("challenge response required")
)

// ActivateRequest is one online activation attempt.
type ActivateRequest struct {
	SN                string          `json:"sn"`
	Code              string          `json:"code"`
	ChallengeResponse string          `json:"challenge_response,omitempty"`
	ClientMeta        json.RawMessage `json:"client_meta,omitempty"`
}

// OfflineRequest captures an air-gapped device's activation material for
// later administrative approval.
type OfflineRequest struct {
	SN         string          `json:"sn"`
	Code       string          `json:"code"`
	ClientMeta json.RawMessage `json:"client_meta,omitempty"`
}

// StatusInfo is the public view of a device's license state.
type StatusInfo struct {
	SN           string          `json:"sn"`
	State        string          `json:"state"` // unlicensed, pending, active, expired, revoked
	ActivationID *uuid.UUID      `json:"activation_id,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	License      json.RawMessage `json:"license,omitempty"`
}

type publisher interface {
	Publish(subject string, event any) error
}

// Engine runs the activation state machine. All issuance happens inside one
// DB transaction so a crashed request never half-spends an activation code.
type Engine struct {
	DB          *sql.DB
	Vault       *vault.Keyring
	Signer      *signer.Keyset
	Challenges  *challenge.Store
	Quota       *quota.Enforcer
	Revocations *revocation.Registry
	Audit       *audit.Service
	Events      publisher // nil disables fan-out

	Issuer     string
	LicenseTTL time.Duration // 0 = perpetual licenses
}

// RequestChallenge issues a fresh challenge for the device. The previous
// outstanding challenge, if any, is invalidated. A device presenting an
// Ed25519 public key enrolls it here; later activations then require a
// device-key signature instead of the weaker channel HMAC.
func (e *Engine) RequestChallenge(ctx context.Context, ch *data.Channel, sn string, devicePubKey []byte) (string, time.Time, error) {
	devices := data.DeviceModel{DB: e.DB}
	if err := devices.Touch(ctx, sn, ch.ChannelCode); err != nil {
		return "", time.Time{}, err
	}
	if len(devicePubKey) > 0 {
		if len(devicePubKey) != ed25519.PublicKeySize {
			return "", time.Time{}, ErrInvalidCredential
		}
		sum := sha256.Sum256(devicePubKey)
		if err := devices.RegisterKey(ctx, sn, devicePubKey, hex.EncodeToString(sum[:])); err != nil {
			return "", time.Time{}, err
		}
	}

	value, expiresAt, err := e.Challenges.Issue(ctx, sn, ch.ChannelCode)
	if err != nil {
		return "", time.Time{}, err
	}
	metrics.ChallengesIssuedTotal.Inc()
	e.writeAudit(ctx, ch.ChannelCode, audit.ActionChallenge, sn, audit.ResultSuccess, "")
	return value, expiresAt, nil
}

// Activate runs the online flow: quota, revocation, optional
// challenge-response, then transactional issuance. On any rejection the
// daily quota admission is refunded.
func (e *Engine) Activate(ctx context.Context, ch *data.Channel, req ActivateRequest) (*License, *data.Activation, error) {
	started := time.Now()
	lic, act, err := e.activate(ctx, ch, req)
	metrics.RecordActivationLatency(ch.ChannelCode, float64(time.Since(started).Milliseconds()))
	if err != nil {
		metrics.RecordActivation(ch.ChannelCode, "failure")
		e.writeAudit(ctx, ch.ChannelCode, audit.ActionActivate, req.SN, audit.ResultFailure, reasonCode(err))
		return nil, nil, err
	}
	metrics.RecordActivation(ch.ChannelCode, "success")
	e.writeAudit(ctx, ch.ChannelCode, audit.ActionActivate, req.SN, audit.ResultSuccess, "")
	if e.Events != nil {
		if pubErr := e.Events.Publish(events.SubjectActivations, map[string]any{
			"sn": act.SN, "channel_code": act.ChannelCode, "activation_id": act.ID,
		}); pubErr != nil {
			log.Printf("activation publish failed for %s: %v", act.SN, pubErr)
		}
	}
	return lic, act, nil
}

func (e *Engine) activate(ctx context.Context, ch *data.Channel, req ActivateRequest) (*License, *data.Activation, error) {
	devices := data.DeviceModel{DB: e.DB}
	if err := devices.Touch(ctx, req.SN, ch.ChannelCode); err != nil {
		return nil, nil, err
	}

	dev, err := e.checkDevice(ctx, req.SN)
	if err != nil {
		return nil, nil, err
	}

	// A device that enrolled a key committed to challenge-response auth.
	// Issuing without it would let a stolen activation code bypass the
	// stronger credential.
	if req.ChallengeResponse == "" && dev != nil && len(dev.PublicKey) > 0 {
		return nil, nil, ErrChallengeRequired
	}

	decision, err := e.Quota.AdmitChannelDay(ctx, ch.ChannelCode, ch.QuotaDaily)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		metrics.RecordQuotaRejection(ch.ChannelCode, string(decision.Scope))
		return nil, nil, ErrQuotaExceeded
	}
	// Past this point a rejection refunds the daily admission.
	refund := func() {
		if err := e.Quota.Release(ctx, ch.ChannelCode); err != nil {
			log.Printf("quota refund failed for %s: %v", ch.ChannelCode, err)
		}
	}

	var restoreChallenge func()
	if req.ChallengeResponse != "" {
		restore, err := e.verifyChallenge(ctx, ch, req.SN, req.ChallengeResponse)
		if err != nil {
			refund()
			return nil, nil, err
		}
		restoreChallenge = restore
	}

	lic, act, err := e.issue(ctx, ch, req.SN, req.Code, req.ClientMeta)
	if err != nil {
		// The consume commits only together with a signed license; put the
		// challenge back so the device can retry with the same answer.
		refund()
		if restoreChallenge != nil {
			restoreChallenge()
		}
		return nil, nil, err
	}
	return lic, act, nil
}

// checkDevice rejects revoked or blocked devices. The device row comes back
// so callers can look at the enrolled credential; nil means first contact.
func (e *Engine) checkDevice(ctx context.Context, sn string) (*data.Device, error) {
	revoked, err := e.Revocations.IsRevoked(ctx, sn)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrDeviceRevoked
	}

	devices := data.DeviceModel{DB: e.DB}
	dev, err := devices.GetBySN(ctx, sn)
	if err != nil {
		if errors.Is(err, data.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	switch dev.Status {
	case data.DeviceRevoked:
		return nil, ErrDeviceRevoked
	case data.DeviceBlocked:
		return nil, ErrDeviceBlocked
	}
	return dev, nil
}

// verifyChallenge checks the device's answer, then atomically consumes the
// challenge. Only a verified answer spends it; a wrong answer leaves the
// challenge alive for a retry within its TTL. The returned closure restores
// the consumed challenge if the issuance that follows does not commit.
func (e *Engine) verifyChallenge(ctx context.Context, ch *data.Channel, sn, response string) (func(), error) {
	value, err := e.Challenges.Peek(ctx, sn, ch.ChannelCode)
	if err != nil {
		return nil, err
	}

	devices := data.DeviceModel{DB: e.DB}
	var devicePub string
	if dev, err := devices.GetBySN(ctx, sn); err == nil && len(dev.PublicKey) > 0 {
		devicePub = base64.StdEncoding.EncodeToString(dev.PublicKey)
	}

	secret, err := e.channelSecret(ch)
	if err != nil {
		return nil, err
	}

	authn, err := deviceauth.Select(devicePub, secret)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if err := authn.Verify(sn, value, response); err != nil {
		return nil, ErrInvalidCredential
	}

	remaining, err := e.Challenges.Consume(ctx, sn, ch.ChannelCode, value)
	if err != nil {
		return nil, err
	}
	restore := func() {
		// The caller's ctx may already be canceled when this runs.
		rctx := context.WithoutCancel(ctx)
		if err := e.Challenges.Restore(rctx, sn, ch.ChannelCode, value, remaining); err != nil {
			log.Printf("challenge restore failed for %s: %v", sn, err)
		}
	}
	return restore, nil
}

// channelSecret unseals the channel's HMAC secret from its sealed columns.
func (e *Engine) channelSecret(ch *data.Channel) ([]byte, error) {
	if ch.SecretKID == "" {
		return nil, nil
	}
	return e.Vault.Open(ch.SecretKID, ch.SecretNonce, ch.SecretCipher, ch.SecretTag, []byte("channel:"+ch.ChannelCode))
}

// issue is the transactional core: code consumption, total quota, device
// binding, license signing, and the activation record commit or roll back
// together.
func (e *Engine) issue(ctx context.Context, ch *data.Channel, sn, code string, clientMeta json.RawMessage) (*License, *data.Activation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	codes := data.CodeModel{DB: tx}
	if _, err := codes.Consume(ctx, code, ch.ChannelCode, sn); err != nil {
		return nil, nil, err
	}

	channels := data.ChannelModel{DB: tx}
	if err := channels.ConsumeTotalQuota(ctx, ch.ChannelCode); err != nil {
		return nil, nil, err
	}

	devices := data.DeviceModel{DB: tx}
	if err := devices.Activate(ctx, sn, ch.ChannelCode); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	activationID := uuid.New()
	lic, err := e.buildLicense(sn, ch.ChannelCode, activationID, now)
	if err != nil {
		return nil, nil, err
	}
	licJSON, err := json.Marshal(lic)
	if err != nil {
		return nil, nil, err
	}

	act := &data.Activation{
		ID:          activationID,
		SN:          sn,
		ChannelCode: ch.ChannelCode,
		Code:        code,
		ActivatedAt: &now,
		ExpiresAt:   lic.ExpiresAt,
		License:     licJSON,
		ClientMeta:  clientMeta,
		IsOffline:   false,
		Status:      data.ActivationActive,
	}
	activations := data.ActivationModel{DB: tx}
	if err := activations.Create(ctx, act); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return lic, act, nil
}

func (e *Engine) buildLicense(sn, channelCode string, activationID uuid.UUID, now time.Time) (*License, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	lic := &License{
		SN:           sn,
		IssuedAt:     now,
		ChannelCode:  channelCode,
		ActivationID: activationID,
		Nonce:        nonce,
		Issuer:       e.Issuer,
	}
	if e.LicenseTTL > 0 {
		exp := now.Add(e.LicenseTTL)
		lic.ExpiresAt = &exp
	}
	if err := lic.sign(e.Signer); err != nil {
		metrics.SetSignerUp(false)
		return nil, err
	}
	metrics.SetSignerUp(true)
	return lic, nil
}

// RequestOffline records a pending activation for an air-gapped device. The
// code is validated for existence but not consumed until approval. An offline
// request is usually the device's first contact, so the device row is created
// here; the activations table references it.
func (e *Engine) RequestOffline(ctx context.Context, ch *data.Channel, req OfflineRequest) (*data.Activation, error) {
	devices := data.DeviceModel{DB: e.DB}
	if err := devices.Touch(ctx, req.SN, ch.ChannelCode); err != nil {
		return nil, err
	}
	if _, err := e.checkDevice(ctx, req.SN); err != nil {
		e.writeAudit(ctx, ch.ChannelCode, audit.ActionOfflineRequest, req.SN, audit.ResultFailure, reasonCode(err))
		return nil, err
	}

	codes := data.CodeModel{DB: e.DB}
	c, err := codes.Get(ctx, req.Code)
	if err != nil {
		e.writeAudit(ctx, ch.ChannelCode, audit.ActionOfflineRequest, req.SN, audit.ResultFailure, reasonCode(err))
		return nil, err
	}
	if c.ChannelCode != ch.ChannelCode {
		e.writeAudit(ctx, ch.ChannelCode, audit.ActionOfflineRequest, req.SN, audit.ResultFailure, "code_not_found")
		return nil, data.ErrCodeNotFound
	}

	act := &data.Activation{
		SN:          req.SN,
		ChannelCode: ch.ChannelCode,
		Code:        req.Code,
		ClientMeta:  req.ClientMeta,
		IsOffline:   true,
		Status:      data.ActivationPending,
	}
	activations := data.ActivationModel{DB: e.DB}
	if err := activations.Create(ctx, act); err != nil {
		return nil, err
	}
	e.writeAudit(ctx, ch.ChannelCode, audit.ActionOfflineRequest, req.SN, audit.ResultSuccess, "")
	return act, nil
}

// ApproveOffline consumes the code and issues the license for a pending
// offline request. MFA gating happens in the API layer; approvedBy is the
// admin username for the audit trail.
func (e *Engine) ApproveOffline(ctx context.Context, id uuid.UUID, approvedBy string) (*License, *data.Activation, error) {
	activations := data.ActivationModel{DB: e.DB}
	act, err := activations.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if act.Status != data.ActivationPending {
		return nil, nil, ErrNotPending
	}

	if _, err := e.checkDevice(ctx, act.SN); err != nil {
		e.writeAudit(ctx, act.ChannelCode, audit.ActionOfflineApprove, act.SN, audit.ResultFailure, reasonCode(err))
		return nil, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	txCodes := data.CodeModel{DB: tx}
	if _, err := txCodes.Consume(ctx, act.Code, act.ChannelCode, act.SN); err != nil {
		e.writeAudit(ctx, act.ChannelCode, audit.ActionOfflineApprove, act.SN, audit.ResultFailure, reasonCode(err))
		return nil, nil, err
	}

	txChannels := data.ChannelModel{DB: tx}
	if err := txChannels.ConsumeTotalQuota(ctx, act.ChannelCode); err != nil {
		return nil, nil, err
	}

	txDevices := data.DeviceModel{DB: tx}
	if err := txDevices.Activate(ctx, act.SN, act.ChannelCode); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	lic, err := e.buildLicense(act.SN, act.ChannelCode, act.ID, now)
	if err != nil {
		return nil, nil, err
	}
	licJSON, err := json.Marshal(lic)
	if err != nil {
		return nil, nil, err
	}

	txActivations := data.ActivationModel{DB: tx}
	if err := txActivations.ApprovePending(ctx, act.ID, licJSON, now, lic.ExpiresAt); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	act.Status = data.ActivationActive
	act.License = licJSON
	act.ActivatedAt = &now
	act.ExpiresAt = lic.ExpiresAt
	act.MfaVerified = true
	e.writeAuditActor(ctx, approvedBy, act.ChannelCode, audit.ActionOfflineApprove, act.SN, audit.ResultSuccess, "")
	return lic, act, nil
}

// Status reports the device's current license state.
func (e *Engine) Status(ctx context.Context, sn string) (*StatusInfo, error) {
	info := &StatusInfo{SN: sn, State: "unlicensed"}

	revoked, err := e.Revocations.IsRevoked(ctx, sn)
	if err != nil {
		return nil, err
	}
	if revoked {
		info.State = "revoked"
		return info, nil
	}

	activations := data.ActivationModel{DB: e.DB}
	act, err := activations.GetLatestBySN(ctx, sn)
	if err != nil {
		if errors.Is(err, data.ErrActivationNotFound) {
			return info, nil
		}
		return nil, err
	}

	info.ActivationID = &act.ID
	info.ExpiresAt = act.ExpiresAt
	switch act.Status {
	case data.ActivationPending:
		info.State = "pending"
	case data.ActivationRevoked:
		info.State = "revoked"
	case data.ActivationActive:
		if act.ExpiresAt != nil && !act.ExpiresAt.After(time.Now()) {
			info.State = "expired"
		} else {
			info.State = "active"
			info.License = act.License
		}
	}
	return info, nil
}

func (e *Engine) writeAudit(ctx context.Context, channelCode, action, sn, result, reason string) {
	e.writeAuditActor(ctx, channelCode, channelCode, action, sn, result, reason)
}

func (e *Engine) writeAuditActor(ctx context.Context, actor, channelCode, action, sn, result, reason string) {
	if e.Audit == nil {
		return
	}
	evt := audit.Event{
		Actor:       actor,
		Action:      action,
		ChannelCode: channelCode,
		SN:          sn,
		Result:      result,
		ReasonCode:  reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.Audit.WriteEvent(ctx, evt); err != nil {
		log.Printf("audit write failed for %s/%s: %v", action, sn, err)
	}
}

// reasonCode maps engine and store errors to stable audit reason codes.
func reasonCode(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, data.ErrQuotaTotalSpent):
		return "quota_exceeded"
	case errors.Is(err, ErrDeviceRevoked):
		return "device_revoked"
	case errors.Is(err, ErrDeviceBlocked):
		return "device_blocked"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrChallengeRequired):
		return "challenge_required"
	case errors.Is(err, challenge.ErrExpired):
		return "challenge_expired"
	case errors.Is(err, challenge.ErrMismatch):
		return "challenge_mismatch"
	case errors.Is(err, data.ErrCodeUsed):
		return "code_used"
	case errors.Is(err, data.ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, data.ErrCodeVoided):
		return "code_voided"
	case errors.Is(err, data.ErrCodeNotFound):
		return "code_not_found"
	case errors.Is(err, signer.ErrKeyUnavailable):
		return "key_unavailable"
	default:
		return "internal_error"
	}
}
