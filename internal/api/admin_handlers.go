package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/activation"
	"github.com/yingzhisoft/license-server/internal/audit"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/metrics"
	"github.com/yingzhisoft/license-server/internal/mfa"
	"github.com/yingzhisoft/license-server/internal/middleware"
	"github.com/yingzhisoft/license-server/internal/revocation"
	"github.com/yingzhisoft/license-server/internal/vault"
)

// MFA-gated operation names. The gate key must match what the admin
// verified against, so these are fixed strings, not request input.
const (
	OpRevoke         = "revoke"
	OpApproveOffline = "approve_offline"
	OpExportAudit    = "audit_export"
	OpManageChannels = "manage_channels"
)

type AdminHandler struct {
	Engine      *activation.Engine
	Revocations *revocation.Registry
	Devices     data.DeviceModel
	Codes       data.CodeModel
	Activations data.ActivationModel
	Channels    data.ChannelModel
	Vault       *vault.Keyring
	Gate        *mfa.Gate
	Audit       *audit.Service
}

// Revoke pulls a device's license, addressed by SN or by activation ID.
// Requires a fresh MFA grant.
// POST /api/v1/admin/revoke
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		SN           string `json:"sn"`
		ActivationID string `json:"activation_id"`
		ChannelCode  string `json:"channel_code"`
		Reason       string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" ||
		(req.SN == "" && req.ActivationID == "") {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var actID uuid.UUID
	if req.ActivationID != "" {
		id, err := uuid.Parse(req.ActivationID)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		act, err := h.Activations.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		actID = id
		req.SN = act.SN
		if req.ChannelCode == "" {
			req.ChannelCode = act.ChannelCode
		}
	}

	if err := h.Gate.Require(r.Context(), ac.UserID, OpRevoke); err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.Revocations.Revoke(r.Context(), req.SN, req.ChannelCode, req.Reason, ac.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Devices.SetStatus(r.Context(), req.SN, data.DeviceRevoked); err != nil &&
		err != data.ErrDeviceNotFound {
		log.Printf("device status flip failed for %s: %v", req.SN, err)
	}

	// Flip the activation record too, so Status reports revoked from the
	// row itself and not only from the registry.
	if actID == uuid.Nil {
		if act, err := h.Activations.GetLatestBySN(r.Context(), req.SN); err == nil {
			actID = act.ID
		}
	}
	if actID != uuid.Nil {
		if err := h.Activations.SetStatus(r.Context(), actID, data.ActivationRevoked); err != nil &&
			!errors.Is(err, data.ErrActivationNotFound) {
			log.Printf("activation status flip failed for %s: %v", actID, err)
		}
	}

	metrics.RevocationsTotal.Inc()
	h.writeAudit(r, ac.Username, audit.ActionRevoke, req.ChannelCode, req.SN, audit.ResultSuccess, "")
	writeJSON(w, http.StatusOK, entry)
}

// ApproveOffline issues the license for a pending offline request. Requires
// a fresh MFA grant.
// POST /api/v1/admin/offline/{id}/approve
func (h *AdminHandler) ApproveOffline(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.Gate.Require(r.Context(), ac.UserID, OpApproveOffline); err != nil {
		writeError(w, err)
		return
	}

	lic, act, err := h.Engine.ApproveOffline(r.Context(), id, ac.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{Status: "ok", ActivationID: act.ID.String(), License: lic})
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I

func newActivationCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 0, 19)
	for i, b := range buf {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(out), nil
}

// GenerateCodes mints a batch of activation codes for a channel.
// POST /api/v1/admin/codes/generate
func (h *AdminHandler) GenerateCodes(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ChannelCode string     `json:"channel_code"`
		Count       int        `json:"count"`
		ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelCode == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 || req.Count > 1000 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	codes := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		code, err := newActivationCode()
		if err != nil {
			writeError(w, err)
			return
		}
		c := &data.ActivationCode{
			Code:        code,
			ChannelCode: req.ChannelCode,
			Status:      data.CodeActive,
			ExpiresAt:   req.ExpiresAt,
		}
		if err := h.Codes.Create(r.Context(), c); err != nil {
			writeError(w, err)
			return
		}
		codes = append(codes, code)
	}

	h.writeAudit(r, ac.Username, audit.ActionCodeBatch, req.ChannelCode, "", audit.ResultSuccess, "")
	writeJSON(w, http.StatusCreated, map[string]any{
		"channel_code": req.ChannelCode,
		"count":        len(codes),
		"codes":        codes,
	})
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateChannel provisions a sales channel with a fresh API key and a
// vault-sealed HMAC secret. Both are returned exactly once; only the sealed
// form is stored. Requires a fresh MFA grant.
// POST /api/v1/admin/channels
func (h *AdminHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ChannelCode string `json:"channel_code"`
		Name        string `json:"name"`
		QuotaDaily  int    `json:"quota_daily"`
		QuotaTotal  int    `json:"quota_total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelCode == "" ||
		req.QuotaDaily < 0 || req.QuotaTotal < 0 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.Gate.Require(r.Context(), ac.UserID, OpManageChannels); err != nil {
		writeError(w, err)
		return
	}

	apiKey, err := randomHex(24)
	if err != nil {
		writeError(w, err)
		return
	}
	secret, err := randomHex(32)
	if err != nil {
		writeError(w, err)
		return
	}
	kid, nonce, cipher, tag, err := h.Vault.Seal([]byte(secret), []byte("channel:"+req.ChannelCode))
	if err != nil {
		writeError(w, err)
		return
	}

	ch := &data.Channel{
		ChannelCode:  req.ChannelCode,
		Name:         req.Name,
		APIKey:       apiKey,
		SecretKID:    kid,
		SecretNonce:  nonce,
		SecretCipher: cipher,
		SecretTag:    tag,
		QuotaDaily:   req.QuotaDaily,
		QuotaTotal:   req.QuotaTotal,
		Status:       data.ChannelActive,
	}
	if err := h.Channels.Create(r.Context(), ch); err != nil {
		writeError(w, err)
		return
	}

	h.writeAudit(r, ac.Username, audit.ActionChannelCreate, req.ChannelCode, "", audit.ResultSuccess, "")
	writeJSON(w, http.StatusCreated, map[string]any{
		"channel_code": ch.ChannelCode,
		"api_key":      apiKey,
		"secret":       secret,
		"quota_daily":  ch.QuotaDaily,
		"quota_total":  ch.QuotaTotal,
	})
}

// SetChannelStatus enables or disables a channel. A disabled channel fails
// authentication on every device-facing route. Requires a fresh MFA grant.
// POST /api/v1/admin/channels/{code}/status
func (h *AdminHandler) SetChannelStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	code := chi.URLParam(r, "code")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || code == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	status := data.ChannelStatus(req.Status)
	if status != data.ChannelActive && status != data.ChannelDisabled {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.Gate.Require(r.Context(), ac.UserID, OpManageChannels); err != nil {
		writeError(w, err)
		return
	}

	if err := h.Channels.SetStatus(r.Context(), code, status); err != nil {
		writeError(w, err)
		return
	}

	h.writeAudit(r, ac.Username, audit.ActionChannelStatus, code, "", audit.ResultSuccess, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_code": code,
		"status":       string(status),
	})
}

// QueryAudit pages through the audit log.
// GET /api/v1/admin/audit
func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:       q.Get("actor"),
		ChannelCode: q.Get("channel_code"),
		SN:          q.Get("sn"),
		Action:      q.Get("action"),
		Result:      q.Get("result"),
		Cursor:      q.Get("cursor"),
		Limit:       100,
	}

	events, cursor, err := h.Audit.QueryEvents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": cursor,
	})
}

// ExportAudit streams the audit log as JSONL. Bulk export leaks more than a
// page of events, so it takes a fresh MFA grant like the other sensitive ops.
// GET /api/v1/admin/audit/export
func (h *AdminHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.Gate.Require(r.Context(), ac.UserID, OpExportAudit); err != nil {
		writeError(w, err)
		return
	}

	f := audit.Filter{ChannelCode: r.URL.Query().Get("channel_code")}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_export.jsonl"`)
	if err := h.Audit.ExportEvents(r.Context(), f, w); err != nil {
		log.Printf("audit export failed: %v", err)
	}
}

func (h *AdminHandler) writeAudit(r *http.Request, actor, action, channelCode, sn, result, reason string) {
	if h.Audit == nil {
		return
	}
	evt := audit.Event{
		Actor:       actor,
		Action:      action,
		ChannelCode: channelCode,
		SN:          sn,
		Result:      result,
		ReasonCode:  reason,
		RequestID:   r.Header.Get("X-Request-ID"),
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Audit.WriteEvent(r.Context(), evt); err != nil {
		log.Printf("audit write failed for %s: %v", action, err)
	}
}
