package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yingzhisoft/license-server/internal/activation"
	"github.com/yingzhisoft/license-server/internal/middleware"
)

type ActivationHandler struct {
	Engine *activation.Engine
}

type challengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

type activateResponse struct {
	Status       string              `json:"status"`
	ActivationID string              `json:"activation_id,omitempty"`
	License      *activation.License `json:"license,omitempty"`
}

// RequestChallenge issues a device challenge for the authenticated channel.
// POST /api/v1/activate/request_challenge
func (h *ActivationHandler) RequestChallenge(w http.ResponseWriter, r *http.Request) {
	cc, ok := middleware.GetChannelContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		SN              string `json:"sn"`
		DevicePublicKey string `json:"device_public_key,omitempty"` // base64 Ed25519, enrolls the key
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SN == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var pubKey []byte
	if req.DevicePublicKey != "" {
		var err error
		pubKey, err = base64.StdEncoding.DecodeString(req.DevicePublicKey)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}

	value, expiresAt, err := h.Engine.RequestChallenge(r.Context(), cc.Channel, req.SN, pubKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Challenge: value, ExpiresAt: expiresAt})
}

// Activate runs the online flow, with or without a challenge response.
// POST /api/v1/activate
func (h *ActivationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	cc, ok := middleware.GetChannelContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req activation.ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SN == "" || req.Code == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	lic, act, err := h.Engine.Activate(r.Context(), cc.Channel, req)
	if errors.Is(err, activation.ErrChallengeRequired) {
		// Not a rejection: the device must fetch a challenge and complete.
		writeJSON(w, http.StatusOK, activateResponse{Status: "pending_challenge"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{Status: "ok", ActivationID: act.ID.String(), License: lic})
}

// Complete finishes a challenge-gated activation: the device answers the
// outstanding challenge with its credential proof.
// POST /api/v1/activate/complete
func (h *ActivationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	cc, ok := middleware.GetChannelContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		SN         string          `json:"sn"`
		Code       string          `json:"code"`
		Signature  string          `json:"signature"`
		ClientMeta json.RawMessage `json:"client_meta,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.SN == "" || req.Code == "" || req.Signature == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	lic, act, err := h.Engine.Activate(r.Context(), cc.Channel, activation.ActivateRequest{
		SN:                req.SN,
		Code:              req.Code,
		ChallengeResponse: req.Signature,
		ClientMeta:        req.ClientMeta,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{Status: "ok", ActivationID: act.ID.String(), License: lic})
}

// RequestOffline records a pending activation for later approval.
// POST /api/v1/activate/offline/request
func (h *ActivationHandler) RequestOffline(w http.ResponseWriter, r *http.Request) {
	cc, ok := middleware.GetChannelContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req activation.OfflineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SN == "" || req.Code == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	act, err := h.Engine.RequestOffline(r.Context(), cc.Channel, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": act.ID.String(),
		"status":     string(act.Status),
	})
}

// Status reports the device's license state.
// GET /api/v1/activate/status/{sn}
func (h *ActivationHandler) Status(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")
	if sn == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	info, err := h.Engine.Status(r.Context(), sn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
