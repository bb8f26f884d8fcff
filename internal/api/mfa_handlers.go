package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/mfa"
	"github.com/yingzhisoft/license-server/internal/middleware"
)

type MfaHandler struct {
	Service *mfa.Service
}

// Setup starts TOTP enrollment for the authenticated admin. The secret and
// otpauth URI come back exactly once.
// POST /api/v1/admin/mfa/setup
func (h *MfaHandler) Setup(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := uuid.Parse(ac.UserID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	setup, err := h.Service.BeginEnrollment(r.Context(), userID, ac.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

// Confirm completes enrollment with the first authenticator code and hands
// out the backup codes.
// POST /api/v1/admin/mfa/confirm
func (h *MfaHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := uuid.Parse(ac.UserID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	codes, err := h.Service.ConfirmEnrollment(r.Context(), userID, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "enabled",
		"backup_codes": codes,
	})
}

// Verify checks a TOTP or backup code and grants the named operation for a
// short window.
// POST /api/v1/admin/mfa/verify
func (h *MfaHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := uuid.Parse(ac.UserID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Code      string `json:"code"`
		Operation string `json:"operation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || req.Operation == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.Service.Verify(r.Context(), userID, req.Code, req.Operation); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted", "operation": req.Operation})
}
