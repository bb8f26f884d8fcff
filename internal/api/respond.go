package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/yingzhisoft/license-server/internal/activation"
	"github.com/yingzhisoft/license-server/internal/auth"
	"github.com/yingzhisoft/license-server/internal/challenge"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/mfa"
	"github.com/yingzhisoft/license-server/internal/quota"
	"github.com/yingzhisoft/license-server/internal/signer"
	"github.com/yingzhisoft/license-server/internal/totp"
)

type errorResponse struct {
	Error      string `json:"error"`
	ReasonCode string `json:"reason_code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError maps domain errors onto HTTP statuses and stable reason codes.
// Unknown errors become opaque 500s; internals never leak to channels.
func writeError(w http.ResponseWriter, err error) {
	status, reason := classify(err)
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), ReasonCode: reason})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, activation.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, activation.ErrQuotaExceeded),
		errors.Is(err, data.ErrQuotaTotalSpent),
		errors.Is(err, quota.ErrExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, activation.ErrDeviceRevoked):
		return http.StatusForbidden, "device_revoked"
	case errors.Is(err, activation.ErrDeviceBlocked):
		return http.StatusForbidden, "device_blocked"
	case errors.Is(err, activation.ErrChallengeRequired):
		return http.StatusConflict, "challenge_required"
	case errors.Is(err, challenge.ErrExpired):
		return http.StatusBadRequest, "challenge_expired"
	case errors.Is(err, challenge.ErrMismatch):
		return http.StatusBadRequest, "challenge_mismatch"
	case errors.Is(err, data.ErrCodeUsed):
		return http.StatusConflict, "code_used"
	case errors.Is(err, data.ErrCodeExpired):
		return http.StatusGone, "code_expired"
	case errors.Is(err, data.ErrCodeVoided):
		return http.StatusGone, "code_voided"
	case errors.Is(err, data.ErrCodeNotFound):
		return http.StatusNotFound, "code_not_found"
	case errors.Is(err, data.ErrActivationNotFound):
		return http.StatusNotFound, "activation_not_found"
	case errors.Is(err, data.ErrChannelNotFound):
		return http.StatusNotFound, "channel_not_found"
	case errors.Is(err, activation.ErrNotPending):
		return http.StatusConflict, "not_pending"
	case errors.Is(err, signer.ErrKeyUnavailable):
		return http.StatusServiceUnavailable, "key_unavailable"
	case errors.Is(err, mfa.ErrRequired):
		return http.StatusUnauthorized, "mfa_required"
	case errors.Is(err, mfa.ErrInvalid), errors.Is(err, mfa.ErrNotEnrolled):
		return http.StatusUnauthorized, "mfa_invalid"
	case errors.Is(err, mfa.ErrLocked):
		return http.StatusLocked, "mfa_locked"
	case errors.Is(err, mfa.ErrClockSkew), errors.Is(err, totp.ErrClockSkew):
		return http.StatusBadRequest, "clock_skew"
	case errors.Is(err, data.ErrMfaAlreadyEnrolled):
		return http.StatusConflict, "mfa_enrolled"
	case errors.Is(err, auth.ErrStaleRequest):
		return http.StatusBadRequest, "stale_request"
	case errors.Is(err, data.ErrUserNotFound):
		return http.StatusUnauthorized, "invalid_credential"
	default:
		return http.StatusInternalServerError, ""
	}
}
