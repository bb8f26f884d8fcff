package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/yingzhisoft/license-server/internal/audit"
	"github.com/yingzhisoft/license-server/internal/auth"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/mfa"
	"github.com/yingzhisoft/license-server/internal/middleware"
	"github.com/yingzhisoft/license-server/internal/tokens"
)

type AuthHandler struct {
	Users     data.AdminUserModel
	Tokens    *tokens.Manager
	Blacklist auth.TokenBlacklist
	Lockout   *mfa.Lockout
	Audit     *audit.Service
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	MfaEnabled   bool   `json:"mfa_enabled"`
}

// Login authenticates an operator. Failed attempts share the MFA lockout
// counter, so password guessing and code guessing drain the same budget.
// POST /api/v1/admin/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	fail := func(reason string) {
		h.auditLogin(r, req.Username, audit.ResultFailure, reason)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials", ReasonCode: "invalid_credential"})
	}

	user, err := h.Users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			// Burn comparable time so missing users are not distinguishable.
			_, _ = auth.CheckPassword(req.Password, "$argon2id$v=19$m=65536,t=2,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
			fail("unknown_user")
			return
		}
		writeError(w, err)
		return
	}

	locked, err := h.Lockout.IsLocked(r.Context(), user.ID.String())
	if err == nil && locked {
		h.auditLogin(r, req.Username, audit.ResultFailure, "locked")
		writeJSON(w, http.StatusLocked, errorResponse{Error: "account locked", ReasonCode: "mfa_locked"})
		return
	}

	match, err := auth.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !match {
		if justLocked, recErr := h.Lockout.RecordFailure(r.Context(), user.ID.String()); recErr == nil && justLocked {
			h.auditLogin(r, req.Username, audit.ResultFailure, "locked")
			writeJSON(w, http.StatusLocked, errorResponse{Error: "account locked", ReasonCode: "mfa_locked"})
			return
		}
		fail("bad_password")
		return
	}

	_ = h.Lockout.Reset(r.Context(), user.ID.String())

	access, err := h.Tokens.GenerateAccessToken(user.ID.String(), user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	refresh, err := h.Tokens.GenerateRefreshToken(user.ID.String(), user.Username)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Users.TouchLogin(r.Context(), user.ID); err != nil {
		log.Printf("touch login failed for %s: %v", user.Username, err)
	}
	h.auditLogin(r, req.Username, audit.ResultSuccess, "")
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: access, RefreshToken: refresh, MfaEnabled: user.MfaEnabled})
}

// Logout blacklists the presented token's jti for its remaining lifetime.
// POST /api/v1/admin/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAdminContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.Blacklist.AddToBlacklist(r.Context(), ac.TokenID, 15*time.Minute); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Refresh exchanges a refresh token for a new access token.
// POST /api/v1/admin/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	claims, err := h.Tokens.ValidateToken(req.RefreshToken)
	if err != nil || claims.TokenType != tokens.Refresh {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid refresh token", ReasonCode: "invalid_credential"})
		return
	}
	blacklisted, err := h.Blacklist.IsBlacklisted(r.Context(), claims.ID)
	if err != nil || blacklisted {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid refresh token", ReasonCode: "invalid_credential"})
		return
	}

	access, err := h.Tokens.GenerateAccessToken(claims.UserID, claims.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (h *AuthHandler) auditLogin(r *http.Request, username, result, reason string) {
	if h.Audit == nil {
		return
	}
	evt := audit.Event{
		Actor:      username,
		Action:     audit.ActionAdminLogin,
		Result:     result,
		ReasonCode: reason,
		RequestID:  r.Header.Get("X-Request-ID"),
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.Audit.WriteEvent(r.Context(), evt); err != nil {
		log.Printf("audit login write failed: %v", err)
	}
}
