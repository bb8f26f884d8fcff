package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yingzhisoft/license-server/internal/signer"
)

type HealthHandler struct {
	DB     *sql.DB
	Redis  *redis.Client
	Signer *signer.Keyset
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthz is the liveness probe: process up, nothing else checked.
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe: DB, redis, and a usable signing key. Any
// failure flips the whole endpoint to 503 so the LB stops routing here.
// GET /readyz
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"postgres": "ok", "redis": "ok", "signer": "ok"}
	healthy := true

	if err := h.DB.PingContext(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	}
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}
	if _, err := h.Signer.SigningKID(); err != nil {
		checks["signer"] = "no signing key"
		healthy = false
	}

	status := http.StatusOK
	resp := healthResponse{Status: "ready", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}
