package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/yingzhisoft/license-server/internal/revocation"
)

type SyncHandler struct {
	Revocations *revocation.Registry
}

// ListRevocations returns revocations after the given cursor for pull-based
// sync clients. `since` is unix seconds; omit for the full list.
// GET /api/v1/revocations?since=...
func (h *SyncHandler) ListRevocations(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		since = time.Unix(sec, 0)
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	entries, err := h.Revocations.ListSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	cursor := since.Unix()
	if n := len(entries); n > 0 {
		cursor = entries[n-1].RevokedAt.Unix()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revocations": entries,
		"next_since":  cursor,
	})
}
