package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yingzhisoft/license-server/internal/audit"
)

type IPHasher interface {
	HashIP(ip string) string
}

type AuditMiddleware struct {
	service *audit.Service
	hasher  IPHasher
}

func NewAuditMiddleware(s *audit.Service, h IPHasher) *AuditMiddleware {
	return &AuditMiddleware{service: s, hasher: h}
}

// LogRequest writes an audit event for mutating requests. Reads are not
// audited; the domain services emit their own, richer events for the
// operations that matter, so this is the catch-all floor.
func (m *AuditMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		isMutating := r.Method == "POST" || r.Method == "PUT" || r.Method == "PATCH" || r.Method == "DELETE"
		if !isMutating {
			return
		}

		evt := audit.Event{
			EventID:   uuid.New(),
			Actor:     "anonymous",
			Action:    truncate(fmt.Sprintf("http.%s", strings.ToLower(r.Method)), 100),
			SN:        "",
			Result:    audit.ResultSuccess,
			RequestID: truncate(r.Header.Get("X-Request-ID"), 100),
			ClientIP:  truncate(m.hasher.HashIP(extractIP(r)), 64),
			CreatedAt: time.Now(),
		}

		duration := time.Since(start)
		evt.Metadata = json.RawMessage(fmt.Sprintf(`{"path": %q, "latency_ms": %d}`, r.URL.Path, duration.Milliseconds()))

		if ww.status >= 400 {
			evt.Result = audit.ResultFailure
			evt.ReasonCode = truncate(fmt.Sprintf("http_%d", ww.status), 50)
		}

		if cc, ok := GetChannelContext(r.Context()); ok {
			evt.Actor = cc.Channel.ChannelCode
			evt.ChannelCode = cc.Channel.ChannelCode
		}
		if ac, ok := GetAdminContext(r.Context()); ok {
			evt.Actor = ac.Username
		}

		// Async write so audit latency never shows up in request latency.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.service.WriteEvent(ctx, evt)
		}()
	})
}

func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return strings.Split(r.RemoteAddr, ":")[0]
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
