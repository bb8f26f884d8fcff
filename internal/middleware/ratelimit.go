package middleware

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/yingzhisoft/license-server/internal/quota"
)

type RateLimitMiddleware struct {
	enforcer *quota.Enforcer
	globalIP quota.WindowConfig
}

func NewRateLimitMiddleware(e *quota.Enforcer, globalIP quota.WindowConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{enforcer: e, globalIP: globalIP}
}

// GlobalLimiter throttles by source IP before anything else runs. Redis
// being down fails open for activation traffic but closed for admin auth,
// where the limiter doubles as brute-force protection.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := strings.Split(r.RemoteAddr, ":")[0]
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip = strings.TrimSpace(strings.Split(xff, ",")[0])
		}

		decision, err := m.enforcer.CheckWindow(r.Context(), quota.ScopeGlobalIP, m.enforcer.HashIP(ip), m.globalIP)
		if err != nil {
			if strings.HasPrefix(r.URL.Path, "/api/v1/admin/auth/") {
				log.Printf("rate limit redis error (auth, fail closed): %v", err)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			log.Printf("rate limit redis error (fail open): %v", err)
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			writeRateLimitHeaders(w, decision)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d *quota.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
