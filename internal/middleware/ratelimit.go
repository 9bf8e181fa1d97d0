package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/tutor-pipeline/internal/api"
	"github.com/ashureev/tutor-pipeline/internal/identity"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
)

// RateLimit throttles requests per client IP with l. Denied requests get 429
// with a Retry-After header and are never passed on.
func RateLimit(l *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := identity.IPFromRequest(r)
			d := l.Check(ip, limiter.ActionRequest)
			if !d.Allowed {
				denied := &limiter.DeniedError{Identifier: ip, Action: limiter.ActionRequest, Wait: d.WaitTime}
				slog.Debug("Request throttled", "ip", ip, "path", r.URL.Path, "wait", d.WaitTime)
				w.Header().Set("Retry-After", strconv.Itoa(max(d.WaitSeconds(), 1)))
				api.Error(w, http.StatusTooManyRequests, denied.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
