// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/api"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
)

const (
	AnonCookieName   = "tutor_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	clientIPKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientIPFromContext extracts the client IP recorded by Middleware.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID. Used by tests and
// non-HTTP entry points.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects an anonymous per-device identity. Requests with a valid
// cookie pass straight through. Minting a new identity consumes an attempt on
// issuer, keyed by client IP, so clients cannot rotate identities to escape
// per-user limits. A cookie that is present but malformed counts as a failure.
// A nil issuer disables the gate.
func Middleware(issuer *limiter.Limiter, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := IPFromRequest(r)
			ctx := context.WithValue(r.Context(), clientIPKey, ip)

			if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
				setAnonCookie(w, c.Value, isDev)
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userIDKey, c.Value)))
				return
			} else if err == nil && issuer != nil {
				if esc := issuer.RecordFailure(ip, limiter.ActionIdentity); esc.ShouldLock {
					slog.Warn("Repeated malformed identity cookies", "ip", ip, "attempts", esc.Attempts)
				}
			}

			if issuer != nil {
				if d := issuer.Check(ip, limiter.ActionIdentity); !d.Allowed {
					denied := &limiter.DeniedError{Identifier: ip, Action: limiter.ActionIdentity, Wait: d.WaitTime}
					w.Header().Set("Retry-After", strconv.Itoa(max(d.WaitSeconds(), 1)))
					api.Error(w, http.StatusTooManyRequests, denied.Error())
					return
				}
			}

			id, err := generateAnonID()
			if err != nil {
				slog.Error("Failed to generate anonymous id", "error", err)
				api.Error(w, http.StatusInternalServerError, "failed to establish anonymous identity")
				return
			}
			setAnonCookie(w, id, isDev)
			slog.Debug("Issued anonymous identity", "ip", ip)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userIDKey, id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP. It relies on chi's RealIP
// middleware having rewritten RemoteAddr when running behind a proxy.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
