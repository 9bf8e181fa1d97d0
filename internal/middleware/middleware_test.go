package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/tutor-pipeline/internal/limiter"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantCreds  bool
	}{
		{"explicit origin", []string{"http://localhost:5173"}, "http://localhost:5173", "http://localhost:5173", true},
		{"wildcard", []string{"*"}, "https://evil.example", "https://evil.example", false},
		{"not allowed", []string{"http://localhost:5173"}, "https://evil.example", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			CORS(tt.allowed)(ok).ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCreds)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	t.Parallel()

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	req := httptest.NewRequest(http.MethodOptions, "/api/tutor/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	CORS([]string{"http://localhost:5173"})(next).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent || called {
		t.Errorf("preflight: status %d, next called %v", w.Code, called)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	cfg := limiter.RequestConfig()
	cfg.MaxAttempts = 2
	l := limiter.New(cfg, limiter.WithoutSweeper())
	defer l.Close()
	h := RateLimit(l)(ok)

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/tutor/sessions", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := do("192.0.2.1:1000"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := do("192.0.2.1:1001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("expected Retry-After 2, got %q", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), "try again in 2 seconds") {
		t.Errorf("unexpected body %q", w.Body.String())
	}

	if w := do("192.0.2.2:1000"); w.Code != http.StatusOK {
		t.Errorf("other clients must not be throttled, got %d", w.Code)
	}
}
