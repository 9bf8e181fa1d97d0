//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, "session not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "session not found" {
		t.Errorf("unexpected error body %v", got)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeProvider bool

func (f fakeProvider) Healthy() bool { return bool(f) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		provider   HealthChecker
		wantStatus int
		want       HealthResponse
	}{
		{"all ok", fakePinger{}, fakeProvider(true), http.StatusOK,
			HealthResponse{Status: "ok", Provider: "ok", Database: "ok"}},
		{"provider disabled", fakePinger{}, fakeProvider(false), http.StatusOK,
			HealthResponse{Status: "degraded", Provider: "disabled", Database: "ok"}},
		{"db down", fakePinger{err: errors.New("database is locked")}, fakeProvider(true), http.StatusServiceUnavailable,
			HealthResponse{Status: "unavailable", Provider: "ok", Database: "unreachable"}},
		{"no db", nil, fakeProvider(true), http.StatusOK,
			HealthResponse{Status: "ok", Provider: "ok", Database: "disabled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tt.db, tt.provider, "test").RegisterRoutes(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var got HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if got.Status != tt.want.Status || got.Provider != tt.want.Provider || got.Database != tt.want.Database {
				t.Errorf("unexpected health %+v", got)
			}
			if got.Version != "test" {
				t.Errorf("expected version test, got %q", got.Version)
			}
		})
	}
}
