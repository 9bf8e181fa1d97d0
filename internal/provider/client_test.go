package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func()
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) Config {
	return Config{
		APIKey:      "sk-test",
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		Model:       "tutor-model",
		Temperature: 0.2,
		MaxTokens:   256,
		BackoffBase: time.Second,
		MaxBackoff:  10 * time.Second,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sleeper := &sleepRecorder{}
	all := append([]ClientOption{WithSleeper(sleeper.Sleep), WithLogger(quietLogger())}, opts...)
	return New(testConfig(srv.URL), all...), sleeper
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"cmpl-1","model":"tutor-model","choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`, content)
}

var question = []domain.Message{{Role: domain.RoleUser, Content: "What is osmosis?"}}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	var got chatRequest
	client, sleeper := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeCompletion(w, "Water moving across a membrane.")
	})

	resp, err := client.Send(context.Background(), question, Options{Temperature: Float(0)})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.ID != "cmpl-1" || resp.Content != "Water moving across a membrane." || resp.Model != "tutor-model" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if got.Model != "tutor-model" || got.Temperature != 0 || got.MaxTokens != 256 || got.Stream {
		t.Errorf("unexpected request body: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "What is osmosis?" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
	if len(sleeper.Delays()) != 0 {
		t.Errorf("no backoff expected, got %v", sleeper.Delays())
	}
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client, sleeper := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "ok")
	})

	resp, err := client.Send(context.Background(), question, Options{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
	if d := sleeper.Delays(); len(d) != 1 || d[0] != time.Second {
		t.Errorf("expected one 1s backoff, got %v", d)
	}
}

func TestSend_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client, sleeper := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	resp, err := client.Send(context.Background(), question, Options{})
	if resp != nil {
		t.Fatalf("expected nil response, got %+v", resp)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Attempts != 3 {
		t.Fatalf("expected *Error after 3 attempts, got %v", err)
	}
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected wrapped HTTPError 502, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	got := sleeper.Delays()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected backoff %v, got %v", want, got)
	}
}

func TestSend_GarbageIsNeverSuccess(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","choices":[]}`)
	})

	_, err := client.Send(context.Background(), question, Options{})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSend_PerAttemptTimeout(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 2
	sleeper := &sleepRecorder{}
	client := New(cfg, WithSleeper(sleeper.Sleep), WithLogger(quietLogger()))

	_, err := client.Send(context.Background(), question, Options{})
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("each attempt should get its own timeout; got %d attempts", calls.Load())
	}
}

func TestSend_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, sleeper := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	sleeper.hook = cancel

	_, err := client.Send(ctx, question, Options{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("no attempt may follow a cancelled backoff; got %d", calls.Load())
	}
}

func TestSend_Disabled(t *testing.T) {
	t.Parallel()

	client := New(Config{}, WithLogger(quietLogger()))
	if client.Healthy() {
		t.Fatal("client without API key must report unhealthy")
	}
	if _, err := client.Send(context.Background(), question, Options{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	for _, err := range client.Stream(context.Background(), question, Options{}) {
		if !errors.Is(err, ErrDisabled) {
			t.Fatalf("expected ErrDisabled from stream, got %v", err)
		}
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	tests := []struct {
		name     string
		messages []domain.Message
	}{
		{name: "empty", messages: nil},
		{name: "bad role", messages: []domain.Message{{Role: "tool", Content: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := client.Send(context.Background(), tt.messages, Options{}); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	c := New(Config{APIKey: "k", BackoffBase: time.Second, MaxBackoff: 5 * time.Second}, WithLogger(quietLogger()))
	c.cfg.Jitter = false
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := c.backoff(attempt); got != w {
			t.Errorf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}
	if got := c.backoff(200); got != 5*time.Second {
		t.Errorf("large attempt must hit the ceiling, got %v", got)
	}

	c.cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := c.backoff(1)
		if d < 2*time.Second || d > 5*time.Second {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}
