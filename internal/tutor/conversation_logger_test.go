package tutor

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	event := ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    "tutor",
		Direction:  "inbound",
		EventType:  "tutor_user_message",
		ContentRaw: "what is a prime?",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "what is a prime?" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" || got.Timestamp == "" {
		t.Fatal("expected cleaned content and timestamp to be populated")
	}
}

func TestConversationLoggerGlobalFileAndClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "conversations.ndjson")
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           filepath.Join(dir, "sessions"),
		GlobalEnabled: true,
		GlobalPath:    global,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}

	for _, sid := range []string{"a", "b", "../escape"} {
		logger.Log(ConversationLogEvent{UserID: "u", SessionID: sid, EventType: "tutor_user_message", ContentRaw: "hi"})
	}
	// Close drains the queue before returning.
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logger.Log(ConversationLogEvent{UserID: "u", SessionID: "late"})

	data, err := os.ReadFile(global)
	if err != nil {
		t.Fatalf("read global log: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != 3 {
		t.Errorf("expected 3 global lines, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", "u", "_escape.ndjson")); err != nil {
		t.Errorf("expected sanitized session file: %v", err)
	}
}

func TestConversationLoggerDisabled(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	if _, ok := logger.(noopConversationLogger); !ok {
		t.Errorf("expected noop logger, got %T", logger)
	}
	logger.Log(ConversationLogEvent{SessionID: "x"})
	if err := logger.Close(); err != nil {
		t.Errorf("noop Close returned %v", err)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestCleanForReadabilityCollapsesBlankLines(t *testing.T) {
	t.Parallel()

	got := cleanForReadability("one  \r\n\r\n\r\n\ntwo\x07\n")
	if got != "one\n\ntwo" {
		t.Errorf("unexpected cleaned text %q", got)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
