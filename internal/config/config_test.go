package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tutor.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFrom_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Provider.MaxRetries != 3 || cfg.Provider.Timeout != 30*time.Second || cfg.Provider.MaxTokens != 1000 {
		t.Errorf("unexpected provider defaults: %+v", cfg.Provider)
	}
	if cfg.Streaming.ValidationThreshold != 100 || cfg.Streaming.ProcessingInterval != 50*time.Millisecond || !cfg.Streaming.FallbackToRaw {
		t.Errorf("unexpected streaming defaults: %+v", cfg.Streaming)
	}
	if cfg.RateLimit.Auth.MaxAttempts != 5 || cfg.RateLimit.Auth.Window != 15*time.Minute {
		t.Errorf("unexpected auth limiter defaults: %+v", cfg.RateLimit.Auth)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-env")
	t.Setenv("LLM_TIMEOUT_MS", "1500")
	t.Setenv("LLM_MAX_RETRIES", "5")
	t.Setenv("LLM_TEMPERATURE", "0.3")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("CONVERSATION_LOG_QUEUE_SIZE", "-4")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Provider.APIKey != "sk-env" || cfg.Provider.Timeout != 1500*time.Millisecond ||
		cfg.Provider.MaxRetries != 5 || cfg.Provider.Temperature != 0.3 {
		t.Errorf("env not applied: %+v", cfg.Provider)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Errorf("expected 2h TTL, got %v", cfg.Session.TTL)
	}
	if cfg.ConversationLog.QueueSize != 1000 {
		t.Errorf("invalid queue size must keep the default, got %d", cfg.ConversationLog.QueueSize)
	}
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	t.Setenv("LLM_MODEL", "env-model")
	path := writeFile(t, `
port = "9090"

[provider]
model = "file-model"
timeout = "5s"

[rate_limit.ask]
max_attempts = 3
window = "1m"

[streaming]
fallback_to_raw = false
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("file value not applied: port %q", cfg.Port)
	}
	if cfg.Provider.Model != "env-model" {
		t.Errorf("env must win over file, got %q", cfg.Provider.Model)
	}
	if cfg.Provider.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Provider.Timeout)
	}
	if cfg.RateLimit.Ask.MaxAttempts != 3 || cfg.RateLimit.Ask.Window != time.Minute {
		t.Errorf("unexpected ask limiter: %+v", cfg.RateLimit.Ask)
	}
	if cfg.Streaming.FallbackToRaw {
		t.Error("file should disable raw fallback")
	}
	if cfg.Provider.MaxRetries != 3 {
		t.Errorf("unset keys keep defaults, got %d retries", cfg.Provider.MaxRetries)
	}
}

func TestLoadFrom_FileErrors(t *testing.T) {
	if _, err := LoadFrom(writeFile(t, "[provider]\nmodle = \"typo\"\n")); err == nil || !strings.Contains(err.Error(), "provider.modle") {
		t.Errorf("expected unknown key error, got %v", err)
	}
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Provider.Temperature = 3
	cfg.Provider.MaxRetries = 0
	cfg.Provider.BaseURL = "ftp://example.com"
	cfg.RateLimit.Request.Window = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"LLM_TEMPERATURE", "LLM_MAX_RETRIES", "LLM_BASE_URL", "rate_limit.request.window"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults must validate, got %v", err)
	}
}

func TestConversions(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Provider.APIKey = "sk-1234567890"

	pc := cfg.ProviderClientConfig()
	if pc.APIKey != "sk-1234567890" || pc.BackoffBase != time.Second || pc.MaxRetries != 3 {
		t.Errorf("unexpected provider config: %+v", pc)
	}

	lc := cfg.RateLimit.Ask.LimiterConfig()
	if lc.MaxAttempts != 20 || lc.Window != 10*time.Minute || lc.BackoffMultiplier != 2 || lc.LockoutFactor != 3 {
		t.Errorf("unexpected limiter config: %+v", lc)
	}

	sc := cfg.ProcessorConfig()
	if sc.ValidationThreshold != 100 || !sc.RetryOnError || sc.MaxRetries != 2 {
		t.Errorf("unexpected processor config: %+v", sc)
	}

	red := cfg.Redacted()
	if red.Provider.APIKey != "sk-1*****7890" {
		t.Errorf("unexpected redaction %q", red.Provider.APIKey)
	}
	if cfg.Provider.APIKey != "sk-1234567890" {
		t.Error("Redacted must not modify the original")
	}
}
