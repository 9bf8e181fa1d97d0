// Package config provides application configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional TOML file (CONFIG_FILE), and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ashureev/tutor-pipeline/internal/limiter"
	"github.com/ashureev/tutor-pipeline/internal/provider"
	"github.com/ashureev/tutor-pipeline/internal/streaming"
)

// Config holds all application configuration.
type Config struct {
	Port            string                `toml:"port"`
	FrontendURL     string                `toml:"frontend_url"`
	DBPath          string                `toml:"db_path"`
	Session         SessionConfig         `toml:"session"`
	Provider        ProviderConfig        `toml:"provider"`
	RateLimit       RateLimitConfig       `toml:"rate_limit"`
	Streaming       StreamingConfig       `toml:"streaming"`
	SSE             SSEConfig             `toml:"sse"`
	ConversationLog ConversationLogConfig `toml:"conversation_log"`
	Log             LogConfig             `toml:"log"`
	Telemetry       TelemetryConfig       `toml:"telemetry"`
}

// SessionConfig controls the in-memory session registry.
type SessionConfig struct {
	TTL           time.Duration `toml:"ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
	SystemPrompt  string        `toml:"system_prompt"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	APIKey      string        `toml:"api_key"`
	BaseURL     string        `toml:"base_url"`
	Timeout     time.Duration `toml:"timeout"`
	MaxRetries  int           `toml:"max_retries"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	MaxTokens   int           `toml:"max_tokens"`
	MaxBackoff  time.Duration `toml:"max_backoff"`
	Jitter      bool          `toml:"jitter"`
}

// LimitConfig holds the tunables of one admission limiter.
type LimitConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	Window      time.Duration `toml:"window"`
	BaseBackoff time.Duration `toml:"base_backoff"`
	MaxBackoff  time.Duration `toml:"max_backoff"`
}

// RateLimitConfig groups the limiters used by the server.
type RateLimitConfig struct {
	Auth    LimitConfig `toml:"auth"`
	Ask     LimitConfig `toml:"ask"`
	Request LimitConfig `toml:"request"`
}

// StreamingConfig controls incremental processing of streamed replies.
type StreamingConfig struct {
	ProcessIncrementally bool          `toml:"process_incrementally"`
	ValidationThreshold  int           `toml:"validation_threshold"`
	ProcessingInterval   time.Duration `toml:"processing_interval"`
	RetryOnError         bool          `toml:"retry_on_error"`
	MaxRetries           int           `toml:"max_retries"`
	FallbackToRaw        bool          `toml:"fallback_to_raw"`
}

// SSEConfig controls server-sent event responses.
type SSEConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `toml:"enabled"`
	Dir           string `toml:"dir"`
	GlobalEnabled bool   `toml:"global_enabled"`
	GlobalPath    string `toml:"global_path"`
	QueueSize     int    `toml:"queue_size"`
}

// LogConfig controls the application logger.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	pc := provider.DefaultConfig()
	sc := streaming.DefaultConfig()
	auth := limiter.AuthConfig()
	req := limiter.RequestConfig()
	return &Config{
		Port:   "8080",
		DBPath: "./data/tutor.db",
		Session: SessionConfig{
			TTL:           60 * time.Minute,
			SweepInterval: time.Minute,
			SystemPrompt:  "You are a patient tutor. Explain step by step, use examples, and check understanding.",
		},
		Provider: ProviderConfig{
			BaseURL:     pc.BaseURL,
			Timeout:     pc.Timeout,
			MaxRetries:  pc.MaxRetries,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			MaxBackoff:  pc.MaxBackoff,
			Jitter:      pc.Jitter,
		},
		RateLimit: RateLimitConfig{
			Auth: LimitConfig{MaxAttempts: auth.MaxAttempts, Window: auth.Window, BaseBackoff: auth.BaseBackoff, MaxBackoff: auth.MaxBackoff},
			Ask:  LimitConfig{MaxAttempts: 20, Window: 10 * time.Minute, BaseBackoff: time.Second, MaxBackoff: 10 * time.Minute},
			Request: LimitConfig{
				MaxAttempts: req.MaxAttempts, Window: req.Window, BaseBackoff: req.BaseBackoff, MaxBackoff: req.MaxBackoff,
			},
		},
		Streaming: StreamingConfig{
			ProcessIncrementally: sc.ProcessIncrementally,
			ValidationThreshold:  sc.ValidationThreshold,
			ProcessingInterval:   sc.ProcessingInterval,
			RetryOnError:         sc.RetryOnError,
			MaxRetries:           sc.MaxRetries,
			FallbackToRaw:        sc.FallbackToRaw,
		},
		SSE: SSEConfig{HeartbeatInterval: 15 * time.Second},
		ConversationLog: ConversationLogConfig{
			Enabled:    true,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Dir: "./data/logs"},
	}
}

// Load reads configuration from the file named by CONFIG_FILE, if any, and
// environment variables.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"))
}

// LoadFrom reads configuration from path (skipped when empty) and then
// applies environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)

	c.Session.TTL = getEnvDuration("SESSION_TTL", c.Session.TTL)
	c.Session.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", c.Session.SweepInterval)
	c.Session.SystemPrompt = getEnv("TUTOR_SYSTEM_PROMPT", c.Session.SystemPrompt)

	c.Provider.APIKey = getEnv("LLM_API_KEY", c.Provider.APIKey)
	c.Provider.BaseURL = getEnv("LLM_BASE_URL", c.Provider.BaseURL)
	c.Provider.Timeout = getEnvMillis("LLM_TIMEOUT_MS", c.Provider.Timeout)
	c.Provider.MaxRetries = getEnvInt("LLM_MAX_RETRIES", c.Provider.MaxRetries)
	c.Provider.Model = getEnv("LLM_MODEL", c.Provider.Model)
	c.Provider.Temperature = getEnvFloat("LLM_TEMPERATURE", c.Provider.Temperature)
	c.Provider.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.Provider.MaxTokens)
	c.Provider.MaxBackoff = getEnvMillis("LLM_MAX_BACKOFF_MS", c.Provider.MaxBackoff)
	c.Provider.Jitter = getEnvBool("LLM_BACKOFF_JITTER", c.Provider.Jitter)

	c.RateLimit.Auth.MaxAttempts = getEnvInt("RATE_LIMIT_AUTH_MAX_ATTEMPTS", c.RateLimit.Auth.MaxAttempts)
	c.RateLimit.Auth.Window = getEnvDuration("RATE_LIMIT_AUTH_WINDOW", c.RateLimit.Auth.Window)
	c.RateLimit.Ask.MaxAttempts = getEnvInt("RATE_LIMIT_ASK_MAX_ATTEMPTS", c.RateLimit.Ask.MaxAttempts)
	c.RateLimit.Ask.Window = getEnvDuration("RATE_LIMIT_ASK_WINDOW", c.RateLimit.Ask.Window)
	c.RateLimit.Request.MaxAttempts = getEnvInt("RATE_LIMIT_REQUEST_MAX_ATTEMPTS", c.RateLimit.Request.MaxAttempts)
	c.RateLimit.Request.Window = getEnvDuration("RATE_LIMIT_REQUEST_WINDOW", c.RateLimit.Request.Window)

	c.Streaming.ProcessIncrementally = getEnvBool("STREAM_PROCESS_INCREMENTALLY", c.Streaming.ProcessIncrementally)
	c.Streaming.ValidationThreshold = getEnvInt("STREAM_VALIDATION_THRESHOLD", c.Streaming.ValidationThreshold)
	c.Streaming.ProcessingInterval = getEnvMillis("STREAM_PROCESSING_INTERVAL_MS", c.Streaming.ProcessingInterval)
	c.Streaming.FallbackToRaw = getEnvBool("STREAM_FALLBACK_TO_RAW", c.Streaming.FallbackToRaw)

	c.SSE.HeartbeatInterval = getEnvDuration("SSE_HEARTBEAT_INTERVAL", c.SSE.HeartbeatInterval)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	if n := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize); n > 0 {
		c.ConversationLog.QueueSize = n
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Telemetry.Enabled = getEnvBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.Dir = getEnv("OTEL_DIR", c.Telemetry.Dir)
}

// Validate checks the configuration for values that would cause confusing
// runtime failures. It returns all found issues joined together. A missing
// API key is allowed: the provider client then reports itself disabled.
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Session.TTL < 0 {
		errs = append(errs, errors.New("SESSION_TTL must be >= 0 (0 = never evict)"))
	}

	if c.Provider.BaseURL != "" {
		u, err := url.ParseRequestURI(c.Provider.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, errors.New("LLM_BASE_URL must be a valid http or https URL"))
		}
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT_MS must be > 0"))
	}
	if c.Provider.MaxRetries < 1 {
		errs = append(errs, errors.New("LLM_MAX_RETRIES must be >= 1"))
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		errs = append(errs, errors.New("LLM_TEMPERATURE must be between 0 and 2"))
	}
	if c.Provider.MaxTokens < 0 {
		errs = append(errs, errors.New("LLM_MAX_TOKENS must be >= 0"))
	}

	for name, l := range map[string]LimitConfig{
		"auth":    c.RateLimit.Auth,
		"ask":     c.RateLimit.Ask,
		"request": c.RateLimit.Request,
	} {
		if l.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s.max_attempts must be > 0", name))
		}
		if l.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s.window must be > 0", name))
		}
	}

	if c.Streaming.ValidationThreshold <= 0 {
		errs = append(errs, errors.New("STREAM_VALIDATION_THRESHOLD must be > 0"))
	}
	if c.Streaming.MaxRetries < 0 {
		errs = append(errs, errors.New("streaming.max_retries must be >= 0"))
	}

	if c.ConversationLog.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}
	if c.ConversationLog.GlobalPath == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty"))
	}
	if c.ConversationLog.QueueSize <= 0 {
		errs = append(errs, errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ProviderClientConfig converts the provider section for provider.New.
func (c *Config) ProviderClientConfig() provider.Config {
	d := provider.DefaultConfig()
	return provider.Config{
		APIKey:      c.Provider.APIKey,
		BaseURL:     c.Provider.BaseURL,
		Timeout:     c.Provider.Timeout,
		MaxRetries:  c.Provider.MaxRetries,
		Model:       c.Provider.Model,
		Temperature: c.Provider.Temperature,
		MaxTokens:   c.Provider.MaxTokens,
		BackoffBase: d.BackoffBase,
		MaxBackoff:  c.Provider.MaxBackoff,
		Jitter:      c.Provider.Jitter,
	}
}

// LimiterConfig converts one rate limit section for limiter.New.
func (l LimitConfig) LimiterConfig() limiter.Config {
	cfg := limiter.AuthConfig()
	cfg.MaxAttempts = l.MaxAttempts
	cfg.Window = l.Window
	if l.BaseBackoff > 0 {
		cfg.BaseBackoff = l.BaseBackoff
	}
	if l.MaxBackoff > 0 {
		cfg.MaxBackoff = l.MaxBackoff
	}
	return cfg
}

// ProcessorConfig converts the streaming section for streaming.New.
func (c *Config) ProcessorConfig() streaming.Config {
	return streaming.Config{
		ProcessIncrementally: c.Streaming.ProcessIncrementally,
		ValidationThreshold:  c.Streaming.ValidationThreshold,
		ProcessingInterval:   c.Streaming.ProcessingInterval,
		RetryOnError:         c.Streaming.RetryOnError,
		MaxRetries:           c.Streaming.MaxRetries,
		FallbackToRaw:        c.Streaming.FallbackToRaw,
	}
}

// Redacted returns a copy safe to print, with the API key masked.
func (c *Config) Redacted() *Config {
	out := *c
	if k := out.Provider.APIKey; k != "" {
		if len(k) > 8 {
			out.Provider.APIKey = k[:4] + strings.Repeat("*", len(k)-8) + k[len(k)-4:]
		} else {
			out.Provider.APIKey = strings.Repeat("*", len(k))
		}
	}
	return &out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings such as "90s" or "15m".
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvMillis reads an integer number of milliseconds.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
