package provider

import "time"

// Config holds provider connection settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration // per attempt
	MaxRetries  int           // total attempts
	Model       string
	Temperature float64
	MaxTokens   int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

// DefaultConfig returns the default provider configuration without an API key.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com/v1",
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   1000,
		BackoffBase: time.Second,
		MaxBackoff:  10 * time.Second,
		Jitter:      true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Options override Config values for a single call.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Float returns a pointer to v, for Options.Temperature.
func Float(v float64) *float64 {
	return &v
}
