// Package limiter implements per-identifier admission control with a fixed
// attempt window and capped exponential backoff.
package limiter

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// Common action names used as the second half of a limiter key.
const (
	ActionIdentity = "identity"
	ActionAsk      = "tutor_ask"
	ActionRequest  = "http_request"
)

// Config holds the constants of one limiter instance.
type Config struct {
	MaxAttempts       int
	Window            time.Duration
	BaseBackoff       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	SweepInterval     time.Duration
	// LockoutFactor * MaxAttempts failures make RecordFailure signal a lock.
	LockoutFactor int
}

// AuthConfig returns the per-account configuration used for sensitive actions.
func AuthConfig() Config {
	return Config{
		MaxAttempts:       5,
		Window:            15 * time.Minute,
		BaseBackoff:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        15 * time.Minute,
		SweepInterval:     time.Minute,
		LockoutFactor:     3,
	}
}

// RequestConfig returns the stricter per-source configuration used for coarse
// request throttling: shorter window and a smaller backoff cap.
func RequestConfig() Config {
	return Config{
		MaxAttempts:       30,
		Window:            time.Minute,
		BaseBackoff:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
		SweepInterval:     time.Minute,
		LockoutFactor:     3,
	}
}

func (c Config) withDefaults() Config {
	d := AuthConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.LockoutFactor <= 0 {
		c.LockoutFactor = d.LockoutFactor
	}
	return c
}

// Decision is the result of a Check.
type Decision struct {
	Allowed           bool
	WaitTime          time.Duration
	AttemptsRemaining int
}

// WaitSeconds returns WaitTime rounded up to whole seconds.
func (d Decision) WaitSeconds() int {
	return int(math.Ceil(d.WaitTime.Seconds()))
}

// Escalation is returned by RecordFailure.
type Escalation struct {
	Attempts   int
	ShouldLock bool
}

// DeniedError reports an admission denial to callers that propagate errors.
type DeniedError struct {
	Identifier string
	Action     string
	Wait       time.Duration
}

func (e *DeniedError) Error() string {
	secs := int(math.Ceil(e.Wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("too many attempts, try again in %d seconds", secs)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for denials and sweeps.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithoutSweeper disables the background sweep goroutine. Sweep can still be
// called directly.
func WithoutSweeper() Option {
	return func(l *Limiter) { l.noSweep = true }
}

// Limiter tracks one RateLimitRecord per (identifier, action).
// A single mutex guards the map; the sweep takes the same lock so it never
// deletes a record while a check is updating it.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	records map[string]*domain.RateLimitRecord
	now     func() time.Time
	logger  *slog.Logger
	noSweep bool
	done    chan struct{}
	once    sync.Once
}

// New creates a Limiter and starts its background sweep.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*domain.RateLimitRecord),
		now:     time.Now,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if !l.noSweep {
		l.startSweeper()
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

func key(identifier, action string) string {
	return identifier + ":" + action
}

// Check registers an attempt for (identifier, action) and reports whether it
// may proceed.
func (l *Limiter) Check(identifier, action string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(identifier, action)
	rec, ok := l.records[k]

	if ok && now.Before(rec.BackoffUntil) {
		rec.LastAttemptAt = now
		return Decision{Allowed: false, WaitTime: rec.BackoffUntil.Sub(now)}
	}

	if !ok || !now.Before(rec.WindowResetAt) {
		l.records[k] = &domain.RateLimitRecord{
			Count:         1,
			WindowResetAt: now.Add(l.cfg.Window),
			LastAttemptAt: now,
		}
		return Decision{Allowed: true, AttemptsRemaining: l.cfg.MaxAttempts - 1}
	}

	rec.Count++
	rec.LastAttemptAt = now
	if rec.Count > l.cfg.MaxAttempts {
		wait := l.backoff(rec.Count - l.cfg.MaxAttempts)
		rec.BackoffUntil = now.Add(wait)
		l.logger.Debug("admission denied",
			"identifier", identifier,
			"action", action,
			"attempts", rec.Count,
			"backoff", wait,
		)
		return Decision{Allowed: false, WaitTime: wait}
	}

	return Decision{Allowed: true, AttemptsRemaining: l.cfg.MaxAttempts - rec.Count}
}

// backoff returns min(MaxBackoff, BaseBackoff * Multiplier^overflow).
func (l *Limiter) backoff(overflow int) time.Duration {
	d := float64(l.cfg.BaseBackoff) * math.Pow(l.cfg.BackoffMultiplier, float64(overflow))
	if d >= float64(l.cfg.MaxBackoff) || math.IsInf(d, 1) {
		return l.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// RecordSuccess forgives all prior attempts for the key.
func (l *Limiter) RecordSuccess(identifier, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key(identifier, action))
}

// RecordFailure marks the latest attempt as failed and reports whether the
// caller should apply its lockout policy. It does not count an extra attempt;
// Check already did.
func (l *Limiter) RecordFailure(identifier, action string) Escalation {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key(identifier, action)]
	if !ok {
		return Escalation{}
	}
	rec.LastAttemptAt = l.now()
	return Escalation{
		Attempts:   rec.Count,
		ShouldLock: rec.Count >= l.cfg.LockoutFactor*l.cfg.MaxAttempts,
	}
}

// Record returns a copy of the record for the key, if present.
func (l *Limiter) Record(identifier, action string) (domain.RateLimitRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key(identifier, action)]
	if !ok {
		return domain.RateLimitRecord{}, false
	}
	return *rec, true
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Sweep deletes records whose window and backoff have both elapsed and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, rec := range l.records {
		if !now.Before(rec.WindowResetAt) && !now.Before(rec.BackoffUntil) {
			delete(l.records, k)
			removed++
		}
	}
	return removed
}

// startSweeper runs a background goroutine that periodically removes expired
// records, bounding memory.
func (l *Limiter) startSweeper() {
	go func() {
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("limiter sweep", "removed", n)
				}
			}
		}
	}()
}

// Close stops the background sweep. It is safe to call more than once.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}
