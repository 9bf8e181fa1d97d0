package limiter

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.Now), WithoutSweeper()), clock
}

func TestCheck_AllowsUpToMaxAttempts(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{MaxAttempts: 5, Window: 900 * time.Second})

	for i := 1; i <= 5; i++ {
		d := l.Check("u1", "login")
		if !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i)
		}
		if d.AttemptsRemaining != 5-i {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i, 5-i, d.AttemptsRemaining)
		}
	}

	d := l.Check("u1", "login")
	if d.Allowed {
		t.Fatal("6th attempt should be denied")
	}
	if d.AttemptsRemaining != 0 {
		t.Errorf("expected 0 attempts remaining, got %d", d.AttemptsRemaining)
	}
	if d.WaitSeconds() != 2 {
		t.Errorf("expected first backoff step of 2s, got %v", d.WaitTime)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{MaxAttempts: 1, Window: time.Minute})

	if !l.Check("u1", "login").Allowed {
		t.Fatal("first u1 login should be allowed")
	}
	if !l.Check("u1", "ask").Allowed {
		t.Fatal("different action should have its own record")
	}
	if !l.Check("u2", "login").Allowed {
		t.Fatal("different identifier should have its own record")
	}
	if l.Check("u1", "login").Allowed {
		t.Fatal("second u1 login should be denied")
	}
}

func TestCheck_BackoffDeniesWithoutCounting(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Config{MaxAttempts: 2, Window: time.Hour})
	l.Check("ip", "x")
	l.Check("ip", "x")
	first := l.Check("ip", "x")
	if first.Allowed {
		t.Fatal("expected denial after overflow")
	}

	rec, _ := l.Record("ip", "x")
	countAtDenial := rec.Count

	clock.Advance(500 * time.Millisecond)
	d := l.Check("ip", "x")
	if d.Allowed {
		t.Fatal("expected denial while backoff is live")
	}
	if d.WaitTime != first.WaitTime-500*time.Millisecond {
		t.Errorf("expected remaining backoff %v, got %v", first.WaitTime-500*time.Millisecond, d.WaitTime)
	}
	rec, _ = l.Record("ip", "x")
	if rec.Count != countAtDenial {
		t.Errorf("count changed during backoff: %d -> %d", countAtDenial, rec.Count)
	}
}

func TestCheck_BackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MaxAttempts:       1,
		Window:            24 * time.Hour,
		BaseBackoff:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        20 * time.Second,
	}
	l, clock := newTestLimiter(cfg)
	l.Check("k", "a")

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := l.Check("k", "a")
		if d.Allowed {
			t.Fatalf("overflow attempt %d should be denied", i)
		}
		if d.WaitTime < prev {
			t.Fatalf("backoff decreased: %v -> %v", prev, d.WaitTime)
		}
		if d.WaitTime > cfg.MaxBackoff {
			t.Fatalf("backoff %v exceeds cap %v", d.WaitTime, cfg.MaxBackoff)
		}
		prev = d.WaitTime
		clock.Advance(d.WaitTime)
	}
	if prev != cfg.MaxBackoff {
		t.Errorf("expected backoff to reach cap, got %v", prev)
	}
}

func TestCheck_WindowExpiryStartsFresh(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Config{MaxAttempts: 2, Window: time.Minute, MaxBackoff: time.Second})
	l.Check("u", "a")
	l.Check("u", "a")
	l.Check("u", "a")

	clock.Advance(time.Minute)
	d := l.Check("u", "a")
	if !d.Allowed || d.AttemptsRemaining != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestRecordSuccess_ResetsCount(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{MaxAttempts: 5, Window: time.Hour})
	for i := 0; i < 4; i++ {
		l.Check("u1", "login")
	}
	l.RecordSuccess("u1", "login")

	d := l.Check("u1", "login")
	if !d.Allowed {
		t.Fatal("expected allowed after success")
	}
	if d.AttemptsRemaining != 4 {
		t.Errorf("expected 4 remaining, got %d", d.AttemptsRemaining)
	}
}

func TestRecordFailure_SignalsLock(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Config{MaxAttempts: 2, Window: time.Hour, MaxBackoff: time.Millisecond, LockoutFactor: 3})

	if esc := l.RecordFailure("u", "login"); esc.ShouldLock || esc.Attempts != 0 {
		t.Fatalf("unknown key should not escalate: %+v", esc)
	}

	var esc Escalation
	for i := 0; i < 6; i++ {
		l.Check("u", "login")
		esc = l.RecordFailure("u", "login")
		if i < 5 && esc.ShouldLock {
			t.Fatalf("attempt %d escalated too early", i+1)
		}
		clock.Advance(time.Millisecond)
	}
	if !esc.ShouldLock {
		t.Fatalf("expected lock signal after %d failures, got %+v", 6, esc)
	}
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Config{MaxAttempts: 1, Window: time.Minute, BaseBackoff: time.Hour, MaxBackoff: time.Hour})
	l.Check("a", "x")
	l.Check("b", "x")
	l.Check("b", "x") // b now has a one-hour backoff

	clock.Advance(2 * time.Minute)
	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 record swept, got %d", n)
	}
	if _, ok := l.Record("b", "x"); !ok {
		t.Fatal("record with live backoff must survive the sweep")
	}

	clock.Advance(2 * time.Hour)
	l.Sweep()
	if l.Len() != 0 {
		t.Fatalf("expected empty limiter, got %d records", l.Len())
	}
}

func TestDeniedErrorMessage(t *testing.T) {
	t.Parallel()

	var err error = &DeniedError{Identifier: "u", Action: ActionAsk, Wait: 1500 * time.Millisecond}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatal("expected errors.As to match DeniedError")
	}
	if !strings.Contains(err.Error(), "try again in 2 seconds") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestPresets(t *testing.T) {
	t.Parallel()

	auth, req := AuthConfig(), RequestConfig()
	if req.Window >= auth.Window {
		t.Errorf("request window %v should be shorter than auth window %v", req.Window, auth.Window)
	}
	if req.MaxBackoff >= auth.MaxBackoff {
		t.Errorf("request backoff cap %v should be smaller than auth cap %v", req.MaxBackoff, auth.MaxBackoff)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	l := New(Config{SweepInterval: time.Millisecond})
	l.Check("a", "b")
	l.Close()
	l.Close()
}
