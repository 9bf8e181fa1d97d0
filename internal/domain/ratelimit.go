package domain

import "time"

// RateLimitRecord tracks attempts for one (identifier, action) key.
type RateLimitRecord struct {
	Count         int
	WindowResetAt time.Time
	BackoffUntil  time.Time // zero when no backoff is active
	LastAttemptAt time.Time
}
