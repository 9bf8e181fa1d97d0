// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// Repository defines the interface for persisting tutor sessions.
type Repository interface {
	// SaveSession creates or replaces a session and its full history.
	SaveSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. It returns nil, nil when the
	// session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns every stored session, most recently active first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// CleanupExpiredSessions removes sessions idle for longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
