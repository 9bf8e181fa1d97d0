package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while a write is in flight.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tutor_sessions (
		session_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tutor_sessions_last_active ON tutor_sessions(last_active_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveSession creates or replaces a session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("save session: missing session id")
	}
	messages := session.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	query := `
	INSERT INTO tutor_sessions (session_id, owner, topic, messages_json, created_at, last_active_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		owner = excluded.owner,
		topic = excluded.topic,
		messages_json = excluded.messages_json,
		last_active_at = excluded.last_active_at`

	return s.withBusyRetry(ctx, "save session", session.ID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Owner, session.Topic, string(messagesJSON),
			session.CreatedAt.UnixMilli(), session.LastActiveAt.UnixMilli(),
		)
		return err
	})
}

const selectSession = `
	SELECT session_id, owner, topic, messages_json, created_at, last_active_at
	FROM tutor_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		session              domain.Session
		messagesJSON         string
		createdAt, lastActAt int64
	)
	if err := row.Scan(&session.ID, &session.Owner, &session.Topic, &messagesJSON, &createdAt, &lastActAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &session.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for session %s: %w", session.ID, err)
	}
	for i, m := range session.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("session %s message %d: invalid role %q", session.ID, i, m.Role)
		}
	}
	if session.Messages == nil {
		session.Messages = []domain.Message{}
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.LastActiveAt = time.UnixMilli(lastActAt)
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE session_id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions, most recently active first. Rows that
// fail to decode are logged and skipped.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			slog.Warn("skipping unreadable session row", "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.withBusyRetry(ctx, "delete session", id, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tutor_sessions WHERE session_id = ?`, id)
		return err
	})
}

// CleanupExpiredSessions removes sessions idle for longer than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := s.now().Add(-ttl).UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM tutor_sessions WHERE last_active_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// withBusyRetry runs a write under writeMu and retries SQLITE_BUSY failures
// with exponential backoff: 100ms, 200ms.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op, id string, write func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.writeMu.Lock()
		err = write()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("sqlite write busy, retrying", "op", op, "session_id", id, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", op, id, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
