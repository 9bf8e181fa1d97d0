// Package session keeps the in-memory registry of tutor conversations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Persister receives write-through copies of session changes. Durability is
// best effort: failures are logged and never fail the in-memory operation.
type Persister interface {
	SaveSession(ctx context.Context, session *domain.Session) error
	DeleteSession(ctx context.Context, id string) error
}

// Loader provides sessions to Restore at startup.
type Loader interface {
	ListSessions(ctx context.Context) ([]*domain.Session, error)
}

type entry struct {
	session domain.Session
	// sem serializes provider exchanges on this session.
	sem chan struct{}
	// gone is closed once the entry leaves the map.
	gone chan struct{}
}

func newEntry(sess domain.Session) *entry {
	return &entry{session: sess, sem: make(chan struct{}, 1), gone: make(chan struct{})}
}

// Store is an in-memory map of sessions.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	now       func() time.Time
	persister Persister
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOption customizes a new session.
type CreateOption func(*domain.Session)

// WithOwner records the identity that created the session.
func WithOwner(owner string) CreateOption {
	return func(s *domain.Session) { s.Owner = owner }
}

// WithSystemPrompt seeds the history with a system message.
func WithSystemPrompt(prompt string) CreateOption {
	return func(s *domain.Session) {
		if prompt != "" {
			s.Messages = append(s.Messages, domain.Message{Role: domain.RoleSystem, Content: prompt})
		}
	}
}

// Create registers a new session for topic and returns a copy of it.
func (s *Store) Create(topic string, opts ...CreateOption) domain.Session {
	now := s.now()
	sess := domain.Session{
		ID:           uuid.NewString(),
		Topic:        topic,
		Messages:     []domain.Message{},
		CreatedAt:    now,
		LastActiveAt: now,
	}
	for _, opt := range opts {
		opt(&sess)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = newEntry(sess)
	out := sess.Clone()
	s.mu.Unlock()

	s.persist(out)
	return out
}

// Get returns a copy of the session with id.
func (s *Store) Get(id string) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return e.session.Clone(), true
}

// List returns copies of all sessions, most recently active first.
func (s *Store) List() []domain.Session {
	s.mu.RLock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.session.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}

// Delete removes the session and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		close(e.gone)
	}
	s.mu.Unlock()

	if ok && s.persister != nil {
		if err := s.persister.DeleteSession(context.Background(), id); err != nil {
			s.logger.Warn("failed to delete persisted session", "session_id", id, "error", err)
		}
	}
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Append adds msgs to the session history, bumps LastActiveAt and returns a
// copy of the full history.
func (s *Store) Append(id string, msgs ...domain.Message) ([]domain.Message, error) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("append to %s: %w", id, ErrNotFound)
	}
	e.session.Messages = append(e.session.Messages, msgs...)
	e.session.LastActiveAt = s.now()
	snapshot := e.session.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	return snapshot.Messages, nil
}

// Rollback truncates the history back to length messages. It is used to
// remove a user turn the provider never answered.
func (s *Store) Rollback(id string, length int) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("rollback %s: %w", id, ErrNotFound)
	}
	if length < 0 || length > len(e.session.Messages) {
		s.mu.Unlock()
		return fmt.Errorf("rollback %s: length %d out of range [0,%d]", id, length, len(e.session.Messages))
	}
	// Clear the tail so a later append never aliases the dropped entries.
	for i := length; i < len(e.session.Messages); i++ {
		e.session.Messages[i] = domain.Message{}
	}
	e.session.Messages = e.session.Messages[:length]
	snapshot := e.session.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	return nil
}

// Acquire takes the per-session exchange lock. The returned func releases it.
// Acquire blocks until the lock is free, ctx is done or the session is
// deleted or evicted.
func (s *Store) Acquire(ctx context.Context, id string) (func(), error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", id, ErrNotFound)
	}

	select {
	case e.sem <- struct{}{}:
	case <-e.gone:
		return nil, fmt.Errorf("acquire %s: %w", id, ErrNotFound)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-e.sem })
	}

	// Both cases may have been ready; the entry must still be the live one.
	s.mu.RLock()
	current := s.sessions[id]
	s.mu.RUnlock()
	if current != e {
		release()
		return nil, fmt.Errorf("acquire %s: %w", id, ErrNotFound)
	}
	return release, nil
}

// Restore loads previously persisted sessions. Sessions already present in
// memory are kept as they are. No exchange survives a restart, so trailing
// user turns without a reply are dropped.
func (s *Store) Restore(ctx context.Context, loader Loader) (int, error) {
	stored, err := loader.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, sess := range stored {
		if sess == nil || sess.ID == "" {
			continue
		}
		if _, exists := s.sessions[sess.ID]; exists {
			continue
		}
		restoredSess := sess.Clone()
		restoredSess.Messages = dropUnanswered(restoredSess.Messages)
		s.sessions[sess.ID] = newEntry(restoredSess)
		restored++
	}
	return restored, nil
}

func dropUnanswered(msgs []domain.Message) []domain.Message {
	n := len(msgs)
	for n > 0 && msgs[n-1].Role == domain.RoleUser {
		n--
	}
	return msgs[:n]
}

func (s *Store) persist(sess domain.Session) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveSession(context.Background(), &sess); err != nil {
		s.logger.Warn("failed to persist session", "session_id", sess.ID, "error", err)
	}
}
