package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/session"
)

var (
	_ Repository        = (*SQLiteStore)(nil)
	_ session.Persister = (*SQLiteStore)(nil)
	_ session.Loader    = (*SQLiteStore)(nil)
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "tutor.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(id string, lastActive time.Time) *domain.Session {
	return &domain.Session{
		ID:    id,
		Topic: "fractions",
		Owner: "anon-1",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "what is 1/2 + 1/4?"},
			{Role: domain.RoleAssistant, Content: "3/4"},
		},
		CreatedAt:    lastActive.Add(-time.Minute),
		LastActiveAt: lastActive,
	}
}

func TestSQLiteStore_SaveGetDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	in := testSession("s1", now)
	if err := s.SaveSession(ctx, in); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Topic != in.Topic || got.Owner != in.Owner || len(got.Messages) != 2 || got.Messages[1].Content != "3/4" {
		t.Errorf("unexpected session: %+v", got)
	}
	if !got.LastActiveAt.Equal(now) || !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("timestamps not preserved: %v %v", got.CreatedAt, got.LastActiveAt)
	}

	in.Messages = append(in.Messages, domain.Message{Role: domain.RoleUser, Content: "and 1/3?"})
	if err := s.SaveSession(ctx, in); err != nil {
		t.Fatalf("second SaveSession failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if len(got.Messages) != 3 {
		t.Errorf("upsert did not replace history: %d messages", len(got.Messages))
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, "s1")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil after delete; got %+v, %v", got, err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Errorf("deleting a missing session should succeed, got %v", err)
	}
}

func TestSQLiteStore_ListSessionsSkipsCorruptRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "new"} {
		if err := s.SaveSession(ctx, testSession(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tutor_sessions (session_id, owner, topic, messages_json, created_at, last_active_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"broken", "", "x", `[{"role":"wizard","content":"hi"}]`, 0, base.UnixMilli(),
	); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSQLiteStore_CleanupExpiredSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	if err := s.SaveSession(ctx, testSession("stale", now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, testSession("fresh", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupExpiredSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if got, _ := s.GetSession(ctx, "fresh"); got == nil {
		t.Error("fresh session was removed")
	}
}

func TestSQLiteStore_RestoresIntoSessionStore(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	live := session.NewStore(session.WithPersister(repo))
	created := live.Create("geometry", session.WithOwner("anon-7"))
	if _, err := live.Append(created.ID, domain.Message{Role: domain.RoleUser, Content: "what is pi?"}); err != nil {
		t.Fatal(err)
	}

	restored := session.NewStore()
	n, err := restored.Restore(ctx, repo)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored session, got %d", n)
	}
	got, ok := restored.Get(created.ID)
	if !ok || got.Owner != "anon-7" || len(got.Messages) != 1 {
		t.Errorf("unexpected restored session: %+v", got)
	}
}
