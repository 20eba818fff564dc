package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"dealtalk/internal/config"
	"dealtalk/internal/storage"
)

func openTestStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: "file:" + filepath.Join(t.TempDir(), "store.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// sqlite allows one writer; serialize the pool so concurrent test
	// writers queue instead of failing with a lock error.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLStore(db), db
}

func TestCreateSessionDedup(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	first, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	second, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session, got %s and %s", first.ID, second.ID)
	}

	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
}

func TestCreateSessionConcurrent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			se, err := st.CreateSession(ctx, 7, "bob@x.com", "Bob")
			if err != nil {
				t.Errorf("CreateSession error: %v", err)
				return
			}
			ids[i] = se.ID
		}(i)
	}
	wg.Wait()

	sessions, err := st.ListSessions(ctx, 7)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session after concurrent creates, got %d", len(sessions))
	}
	for _, id := range ids {
		if id != sessions[0].ID {
			t.Fatalf("caller observed session %s, store kept %s", id, sessions[0].ID)
		}
	}
}

func TestCreateSessionOwnersIsolated(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	a, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	b, err := st.CreateSession(ctx, 2, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("sessions of different owners must not collide")
	}
}

func TestSendAndListMessages(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	se, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	bodies := []string{"hello", "are you available?", "great"}
	for _, body := range bodies {
		if _, err := st.SendMessage(ctx, 1, se.ID, body); err != nil {
			t.Fatalf("SendMessage error: %v", err)
		}
	}

	msgs, err := st.ListMessages(ctx, 1, se.ID)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(msgs) != len(bodies) {
		t.Fatalf("expected %d messages, got %d", len(bodies), len(msgs))
	}
	for i, body := range bodies {
		if msgs[i].Body != body {
			t.Fatalf("message %d out of order: %q", i, msgs[i].Body)
		}
		if !msgs[i].AuthorIsSelf {
			t.Fatalf("sent message %d must be self-authored", i)
		}
		if i > 0 && msgs[i].Before(msgs[i-1]) {
			t.Fatalf("messages not in sent order at %d", i)
		}
	}

	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if sessions[0].LastMessagePreview != "great" {
		t.Fatalf("preview not refreshed: %q", sessions[0].LastMessagePreview)
	}
}

func TestSendMessageValidation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	se, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, err := st.SendMessage(ctx, 1, se.ID, "   "); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := st.SendMessage(ctx, 1, "missing", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.SendMessage(ctx, 99, se.ID, "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}
}

func TestReceiveMessageUnreadCounter(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	se, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := st.ReceiveMessage(ctx, se.ID, "ping"); err != nil {
			t.Fatalf("ReceiveMessage error: %v", err)
		}
	}

	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if sessions[0].UnreadCount != 2 {
		t.Fatalf("unread = %d, want 2", sessions[0].UnreadCount)
	}

	msgs, err := st.ListMessages(ctx, 1, se.ID)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if msgs[0].AuthorIsSelf {
		t.Fatalf("received message must not be self-authored")
	}

	// Listing the history counts as reading it.
	sessions, err = st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if sessions[0].UnreadCount != 0 {
		t.Fatalf("unread not reset, got %d", sessions[0].UnreadCount)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	st, db := openTestStore(t)
	ctx := context.Background()

	se, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, err := st.SendMessage(ctx, 1, se.ID, "hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}

	if err := st.DeleteSession(ctx, 1, se.ID); err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, se.ID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("messages not cascaded, %d remain", count)
	}

	if err := st.DeleteSession(ctx, 1, se.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("deleted session still listed")
	}
}

func TestSetProviderListing(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	se, err := st.CreateSession(ctx, 1, "jane@x.com", "Jane Doe")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if err := st.SetProviderListing(ctx, 1, se.ID, true); err != nil {
		t.Fatalf("SetProviderListing error: %v", err)
	}
	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if !sessions[0].ProviderListing {
		t.Fatalf("provider tag not persisted")
	}
	if err := st.SetProviderListing(ctx, 1, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
