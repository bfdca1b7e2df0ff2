package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:", 0)

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}

func TestRedisBackend_SaveAndLoadSession(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	meta := &Metadata{
		ID:        "sess-123",
		AppName:   "test-app",
		UserID:    "user-456",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := backend.SaveSession(ctx, meta); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, err := backend.LoadSession(ctx, "sess-123")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}

	if loaded.ID != meta.ID {
		t.Errorf("ID mismatch: got %s, want %s", loaded.ID, meta.ID)
	}
	if loaded.AppName != meta.AppName {
		t.Errorf("AppName mismatch: got %s, want %s", loaded.AppName, meta.AppName)
	}
	if loaded.UserID != meta.UserID {
		t.Errorf("UserID mismatch: got %s, want %s", loaded.UserID, meta.UserID)
	}
}

func TestRedisBackend_LoadSession_NotFound(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	_, err := backend.LoadSession(ctx, "nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRedisBackend_AppendAndLoadTurns(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	meta := &Metadata{
		ID:        "sess-turns",
		AppName:   "test-app",
		UserID:    "user-1",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := backend.SaveSession(ctx, meta); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		turn := &Turn{
			ID:        fmt.Sprintf("turn-%d", i),
			Role:      RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: time.Now().UTC(),
		}
		if err := backend.AppendTurn(ctx, "sess-turns", turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	turns, err := backend.LoadTurns(ctx, "sess-turns")
	if err != nil {
		t.Fatalf("LoadTurns failed: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("LoadTurns returned %d turns, want 4", len(turns))
	}
	for i, turn := range turns {
		want := fmt.Sprintf("message %d", i)
		if turn.Content != want {
			t.Errorf("turn %d content = %q, want %q", i, turn.Content, want)
		}
	}
}

func TestRedisBackend_DeleteSession(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	meta := &Metadata{
		ID:        "sess-to-delete",
		AppName:   "test-app",
		UserID:    "user-123",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := backend.SaveSession(ctx, meta); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := backend.DeleteSession(ctx, "sess-to-delete"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	_, err := backend.LoadSession(ctx, "sess-to-delete")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestRedisBackend_ListSessions(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		user := "user-1"
		if i >= 3 {
			user = "user-2"
		}
		meta := &Metadata{
			ID:        fmt.Sprintf("sess-%d", i),
			AppName:   "test-app",
			UserID:    user,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := backend.SaveSession(ctx, meta); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	sessions, err := backend.ListSessions(ctx, "test-app", ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 5 {
		t.Errorf("ListSessions returned %d, want 5", len(sessions))
	}

	sessions, err = backend.ListSessions(ctx, "test-app", ListOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("ListSessions with user filter returned %d, want 3", len(sessions))
	}

	sessions, err = backend.ListSessions(ctx, "test-app", ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("ListSessions with limit/offset returned %d, want 2", len(sessions))
	}
}

func TestRedisBackend_ClosedOperations(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := backend.SaveSession(ctx, &Metadata{ID: "x", AppName: "a"}); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("SaveSession on closed backend = %v, want ErrStorageClosed", err)
	}
	if _, err := backend.LoadSession(ctx, "x"); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("LoadSession on closed backend = %v, want ErrStorageClosed", err)
	}
}
