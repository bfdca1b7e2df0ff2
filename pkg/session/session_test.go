package session

import (
	"context"
	"fmt"
	"testing"
)

// The turn log must reflect exactly the sequence of submitted messages,
// in submission order, across backend reload.
func TestSessionTurnOrder(t *testing.T) {
	tmpDir := t.TempDir()
	backend, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	defer func() { _ = backend.Close() }()

	mgr := NewManager(backend)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "test-app", CreateOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want := make([]string, 0, 10)
	for i := 0; i < 5; i++ {
		userMsg := fmt.Sprintf("question %d", i)
		agentMsg := fmt.Sprintf("answer %d", i)
		want = append(want, userMsg, agentMsg)

		if err := sess.AppendTurn(ctx, &Turn{Role: RoleUser, Content: userMsg}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
		if err := sess.AppendTurn(ctx, &Turn{Role: RoleAgent, Content: agentMsg}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	turns, err := sess.Turns(ctx)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != len(want) {
		t.Fatalf("Turns() returned %d turns, want %d", len(turns), len(want))
	}
	for i, turn := range turns {
		if turn.Content != want[i] {
			t.Errorf("turn %d content = %q, want %q", i, turn.Content, want[i])
		}
	}

	// Reload through a fresh manager to confirm order survives persistence.
	mgr2 := NewManager(backend)
	reloaded, err := mgr2.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	turns2, err := reloaded.Turns(ctx)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	for i, turn := range turns2 {
		if turn.Content != want[i] {
			t.Errorf("reloaded turn %d content = %q, want %q", i, turn.Content, want[i])
		}
	}
}

func TestSessionTurnParentLinks(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()

	mgr := NewManager(backend)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "test-app", CreateOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := sess.AppendTurn(ctx, &Turn{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	turns, err := sess.Turns(ctx)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}

	if turns[0].ParentID != "" {
		t.Errorf("first turn ParentID = %q, want empty", turns[0].ParentID)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].ParentID != turns[i-1].ID {
			t.Errorf("turn %d ParentID = %q, want %q", i, turns[i].ParentID, turns[i-1].ID)
		}
	}
}

func TestSessionState(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()

	mgr := NewManager(backend)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "test-app", CreateOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, ok := sess.StateValue("style"); ok {
		t.Error("StateValue() on empty state should report absent")
	}

	if err := sess.SetState(ctx, "style", "with example"); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	v, ok := sess.StateValue("style")
	if !ok {
		t.Fatal("StateValue() should report present after SetState")
	}
	if v != "with example" {
		t.Errorf("StateValue() = %v, want %q", v, "with example")
	}

	// State survives reload.
	mgr2 := NewManager(backend)
	reloaded, err := mgr2.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v, ok := reloaded.StateValue("style"); !ok || v != "with example" {
		t.Errorf("reloaded StateValue() = %v, %v; want %q, true", v, ok, "with example")
	}
}

func TestSessionMarkArchivedIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()

	mgr := NewManager(backend)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "test-app", CreateOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := sess.MarkArchived(ctx)
	if err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}
	if !first {
		t.Error("first MarkArchived() should return true")
	}

	again, err := sess.MarkArchived(ctx)
	if err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}
	if again {
		t.Error("second MarkArchived() should return false")
	}

	if !sess.Archived() {
		t.Error("Archived() should be true after MarkArchived")
	}

	meta := sess.Metadata()
	if meta.ArchivedAt == nil {
		t.Error("ArchivedAt should be set after MarkArchived")
	}
}
