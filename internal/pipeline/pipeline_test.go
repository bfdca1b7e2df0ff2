package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/memgo-dev/memgo/internal/archive"
	"github.com/memgo-dev/memgo/pkg/memorybank"
	"github.com/memgo-dev/memgo/pkg/retrieval"
	"github.com/memgo-dev/memgo/pkg/session"
)

func newTestPipeline(t *testing.T, bank memorybank.Service, mode retrieval.Mode, reasoner Reasoner) *Pipeline {
	t.Helper()

	mgr := session.NewManager(session.NewMemoryBackend())
	t.Cleanup(func() { mgr.Close() })

	retriever, err := retrieval.New(bank, retrieval.Policy{Mode: mode, Timeout: time.Second})
	if err != nil {
		t.Fatalf("create retriever: %v", err)
	}

	archiver, err := archive.New(bank, archive.Config{SweepSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("create archiver: %v", err)
	}
	t.Cleanup(func() { archiver.Close() })

	if reasoner == nil {
		reasoner = NewEchoReasoner()
	}

	p, err := New(mgr, retriever, archiver, reasoner)
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return p
}

func TestHandleTurnRejectsEmptyMessage(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()
	p := newTestPipeline(t, bank, retrieval.ModeOff, nil)

	for _, message := range []string{"", "   ", "\n\t"} {
		_, err := p.HandleTurn(context.Background(), Request{
			AppName: "app", UserID: "alice", Message: message,
		})
		if !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("HandleTurn(%q) error = %v, want ErrInvalidMessage", message, err)
		}
	}
}

func TestHandleTurnWithoutCreateOnDemand(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()
	p := newTestPipeline(t, bank, retrieval.ModeOff, nil)
	p.DisableCreateOnDemand()

	ctx := context.Background()

	_, err := p.HandleTurn(ctx, Request{AppName: "app", UserID: "alice", Message: "hi"})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("turn without session id error = %v, want ErrSessionNotFound", err)
	}

	_, err = p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", SessionID: "never-created", Message: "hi",
	})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("turn with unknown session id error = %v, want ErrSessionNotFound", err)
	}

	sess, err := p.sessions.Create(ctx, "app", session.CreateOptions{UserID: "alice"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	resp, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", SessionID: sess.ID(), Message: "hi",
	})
	if err != nil {
		t.Fatalf("turn on pre-created session error = %v", err)
	}
	if resp.SessionID != sess.ID() {
		t.Errorf("response session id = %q, want %q", resp.SessionID, sess.ID())
	}

	_, err = p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "bob", SessionID: sess.ID(), Message: "hi",
	})
	if !errors.Is(err, session.ErrUserMismatch) {
		t.Fatalf("cross-user turn error = %v, want ErrUserMismatch", err)
	}
}

func TestFailedTurnLeavesLogUntouched(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	boom := errors.New("model unavailable")
	reasoner := ReasonerFunc(func(ctx context.Context, prompt Prompt) (string, error) {
		return "", boom
	})
	p := newTestPipeline(t, bank, retrieval.ModeOff, reasoner)

	ctx := context.Background()
	sess, err := p.sessions.Create(ctx, "app", session.CreateOptions{UserID: "alice"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	_, err = p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", SessionID: sess.ID(), Message: "hello",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("HandleTurn() error = %v, want the reasoner failure", err)
	}

	turns, err := sess.Turns(ctx)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("failed turn appended %d entries to the log", len(turns))
	}
}

func TestReasonerSeesSessionInContext(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	var sawID string
	reasoner := ReasonerFunc(func(ctx context.Context, prompt Prompt) (string, error) {
		if sess, ok := session.SessionFromContext(ctx); ok {
			sawID = sess.ID()
		}
		return "ok", nil
	})
	p := newTestPipeline(t, bank, retrieval.ModeOff, reasoner)

	resp, err := p.HandleTurn(context.Background(), Request{
		AppName: "app", UserID: "alice", Message: "hello",
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if sawID != resp.SessionID {
		t.Errorf("reasoner saw session %q, want %q", sawID, resp.SessionID)
	}
}

func TestHandleTurnPersistsBothSides(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	mgr := session.NewManager(session.NewMemoryBackend())
	defer mgr.Close()

	retriever, err := retrieval.New(bank, retrieval.Policy{Mode: retrieval.ModeOff})
	if err != nil {
		t.Fatalf("create retriever: %v", err)
	}
	archiver, err := archive.New(bank, archive.Config{SweepSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("create archiver: %v", err)
	}
	defer archiver.Close()

	p, err := New(mgr, retriever, archiver, NewEchoReasoner())
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}

	ctx := context.Background()
	resp, err := p.HandleTurn(ctx, Request{AppName: "app", UserID: "alice", Message: "hello"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("response has no session id")
	}
	if resp.Reply == "" {
		t.Fatal("response has no reply")
	}

	sess, err := mgr.Get(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("Get(session) error = %v", err)
	}
	turns, err := sess.Turns(ctx)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("session has %d turns, want 2", len(turns))
	}
	if turns[0].Role != session.RoleUser || turns[0].Content != "hello" {
		t.Errorf("turn 0 = (%s, %q), want user hello", turns[0].Role, turns[0].Content)
	}
	if turns[1].Role != session.RoleAgent || turns[1].Content != resp.Reply {
		t.Errorf("turn 1 = (%s, %q), want agent reply", turns[1].Role, turns[1].Content)
	}
}

func TestHandleTurnContinuesSession(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()
	p := newTestPipeline(t, bank, retrieval.ModeOff, nil)

	ctx := context.Background()
	first, err := p.HandleTurn(ctx, Request{AppName: "app", UserID: "alice", Message: "one"})
	if err != nil {
		t.Fatalf("first HandleTurn() error = %v", err)
	}

	second, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", SessionID: first.SessionID, Message: "two",
	})
	if err != nil {
		t.Fatalf("second HandleTurn() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("second turn ran in session %s, want %s", second.SessionID, first.SessionID)
	}
}

func TestHandleTurnUserMismatch(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()
	p := newTestPipeline(t, bank, retrieval.ModeOff, nil)

	ctx := context.Background()
	resp, err := p.HandleTurn(ctx, Request{AppName: "app", UserID: "alice", Message: "mine"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	_, err = p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "bob", SessionID: resp.SessionID, Message: "yours?",
	})
	if !errors.Is(err, session.ErrUserMismatch) {
		t.Fatalf("HandleTurn() as bob error = %v, want ErrUserMismatch", err)
	}
}

// downBank fails every operation.
type downBank struct{}

func (downBank) AddSession(ctx context.Context, rec memorybank.Record) error {
	return memorybank.ErrUnavailable
}

func (downBank) Search(ctx context.Context, appName, userID, query string, topK int) (*memorybank.RetrievalResult, error) {
	return nil, memorybank.ErrUnavailable
}

func (downBank) Ping(ctx context.Context) error { return memorybank.ErrUnavailable }
func (downBank) Close() error                   { return nil }

func TestTurnSucceedsWhenMemoryUnavailable(t *testing.T) {
	p := newTestPipeline(t, downBank{}, retrieval.ModeEager, nil)

	resp, err := p.HandleTurn(context.Background(), Request{
		AppName: "app", UserID: "alice", Message: "hello with memory down",
	})
	if err != nil {
		t.Fatalf("HandleTurn() with dead memory bank error = %v, want success", err)
	}
	if resp.MemoryUsed != 0 {
		t.Errorf("MemoryUsed = %d, want 0", resp.MemoryUsed)
	}
}

func TestEagerRetrievalFeedsReasoner(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	ctx := context.Background()
	err := bank.AddSession(ctx, memorybank.Record{
		AppName: "app", UserID: "alice", SessionID: "old",
		Content:   "user: I saw a crocodile at the zoo\nagent: lovely",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	var seen *memorybank.RetrievalResult
	reasoner := ReasonerFunc(func(ctx context.Context, p Prompt) (string, error) {
		seen = p.Memory
		return "ok", nil
	})

	p := newTestPipeline(t, bank, retrieval.ModeEager, reasoner)

	resp, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", Message: "what did I say about the crocodile?",
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if seen.Empty() {
		t.Fatal("reasoner got no memory in eager mode")
	}
	if resp.MemoryUsed != len(seen.Records) {
		t.Errorf("MemoryUsed = %d, want %d", resp.MemoryUsed, len(seen.Records))
	}
}

func TestOnDemandRecall(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	ctx := context.Background()
	err := bank.AddSession(ctx, memorybank.Record{
		AppName: "app", UserID: "alice", SessionID: "old",
		Content:   "user: I saw a crocodile\nagent: noted",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	reasoner := ReasonerFunc(func(ctx context.Context, p Prompt) (string, error) {
		if p.Memory != nil && len(p.Memory.Records) > 0 {
			return "", errors.New("memory was preloaded in on-demand mode")
		}
		if p.Recall == nil {
			return "", errors.New("no recall capability in on-demand mode")
		}
		result, err := p.Recall(ctx, "crocodile")
		if err != nil {
			return "", err
		}
		if result.Empty() {
			return "", errors.New("recall found nothing")
		}
		return "recalled", nil
	})

	p := newTestPipeline(t, bank, retrieval.ModeOnDemand, reasoner)

	if _, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", Message: "remind me",
	}); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
}

func TestMemorySpansSessionsNotUsers(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()
	p := newTestPipeline(t, bank, retrieval.ModeEager, nil)

	ctx := context.Background()

	// Session one: alice mentions the crocodile, then ends the session.
	first, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", Message: "today I saw a crocodile at the zoo",
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if err := p.EndSession(ctx, "app", "alice", first.SessionID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	// A fresh session for alice sees the earlier conversation.
	resp, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", Message: "what animal did I mention seeing at the zoo? the crocodile?",
	})
	if err != nil {
		t.Fatalf("HandleTurn() in new session error = %v", err)
	}
	if resp.SessionID == first.SessionID {
		t.Fatal("second turn reused the first session")
	}
	if resp.MemoryUsed == 0 {
		t.Fatal("new session retrieved no memory of the earlier conversation")
	}

	// Bob asking the same thing sees nothing of alice's.
	bobResp, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "bob", Message: "what animal did I mention seeing at the zoo? the crocodile?",
	})
	if err != nil {
		t.Fatalf("HandleTurn() for bob error = %v", err)
	}
	if bobResp.MemoryUsed != 0 {
		t.Fatalf("bob retrieved %d of alice's records", bobResp.MemoryUsed)
	}
}

func TestEagerRetrievalSurvivesNonOverlappingQuery(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	var seen *memorybank.RetrievalResult
	reasoner := ReasonerFunc(func(ctx context.Context, p Prompt) (string, error) {
		seen = p.Memory
		return "ok", nil
	})
	p := newTestPipeline(t, bank, retrieval.ModeEager, reasoner)

	ctx := context.Background()
	first, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "u1", Message: "What do crocodiles eat?",
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if err := p.EndSession(ctx, "app", "u1", first.SessionID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	// The follow-up shares no keyword with the stored transcript; eager
	// mode must still surface the earlier conversation.
	resp, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "u1", Message: "What did we discuss before?",
	})
	if err != nil {
		t.Fatalf("HandleTurn() in new session error = %v", err)
	}
	if resp.MemoryUsed == 0 {
		t.Fatal("eager retrieval returned nothing for a non-overlapping query")
	}
	if seen.Empty() || !strings.Contains(seen.Records[0].Record.Content, "crocodiles") {
		t.Fatalf("retrieved memory = %+v, want the crocodile conversation", seen)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()
	p := newTestPipeline(t, bank, retrieval.ModeOff, nil)

	ctx := context.Background()
	resp, err := p.HandleTurn(ctx, Request{AppName: "app", UserID: "alice", Message: "crocodile"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if err := p.EndSession(ctx, "app", "alice", resp.SessionID); err != nil {
		t.Fatalf("first EndSession() error = %v", err)
	}
	if err := p.EndSession(ctx, "app", "alice", resp.SessionID); err != nil {
		t.Fatalf("second EndSession() error = %v", err)
	}

	if got := bank.Count("app", "alice"); got != 1 {
		t.Fatalf("bank record count after double end = %d, want 1", got)
	}
}

func TestTurnsSerializedPerSession(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	reasoner := ReasonerFunc(func(ctx context.Context, p Prompt) (string, error) {
		close(started)
		<-block
		return "done", nil
	})

	p := newTestPipeline(t, bank, retrieval.ModeOff, reasoner)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := p.HandleTurn(ctx, Request{
			AppName: "app", UserID: "alice", SessionID: "sess-1", Message: "first",
		})
		done <- err
	}()

	<-started
	_, err := p.HandleTurn(ctx, Request{
		AppName: "app", UserID: "alice", SessionID: "sess-1", Message: "second",
	})
	if !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("concurrent HandleTurn() error = %v, want ErrTurnInFlight", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("blocked HandleTurn() error = %v", err)
	}
}
