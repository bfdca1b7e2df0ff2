// Package pipeline runs conversation turns: it resolves the session,
// applies the retrieval policy, invokes the reasoner, persists both sides
// of the exchange, and hands the session to the archiver. Memory trouble
// degrades a turn; it never fails one.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/memgo-dev/memgo/internal/archive"
	"github.com/memgo-dev/memgo/internal/observability"
	"github.com/memgo-dev/memgo/pkg/memorybank"
	metrics "github.com/memgo-dev/memgo/pkg/observability"
	"github.com/memgo-dev/memgo/pkg/retrieval"
	"github.com/memgo-dev/memgo/pkg/session"
)

// Errors surfaced to callers of HandleTurn.
var (
	// ErrInvalidMessage is returned for an empty or whitespace-only message.
	ErrInvalidMessage = errors.New("message must not be empty")
	// ErrTurnInFlight is returned when a turn is already being processed
	// for the session. Turns within one session are strictly serialized.
	ErrTurnInFlight = errors.New("another turn is in flight for this session")
)

// Request is one incoming user turn.
type Request struct {
	// AppName and UserID scope the session and all memory access.
	AppName string `json:"appName"`
	UserID  string `json:"userId"`
	// SessionID selects the conversation. Empty starts a new session.
	SessionID string `json:"sessionId,omitempty"`
	// Message is the user's utterance.
	Message string `json:"message"`
}

// Response is the completed turn.
type Response struct {
	// SessionID identifies the session the turn ran in. Callers pass it
	// back to continue the conversation.
	SessionID string `json:"sessionId"`
	// Reply is the agent's answer.
	Reply string `json:"reply"`
	// MemoryUsed is the number of memory records supplied to the
	// reasoner before it replied.
	MemoryUsed int `json:"memoryUsed"`
}

// Pipeline coordinates sessions, retrieval, reasoning, and archival.
type Pipeline struct {
	sessions  session.Manager
	retriever *retrieval.Retriever
	archiver  *archive.Archiver
	reasoner  Reasoner

	mu             sync.Mutex
	inflight       map[string]struct{}
	requireSession bool
}

// New creates a Pipeline. All four collaborators are required.
func New(sessions session.Manager, retriever *retrieval.Retriever, archiver *archive.Archiver, reasoner Reasoner) (*Pipeline, error) {
	switch {
	case sessions == nil:
		return nil, errors.New("session manager is required")
	case retriever == nil:
		return nil, errors.New("retriever is required")
	case archiver == nil:
		return nil, errors.New("archiver is required")
	case reasoner == nil:
		return nil, errors.New("reasoner is required")
	}

	return &Pipeline{
		sessions:  sessions,
		retriever: retriever,
		archiver:  archiver,
		reasoner:  reasoner,
		inflight:  make(map[string]struct{}),
	}, nil
}

// DisableCreateOnDemand makes HandleTurn require an already-created session.
// Turns referencing an unknown session fail with session.ErrSessionNotFound
// instead of starting a fresh conversation.
func (p *Pipeline) DisableCreateOnDemand() {
	p.requireSession = true
}

// HandleTurn processes one user message end to end and returns the reply.
//
// Session scope errors propagate unchanged: session.ErrUserMismatch when
// the session belongs to someone else, session.ErrSessionNotFound when a
// pinned lookup misses. Memory bank failures do not propagate; the turn
// proceeds without memory.
func (p *Pipeline) HandleTurn(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrInvalidMessage
	}

	start := time.Now()

	sess, err := p.resolveSession(ctx, req)
	if err != nil {
		metrics.RecordTurn(req.AppName, "error", time.Since(start))
		return nil, err
	}

	if !p.acquire(sess.ID()) {
		metrics.RecordTurn(req.AppName, "rejected", time.Since(start))
		return nil, ErrTurnInFlight
	}
	defer p.release(sess.ID())

	ctx, span := observability.StartSpan(ctx, "pipeline.turn", map[string]any{
		"app":     req.AppName,
		"session": sess.ID(),
	})
	defer span.End()

	resp, err := p.runTurn(ctx, sess, req)
	if err != nil {
		span.SetError(err)
		metrics.RecordTurn(req.AppName, "error", time.Since(start))
		return nil, err
	}

	metrics.RecordTurn(req.AppName, "ok", time.Since(start))
	return resp, nil
}

func (p *Pipeline) resolveSession(ctx context.Context, req Request) (session.Session, error) {
	if !p.requireSession {
		return p.sessions.GetOrCreate(ctx, req.AppName, req.UserID, req.SessionID)
	}

	if req.SessionID == "" {
		return nil, session.ErrSessionNotFound
	}
	sess, err := p.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.AppName() != req.AppName || sess.UserID() != req.UserID {
		return nil, session.ErrUserMismatch
	}
	return sess, nil
}

func (p *Pipeline) runTurn(ctx context.Context, sess session.Session, req Request) (*Response, error) {
	history, err := sess.Turns(ctx)
	if err != nil {
		return nil, err
	}

	prompt := Prompt{
		History: history,
		Message: req.Message,
	}

	if p.retriever.Eager() {
		prompt.Memory = p.retrieve(ctx, req.AppName, req.UserID, req.Message)
	}
	if p.retriever.OnDemand() {
		prompt.Recall = func(ctx context.Context, query string) (*memorybank.RetrievalResult, error) {
			return p.retrieve(ctx, req.AppName, req.UserID, query), nil
		}
	}

	// Reasoners that need session state can pull it from the context.
	reply, err := p.reasoner.Respond(session.ContextWithSession(ctx, sess), prompt)
	if err != nil {
		return nil, err
	}

	// Nothing is appended until the reply exists. A turn cancelled during
	// retrieval or reasoning leaves the log untouched.
	if err := sess.AppendTurn(ctx, &session.Turn{
		Role:    session.RoleUser,
		Content: req.Message,
	}); err != nil {
		return nil, err
	}
	if err := sess.AppendTurn(ctx, &session.Turn{
		Role:    session.RoleAgent,
		Content: reply,
	}); err != nil {
		return nil, err
	}

	// Every completed turn refreshes the session's memory record. The
	// write is an upsert, so re-archival is cheap and idempotent.
	p.archiver.ArchiveAsync(sess)
	metrics.SetArchivalQueueDepth(p.archiver.PendingCount())
	metrics.SetActiveSessions(p.sessions.ActiveCount())

	memoryUsed := 0
	if !prompt.Memory.Empty() {
		memoryUsed = len(prompt.Memory.Records)
	}

	return &Response{
		SessionID:  sess.ID(),
		Reply:      reply,
		MemoryUsed: memoryUsed,
	}, nil
}

// retrieve runs one policy-bounded memory query. It never returns an
// error; degraded lookups come back empty.
func (p *Pipeline) retrieve(ctx context.Context, appName, userID, query string) *memorybank.RetrievalResult {
	start := time.Now()
	mode := string(p.retriever.Policy().Mode)

	result, err := p.retriever.Retrieve(ctx, appName, userID, query)
	if err != nil || result == nil {
		metrics.RecordRetrieval(mode, "degraded", time.Since(start))
		return &memorybank.RetrievalResult{Query: query}
	}

	metrics.RecordRetrieval(mode, "ok", time.Since(start))
	return result
}

// EndSession archives a session immediately and waits for the write. Used
// when a client closes a conversation explicitly rather than abandoning it.
func (p *Pipeline) EndSession(ctx context.Context, appName, userID, sessionID string) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.AppName() != appName || sess.UserID() != userID {
		return session.ErrUserMismatch
	}

	if err := p.archiver.Archive(ctx, sess); err != nil {
		metrics.RecordArchival("deferred")
		return err
	}
	metrics.RecordArchival("ok")
	return nil
}

func (p *Pipeline) acquire(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.inflight[sessionID]; busy {
		return false
	}
	p.inflight[sessionID] = struct{}{}
	return true
}

func (p *Pipeline) release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, sessionID)
}
