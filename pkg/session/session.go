package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session represents an active conversation.
// Sessions are safe for concurrent use, but callers are expected to submit
// turns for a given session sequentially; the turn log reflects a total
// order of the messages submitted to it.
type Session interface {
	// ID returns the unique session identifier.
	ID() string

	// AppName returns the application namespace this session belongs to.
	AppName() string

	// UserID returns the owning user identifier.
	UserID() string

	// AppendTurn adds a turn to the session log.
	AppendTurn(ctx context.Context, turn *Turn) error

	// Turns retrieves all turns in the session in submission order.
	Turns(ctx context.Context) ([]*Turn, error)

	// SetState stores a scratch key/value pair on the session.
	SetState(ctx context.Context, key string, value any) error

	// StateValue reads a scratch value. The second return reports presence.
	StateValue(key string) (any, bool)

	// Metadata returns a snapshot of the session metadata.
	Metadata() *Metadata

	// MarkArchived records that a memory record now exists for the session,
	// so Archived observers can tell archived sessions from fresh ones. The
	// first call returns true; later calls return false. The flag does not
	// gate archival itself: every completed turn re-archives, and the memory
	// bank upsert keeps that idempotent.
	MarkArchived(ctx context.Context) (bool, error)

	// Archived reports whether the session has been archived.
	Archived() bool

	// Close flushes any pending metadata changes.
	Close(ctx context.Context) error
}

// sessionImpl is the concrete implementation of Session.
type sessionImpl struct {
	meta    *Metadata
	backend StorageBackend
	mu      sync.RWMutex

	// Cached turns so repeat reads don't hit the backend.
	turns  []*Turn
	loaded bool
	dirty  bool
}

// newSession creates a new session instance.
func newSession(meta *Metadata, backend StorageBackend) *sessionImpl {
	return &sessionImpl{
		meta:    meta,
		backend: backend,
		turns:   make([]*Turn, 0),
	}
}

func (s *sessionImpl) ID() string      { return s.meta.ID }
func (s *sessionImpl) AppName() string { return s.meta.AppName }
func (s *sessionImpl) UserID() string  { return s.meta.UserID }

// AppendTurn adds a turn to the session log.
func (s *sessionImpl) AppendTurn(ctx context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if len(s.turns) > 0 {
		turn.ParentID = s.turns[len(s.turns)-1].ID
	}

	if err := s.backend.AppendTurn(ctx, s.meta.ID, turn); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	s.turns = append(s.turns, turn)
	s.meta.TurnCount++
	s.meta.UpdatedAt = time.Now().UTC()
	s.dirty = true

	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	s.dirty = false

	return nil
}

// Turns retrieves all turns in the session in submission order.
func (s *sessionImpl) Turns(ctx context.Context) ([]*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded && len(s.turns) == 0 {
		turns, err := s.backend.LoadTurns(ctx, s.meta.ID)
		if err != nil {
			return nil, fmt.Errorf("load turns: %w", err)
		}
		s.turns = turns
		s.loaded = true
	}

	out := make([]*Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

// SetState stores a scratch key/value pair on the session.
func (s *sessionImpl) SetState(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State == nil {
		s.meta.State = make(map[string]any)
	}
	s.meta.State[key] = value
	s.meta.UpdatedAt = time.Now().UTC()

	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		s.dirty = true
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

// StateValue reads a scratch value.
func (s *sessionImpl) StateValue(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta.State == nil {
		return nil, false
	}
	v, ok := s.meta.State[key]
	return v, ok
}

// Metadata returns a snapshot of the session metadata.
func (s *sessionImpl) Metadata() *Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Clone()
}

// MarkArchived records that the session has been archived.
func (s *sessionImpl) MarkArchived(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.Archived {
		return false, nil
	}

	now := time.Now().UTC()
	s.meta.Archived = true
	s.meta.ArchivedAt = &now
	s.meta.UpdatedAt = now

	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		// Roll back so a retry can mark again.
		s.meta.Archived = false
		s.meta.ArchivedAt = nil
		return false, fmt.Errorf("save archived flag: %w", err)
	}

	return true, nil
}

// Archived reports whether the session has been archived.
func (s *sessionImpl) Archived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Archived
}

// Close flushes any pending metadata changes.
func (s *sessionImpl) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		if err := s.backend.SaveSession(ctx, s.meta); err != nil {
			return fmt.Errorf("save session on close: %w", err)
		}
		s.dirty = false
	}

	return nil
}
