package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager manages session lifecycle.
// Manager is safe for concurrent use.
type Manager interface {
	// Create creates a new session for an application.
	Create(ctx context.Context, appName string, opts CreateOptions) (Session, error)

	// Get retrieves an existing session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, sessionID string) (Session, error)

	// GetOrCreate returns the session with the given ID, creating it if it
	// does not exist. An empty sessionID always creates a fresh session.
	// Returns ErrUserMismatch if the session exists but is owned by a
	// different (appName, userID) pair.
	GetOrCreate(ctx context.Context, appName, userID, sessionID string) (Session, error)

	// List returns sessions for an application matching the filter options.
	List(ctx context.Context, appName string, opts ListOptions) ([]*Metadata, error)

	// Delete removes a session and all its data.
	Delete(ctx context.Context, sessionID string) error

	// ActiveCount reports how many sessions this manager currently has
	// attached in-process.
	ActiveCount() int

	// Close releases resources held by the manager.
	Close() error
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// UserID identifies the owning user for this session.
	UserID string
	// SessionID pins the new session's identifier. Empty means generate one.
	SessionID string
	// State seeds the session's scratch state.
	State map[string]any
}

// managerImpl is the concrete implementation of Manager.
type managerImpl struct {
	backend  StorageBackend
	sessions map[string]*sessionImpl
	mu       sync.RWMutex
}

// NewManager creates a new session manager with the given storage backend.
func NewManager(backend StorageBackend) Manager {
	return &managerImpl{
		backend:  backend,
		sessions: make(map[string]*sessionImpl),
	}
}

// Create creates a new session for an application.
func (m *managerImpl) Create(ctx context.Context, appName string, opts CreateOptions) (Session, error) {
	if opts.UserID == "" {
		return nil, errors.New("user ID is required")
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	meta := &Metadata{
		ID:        id,
		AppName:   appName,
		UserID:    opts.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		State:     opts.State,
	}

	if err := m.backend.SaveSession(ctx, meta); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	sess := newSession(meta, m.backend)

	m.mu.Lock()
	m.sessions[meta.ID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get retrieves an existing session by ID.
func (m *managerImpl) Get(ctx context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	m.mu.RUnlock()

	meta, err := m.backend.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess := newSession(meta, m.backend)

	turns, err := m.backend.LoadTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	sess.turns = turns
	sess.loaded = true

	m.mu.Lock()
	// Another goroutine may have raced us here; keep the first instance so
	// all callers share one turn cache.
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	return sess, nil
}

// GetOrCreate returns the session with the given ID, creating it if missing.
func (m *managerImpl) GetOrCreate(ctx context.Context, appName, userID, sessionID string) (Session, error) {
	if sessionID == "" {
		return m.Create(ctx, appName, CreateOptions{UserID: userID})
	}

	sess, err := m.Get(ctx, sessionID)
	if err == nil {
		if sess.AppName() != appName || sess.UserID() != userID {
			return nil, ErrUserMismatch
		}
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	return m.Create(ctx, appName, CreateOptions{UserID: userID, SessionID: sessionID})
}

// List returns sessions for an application matching the filter options.
func (m *managerImpl) List(ctx context.Context, appName string, opts ListOptions) ([]*Metadata, error) {
	return m.backend.ListSessions(ctx, appName, opts)
}

// Delete removes a session and all its data.
func (m *managerImpl) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	return m.backend.DeleteSession(ctx, sessionID)
}

// ActiveCount reports how many sessions are attached in-process.
func (m *managerImpl) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close releases resources held by the manager.
func (m *managerImpl) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	for _, sess := range m.sessions {
		_ = sess.Close(ctx)
	}
	m.sessions = make(map[string]*sessionImpl)

	return m.backend.Close()
}
