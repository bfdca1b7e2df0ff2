package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend implements StorageBackend with process-local maps.
// Nothing survives a restart; it is the default for local development
// and prototyping, and the reference implementation for tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Metadata
	turns    map[string][]*Turn
	closed   bool
}

// NewMemoryBackend creates a new in-process storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*Metadata),
		turns:    make(map[string][]*Turn),
	}
}

// SaveSession creates or updates session metadata.
func (b *MemoryBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}

	b.sessions[meta.ID] = meta.Clone()
	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *MemoryBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	meta, ok := b.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return meta.Clone(), nil
}

// DeleteSession removes a session and all its turns.
func (b *MemoryBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}

	delete(b.sessions, sessionID)
	delete(b.turns, sessionID)
	return nil
}

// ListSessions returns sessions for an application matching the filter options.
func (b *MemoryBackend) ListSessions(ctx context.Context, appName string, opts ListOptions) ([]*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	var sessions []*Metadata
	for _, meta := range b.sessions {
		if meta.AppName != appName {
			continue
		}
		if opts.UserID != "" && meta.UserID != opts.UserID {
			continue
		}
		sessions = append(sessions, meta.Clone())
	}

	// Most recently updated first, like the file backend.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return []*Metadata{}, nil
		}
		sessions = sessions[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(sessions) {
		sessions = sessions[:opts.Limit]
	}

	return sessions, nil
}

// AppendTurn adds a turn to a session (append-only).
func (b *MemoryBackend) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	if _, ok := b.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	cp := *turn
	b.turns[sessionID] = append(b.turns[sessionID], &cp)
	return nil
}

// LoadTurns retrieves all turns for a session in submission order.
func (b *MemoryBackend) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	stored := b.turns[sessionID]
	turns := make([]*Turn, 0, len(stored))
	for _, t := range stored {
		cp := *t
		turns = append(turns, &cp)
	}
	return turns, nil
}

// Close releases resources held by the backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}
