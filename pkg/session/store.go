package session

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUserMismatch is returned when an operation references a session
	// owned by a different user or application.
	ErrUserMismatch = errors.New("session belongs to a different user")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// StorageBackend abstracts session persistence.
// Implementations must be safe for concurrent use.
type StorageBackend interface {
	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, meta *Metadata) error

	// LoadSession retrieves session metadata by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*Metadata, error)

	// DeleteSession removes a session and all its turns.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns sessions for an application matching the filter options.
	ListSessions(ctx context.Context, appName string, opts ListOptions) ([]*Metadata, error)

	// AppendTurn adds a turn to a session (append-only).
	AppendTurn(ctx context.Context, sessionID string, turn *Turn) error

	// LoadTurns retrieves all turns for a session in submission order.
	LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	// Close releases any resources held by the backend.
	Close() error
}

// ListOptions provides filtering for session listing.
type ListOptions struct {
	// UserID filters sessions by user.
	UserID string
	// Limit caps the number of results.
	Limit int
	// Offset skips the first N results.
	Offset int
}
