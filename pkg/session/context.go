package session

import (
	"context"
	"errors"
)

// SessionKey is the context key for storing sessions.
type SessionKey struct{}

// ErrSessionNotInContext is returned when no session is found in context.
var ErrSessionNotInContext = errors.New("session not found in context")

// SessionFromContext retrieves a session from the context.
// Returns the session and true if found, or nil and false if not present.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(SessionKey{}).(Session)
	return sess, ok
}

// ContextWithSession adds a session to the context.
func ContextWithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, SessionKey{}, sess)
}
