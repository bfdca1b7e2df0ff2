// Package memorybank provides durable, searchable long-term memory derived
// from archived conversation sessions. Records outlive any single session
// and are scoped strictly by (app name, user id): a search on behalf of one
// user can never return another user's records.
//
// Backends are selected by URI (see Open): an in-process store for local
// development, Redis for shared durable storage, chromem for embedded
// vector search, and Firestore as the managed cloud backend.
package memorybank

import (
	"context"
	"errors"
	"time"
)

// Common errors for memory bank operations.
var (
	// ErrUnavailable wraps backend timeouts and transport failures.
	// Callers treat it as a degradation signal, never a turn failure.
	ErrUnavailable = errors.New("memory bank unavailable")
	// ErrMissingScope is returned when an operation omits the mandatory
	// app name or user id correlation keys.
	ErrMissingScope = errors.New("app name and user id are required")
)

// Record is a durable, searchable artifact derived from one archived
// session. Exactly one record exists per archived session: writes are
// upserts keyed on (app, user, session), so repeated archival of the same
// session collapses to a single record.
type Record struct {
	// AppName is the application namespace.
	AppName string `json:"appName"`
	// UserID is the owning user. Records never cross user boundaries.
	UserID string `json:"userId"`
	// SessionID is the source session this record was derived from.
	SessionID string `json:"sessionId"`
	// Content is the extracted conversation content.
	Content string `json:"content"`
	// Topics are keyword topics extracted from the conversation.
	Topics []string `json:"topics,omitempty"`
	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"createdAt"`
}

// ScoredRecord pairs a record with its retrieval relevance score.
type ScoredRecord struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// RetrievalResult is the transient output of one memory query. It is
// created per turn and discarded after the turn completes.
type RetrievalResult struct {
	// Query is the text the records were matched against.
	Query string `json:"query"`
	// Records are the matched records, best first.
	Records []ScoredRecord `json:"records"`
}

// Empty reports whether the result carries no records.
func (r *RetrievalResult) Empty() bool {
	return r == nil || len(r.Records) == 0
}

// Service is the capability interface the turn pipeline depends on.
// A local in-process implementation and a durable remote implementation
// are interchangeable behind it.
type Service interface {
	// AddSession upserts the record derived from an archived session.
	// Calling it twice with the same (app, user, session) key leaves
	// exactly one record in the store.
	AddSession(ctx context.Context, rec Record) error

	// Search returns up to topK records for the given user, ranked by
	// relevance to the query. Results are strictly scoped to
	// (appName, userID).
	Search(ctx context.Context, appName, userID, query string, topK int) (*RetrievalResult, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases resources held by the service.
	Close() error
}

// validateScope enforces the mandatory correlation keys.
func validateScope(appName, userID string) error {
	if appName == "" || userID == "" {
		return ErrMissingScope
	}
	return nil
}

// validateRecord checks a record before upserting.
func validateRecord(rec *Record) error {
	if err := validateScope(rec.AppName, rec.UserID); err != nil {
		return err
	}
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	return nil
}

// clampTopK bounds the number of results a query may request.
func clampTopK(topK int) int {
	const defaultTopK = 5
	const maxTopK = 50

	if topK <= 0 {
		return defaultTopK
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}
