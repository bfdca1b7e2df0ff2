// Package session provides conversation state for memgo agents.
// A session holds the ordered turn log and scratch state of exactly one
// conversation; it lives only as long as that conversation and is archived
// into the memory bank when the conversation completes.
package session

import (
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser marks a turn submitted by the end user.
	RoleUser Role = "user"
	// RoleAgent marks a turn produced by the agent.
	RoleAgent Role = "agent"
)

// Turn represents a single message in the session log.
// Turns are append-only and immutable once written.
type Turn struct {
	// ID is the unique identifier for this turn.
	ID string `json:"id"`
	// ParentID links to the previous turn in the log.
	ParentID string `json:"parentId,omitempty"`
	// Role indicates who produced the turn.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Timestamp is when the turn was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Metadata holds session summary information.
// This is stored separately for quick listing without loading all turns.
type Metadata struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// AppName is the application namespace this session belongs to.
	AppName string `json:"appName"`
	// UserID identifies the owning user. A session belongs to exactly
	// one user for its entire lifetime.
	UserID string `json:"userId"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
	// TurnCount is the number of turns in the session.
	TurnCount int `json:"turnCount"`
	// State is the session's scratch key/value state.
	State map[string]any `json:"state,omitempty"`
	// Archived is set once the session has been written to the memory bank.
	Archived bool `json:"archived"`
	// ArchivedAt is when archival happened (nil if not archived).
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Clone returns a copy of the metadata safe to hand out without
// exposing internal maps.
func (m *Metadata) Clone() *Metadata {
	cp := *m
	if m.State != nil {
		cp.State = make(map[string]any, len(m.State))
		for k, v := range m.State {
			cp.State[k] = v
		}
	}
	if m.ArchivedAt != nil {
		t := *m.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}
