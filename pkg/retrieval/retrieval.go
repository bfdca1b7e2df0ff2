// Package retrieval decides when and how archived memory is consulted
// during a conversation turn. It wraps a memorybank.Service with a policy:
// eager mode queries memory before every reasoning step, on-demand mode
// exposes a recall capability the reasoner invokes only when it decides
// context is missing, and off disables memory reads entirely.
//
// Retrieval never fails a turn. Backend errors and timeouts degrade to an
// empty result; the caller proceeds without memory.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/memgo-dev/memgo/pkg/memorybank"
)

// Mode selects the retrieval strategy for a running agent.
type Mode string

const (
	// ModeOff disables memory retrieval. Archival still runs.
	ModeOff Mode = "off"
	// ModeEager retrieves memory before every reasoning step, using the
	// incoming user message as the query.
	ModeEager Mode = "eager"
	// ModeOnDemand retrieves memory only when the reasoner explicitly
	// asks for it with its own query.
	ModeOnDemand Mode = "on_demand"
)

// Errors returned by policy construction and validation.
var (
	// ErrModeConflict is returned when both eager and on-demand
	// retrieval are requested at once. The two modes have incompatible
	// query semantics, so the conflict is rejected at startup rather
	// than resolved silently.
	ErrModeConflict = errors.New("eager and on-demand retrieval are mutually exclusive")
	// ErrUnknownMode is returned for a mode string outside the known set.
	ErrUnknownMode = errors.New("unknown retrieval mode")
)

// ModeFromFlags resolves the two per-agent toggles into a single mode.
// Enabling both is a configuration error, not a preference.
func ModeFromFlags(eager, onDemand bool) (Mode, error) {
	switch {
	case eager && onDemand:
		return "", ErrModeConflict
	case eager:
		return ModeEager, nil
	case onDemand:
		return ModeOnDemand, nil
	default:
		return ModeOff, nil
	}
}

// Policy configures how a Retriever consults the memory bank.
type Policy struct {
	// Mode is the retrieval strategy.
	Mode Mode
	// TopK is the maximum number of records per query (default 5).
	TopK int
	// Timeout bounds each memory query (default 2s).
	Timeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured:
// on-demand retrieval with modest limits.
func DefaultPolicy() Policy {
	return Policy{
		Mode:    ModeOnDemand,
		TopK:    5,
		Timeout: 2 * time.Second,
	}
}

// Validate checks the policy for construction-time errors.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeOff, ModeEager, ModeOnDemand:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, p.Mode)
	}
	if p.TopK < 0 {
		return fmt.Errorf("retrieval top_k must not be negative, got %d", p.TopK)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("retrieval timeout must not be negative, got %s", p.Timeout)
	}
	return nil
}

// Retriever executes the retrieval policy against a memory bank.
type Retriever struct {
	bank   memorybank.Service
	policy Policy
}

// New creates a Retriever. The policy is validated once here so a mode
// conflict or bad limit fails startup instead of the first turn.
func New(bank memorybank.Service, policy Policy) (*Retriever, error) {
	if bank == nil {
		return nil, errors.New("memory bank is required")
	}
	if policy.TopK == 0 {
		policy.TopK = DefaultPolicy().TopK
	}
	if policy.Timeout == 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Retriever{bank: bank, policy: policy}, nil
}

// Policy returns the active policy.
func (r *Retriever) Policy() Policy {
	return r.policy
}

// Eager reports whether memory should be consulted before each
// reasoning step.
func (r *Retriever) Eager() bool {
	return r.policy.Mode == ModeEager
}

// OnDemand reports whether the reasoner may request memory mid-turn.
func (r *Retriever) OnDemand() bool {
	return r.policy.Mode == ModeOnDemand
}

// Retrieve queries the memory bank within the policy's timeout. Memory
// trouble is reported by logging and an empty result, never an error:
// a turn must succeed whether or not memory is reachable. Scope
// violations are the one exception; those are caller bugs.
func (r *Retriever) Retrieve(ctx context.Context, appName, userID, query string) (*memorybank.RetrievalResult, error) {
	empty := &memorybank.RetrievalResult{Query: query}

	if r.policy.Mode == ModeOff {
		return empty, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	result, err := r.bank.Search(ctx, appName, userID, query, r.policy.TopK)
	if err != nil {
		if errors.Is(err, memorybank.ErrMissingScope) {
			return nil, err
		}
		log.Printf("retrieval: memory search degraded (app=%s user=%s): %v", appName, userID, err)
		return empty, nil
	}

	return result, nil
}
