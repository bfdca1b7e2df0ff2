package memorybank

import (
	"context"
	"net/url"
	"sync"
)

func init() {
	Register("inmemory", func(ctx context.Context, u *url.URL, opts Options) (Service, error) {
		return NewInMemory(), nil
	})
}

// InMemoryService holds records in process-local maps with basic keyword
// matching. Nothing survives a restart; it is the default backend for
// local development and prototyping.
type InMemoryService struct {
	mu sync.RWMutex
	// records is keyed by (app, user) scope, then by session id, which
	// makes the upsert idempotence and user isolation structural.
	records map[scopeKey]map[string]Record
	closed  bool
}

type scopeKey struct {
	app  string
	user string
}

// NewInMemory creates a new in-process memory bank.
func NewInMemory() *InMemoryService {
	return &InMemoryService{
		records: make(map[scopeKey]map[string]Record),
	}
}

// AddSession upserts the record derived from an archived session.
func (s *InMemoryService) AddSession(ctx context.Context, rec Record) error {
	if err := validateRecord(&rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrUnavailable
	}

	key := scopeKey{rec.AppName, rec.UserID}
	bucket, ok := s.records[key]
	if !ok {
		bucket = make(map[string]Record)
		s.records[key] = bucket
	}

	// Keep the original creation time on re-archival.
	if existing, ok := bucket[rec.SessionID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	bucket[rec.SessionID] = rec

	return nil
}

// Search returns up to topK records for the given user, ranked by keyword
// overlap with the query.
func (s *InMemoryService) Search(ctx context.Context, appName, userID, query string, topK int) (*RetrievalResult, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrUnavailable
	}

	bucket := s.records[scopeKey{appName, userID}]
	candidates := make([]Record, 0, len(bucket))
	for _, rec := range bucket {
		candidates = append(candidates, rec)
	}

	return &RetrievalResult{
		Query:   query,
		Records: rankRecords(candidates, query, clampTopK(topK)),
	}, nil
}

// Count returns the number of records stored for a scope. Used by tests.
func (s *InMemoryService) Count(appName, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[scopeKey{appName, userID}])
}

// Ping reports whether the service is usable.
func (s *InMemoryService) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrUnavailable
	}
	return nil
}

// Close releases the store.
func (s *InMemoryService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.records = nil
	return nil
}
