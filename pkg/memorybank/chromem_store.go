package memorybank

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

func init() {
	Register("chromem", func(ctx context.Context, u *url.URL, opts Options) (Service, error) {
		path := u.Host + u.Path
		return NewChromem(path, opts.Embedder)
	})
}

// ChromemService stores memory records in an embedded chromem-go vector
// database. Each (app, user) scope gets its own collection, so user
// isolation holds at the storage level rather than as a query filter.
// Records are embedded at write time and ranked by cosine similarity.
type ChromemService struct {
	db       *chromem.DB
	embedder Embedder

	mu          sync.RWMutex
	collections map[scopeKey]*chromem.Collection
	closed      bool
}

// NewChromem creates a chromem-backed memory bank. If path is non-empty
// the database persists to disk; otherwise it lives in memory.
func NewChromem(path string, embedder Embedder) (*ChromemService, error) {
	if embedder == nil {
		return nil, errors.New("chromem memory bank requires an embedder")
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
		}
	}

	return &ChromemService{
		db:          db,
		embedder:    embedder,
		collections: make(map[scopeKey]*chromem.Collection),
	}, nil
}

// collectionName derives a stable collection name from the scope. Chromem
// restricts names to alphanumerics, dashes, and underscores.
func collectionName(appName, userID string) string {
	sanitize := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				b.WriteRune(r)
			default:
				b.WriteByte('-')
			}
		}
		return b.String()
	}
	return "mem-" + sanitize(appName) + "--" + sanitize(userID)
}

func (s *ChromemService) getOrCreateCollection(appName, userID string) (*chromem.Collection, error) {
	key := scopeKey{appName, userID}

	s.mu.RLock()
	col, ok := s.collections[key]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[key]; ok {
		return col, nil
	}

	// Embeddings are supplied explicitly per document, so no embedding
	// func is registered on the collection.
	col, err := s.db.GetOrCreateCollection(collectionName(appName, userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", ErrUnavailable, err)
	}

	s.collections[key] = col
	return col, nil
}

// AddSession upserts the record derived from an archived session. The
// session id doubles as the document id, so re-archival overwrites the
// previous document instead of duplicating it.
func (s *ChromemService) AddSession(ctx context.Context, rec Record) error {
	if err := validateRecord(&rec); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrUnavailable
	}
	s.mu.RUnlock()

	col, err := s.getOrCreateCollection(rec.AppName, rec.UserID)
	if err != nil {
		return err
	}

	embedding, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return fmt.Errorf("%w: embed record: %v", ErrUnavailable, err)
	}

	doc := chromem.Document{
		ID:        rec.SessionID,
		Content:   rec.Content,
		Embedding: embedding,
		Metadata: map[string]string{
			"appName":   rec.AppName,
			"userId":    rec.UserID,
			"topics":    strings.Join(rec.Topics, ","),
			"createdAt": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: add document: %v", ErrUnavailable, err)
	}
	return nil
}

// Search embeds the query and returns up to topK records from the user's
// collection, ranked by cosine similarity.
func (s *ChromemService) Search(ctx context.Context, appName, userID, query string, topK int) (*RetrievalResult, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrUnavailable
	}
	s.mu.RUnlock()

	col, err := s.getOrCreateCollection(appName, userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := clampTopK(topK)
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return &RetrievalResult{Query: query}, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrUnavailable, err)
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	records := make([]ScoredRecord, 0, len(results))
	for _, res := range results {
		rec := Record{
			AppName:   appName,
			UserID:    userID,
			SessionID: res.ID,
			Content:   res.Content,
		}
		if topics := res.Metadata["topics"]; topics != "" {
			rec.Topics = strings.Split(topics, ",")
		}
		if ts, err := time.Parse(time.RFC3339Nano, res.Metadata["createdAt"]); err == nil {
			rec.CreatedAt = ts
		}
		records = append(records, ScoredRecord{Record: rec, Score: float64(res.Similarity)})
	}

	return &RetrievalResult{Query: query, Records: records}, nil
}

// Ping reports whether the service is usable.
func (s *ChromemService) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrUnavailable
	}
	return nil
}

// Close releases the store. Chromem keeps its working set in memory, so
// close only blocks further use.
func (s *ChromemService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.collections = nil
	return nil
}
