package memorybank

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

func init() {
	Register("firestore", func(ctx context.Context, u *url.URL, opts Options) (Service, error) {
		cfg := FirestoreConfig{
			ProjectID:       u.Host,
			Collection:      strings.Trim(u.Path, "/"),
			CredentialsFile: u.Query().Get("credentials"),
		}
		return NewFirestore(ctx, cfg)
	})
}

// FirestoreConfig holds configuration for the Firestore-backed memory bank.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID (required).
	ProjectID string
	// Collection is the Firestore collection holding memory records
	// (default: "memories").
	Collection string
	// CredentialsFile is the path to service account credentials.
	// When empty, Application Default Credentials are used.
	CredentialsFile string
}

// FirestoreService is the managed durable memory bank. Each record is one
// Firestore document whose ID is derived from the (app, user, session) key,
// so writes are natural upserts. Scope fields are stored top-level so user
// isolation is enforced by equality filters on indexed fields.
type FirestoreService struct {
	client  *firestore.Client
	collRef *firestore.CollectionRef

	mu     sync.RWMutex
	closed bool
}

// firestoreRecord is the document layout for one memory record.
type firestoreRecord struct {
	AppName   string    `firestore:"app_name"`
	UserID    string    `firestore:"user_id"`
	SessionID string    `firestore:"session_id"`
	Content   string    `firestore:"content"`
	Topics    []string  `firestore:"topics,omitempty"`
	CreatedAt time.Time `firestore:"created_at"`
}

// NewFirestore creates a Firestore-backed memory bank.
func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*FirestoreService, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "memories"
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &FirestoreService{
		client:  client,
		collRef: client.Collection(collection),
	}, nil
}

// recordDocID derives a stable document ID from the record key. Firestore
// document IDs may not contain slashes, so the key is hashed.
func recordDocID(appName, userID, sessionID string) string {
	h := sha256.Sum256([]byte(appName + "\x00" + userID + "\x00" + sessionID))
	return hex.EncodeToString(h[:])
}

// AddSession upserts the record derived from an archived session.
func (s *FirestoreService) AddSession(ctx context.Context, rec Record) error {
	if err := validateRecord(&rec); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrUnavailable
	}
	s.mu.RUnlock()

	docRef := s.collRef.Doc(recordDocID(rec.AppName, rec.UserID, rec.SessionID))

	// Keep the original creation time on re-archival.
	if snap, err := docRef.Get(ctx); err == nil && snap.Exists() {
		var existing firestoreRecord
		if snap.DataTo(&existing) == nil && !existing.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	}

	doc := firestoreRecord{
		AppName:   rec.AppName,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Content:   rec.Content,
		Topics:    rec.Topics,
		CreatedAt: rec.CreatedAt,
	}

	if _, err := docRef.Set(ctx, doc); err != nil {
		return fmt.Errorf("%w: save record: %v", ErrUnavailable, err)
	}
	return nil
}

// Search returns up to topK records for the given user, ranked by keyword
// overlap with the query. Scope filters run server-side; ranking runs
// client-side on the user's records.
func (s *FirestoreService) Search(ctx context.Context, appName, userID, query string, topK int) (*RetrievalResult, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrUnavailable
	}
	s.mu.RUnlock()

	iter := s.collRef.
		Where("app_name", "==", appName).
		Where("user_id", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	var candidates []Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list records: %v", ErrUnavailable, err)
		}

		var fsRec firestoreRecord
		if err := doc.DataTo(&fsRec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		candidates = append(candidates, Record{
			AppName:   fsRec.AppName,
			UserID:    fsRec.UserID,
			SessionID: fsRec.SessionID,
			Content:   fsRec.Content,
			Topics:    fsRec.Topics,
			CreatedAt: fsRec.CreatedAt,
		})
	}

	return &RetrievalResult{
		Query:   query,
		Records: rankRecords(candidates, query, clampTopK(topK)),
	}, nil
}

// Ping verifies the Firestore connection with a one-document read.
func (s *FirestoreService) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrUnavailable
	}
	s.mu.RUnlock()

	iter := s.collRef.Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the connection to Firestore.
func (s *FirestoreService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
