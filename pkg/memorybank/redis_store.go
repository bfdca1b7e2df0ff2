package memorybank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

func init() {
	Register("redis", func(ctx context.Context, u *url.URL, opts Options) (Service, error) {
		cfg := RedisConfig{Addr: u.Host}
		if pass, ok := u.User.Password(); ok {
			cfg.Password = pass
		}
		if db := strings.TrimPrefix(u.Path, "/"); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil {
				return nil, fmt.Errorf("parse redis db number %q: %w", db, err)
			}
			cfg.DB = n
		}
		return NewRedis(cfg)
	})
}

// RedisConfig holds Redis connection configuration for the memory bank.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all memory keys (default: "memgo:memory:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// RedisService stores memory records in Redis. Each record lives under a
// deterministic key derived from its (app, user, session) scope, so writes
// are natural upserts, and a per-scope index set drives searches.
type RedisService struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedis creates a Redis-backed memory bank.
func NewRedis(cfg RedisConfig) (*RedisService, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "memgo:memory:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisService{client: client, prefix: prefix}, nil
}

// NewRedisFromClient creates a Redis memory bank from an existing client.
// This is useful for testing with miniredis.
func NewRedisFromClient(client *redis.Client, prefix string) *RedisService {
	if prefix == "" {
		prefix = "memgo:memory:"
	}
	return &RedisService{client: client, prefix: prefix}
}

func (s *RedisService) recordKey(appName, userID, sessionID string) string {
	return s.prefix + "rec:" + appName + ":" + userID + ":" + sessionID
}

func (s *RedisService) indexKey(appName, userID string) string {
	return s.prefix + "idx:" + appName + ":" + userID
}

// AddSession upserts the record derived from an archived session.
func (s *RedisService) AddSession(ctx context.Context, rec Record) error {
	if err := validateRecord(&rec); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrUnavailable
	}
	s.mu.RUnlock()

	key := s.recordKey(rec.AppName, rec.UserID, rec.SessionID)

	// Keep the original creation time on re-archival.
	if data, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var existing Record
		if json.Unmarshal(data, &existing) == nil && !existing.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, s.indexKey(rec.AppName, rec.UserID), rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save record: %v", ErrUnavailable, err)
	}

	return nil
}

// Search returns up to topK records for the given user, ranked by keyword
// overlap with the query.
func (s *RedisService) Search(ctx context.Context, appName, userID, query string, topK int) (*RetrievalResult, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrUnavailable
	}
	s.mu.RUnlock()

	sessionIDs, err := s.client.SMembers(ctx, s.indexKey(appName, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %v", ErrUnavailable, err)
	}

	candidates := make([]Record, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		data, err := s.client.Get(ctx, s.recordKey(appName, userID, id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Record expired or was deleted, clean up index
				s.client.SRem(ctx, s.indexKey(appName, userID), id)
				continue
			}
			return nil, fmt.Errorf("%w: get record: %v", ErrUnavailable, err)
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		candidates = append(candidates, rec)
	}

	return &RetrievalResult{
		Query:   query,
		Records: rankRecords(candidates, query, clampTopK(topK)),
	}, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisService) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrUnavailable
	}
	s.mu.RUnlock()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases resources held by the service.
func (s *RedisService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
