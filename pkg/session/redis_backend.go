package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements StorageBackend using Redis.
// It provides distributed session storage suitable for multi-node deployments.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "memgo:session:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "memgo:session:"
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

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "memgo:session:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "meta:" + sessionID
}

func (b *RedisBackend) turnsKey(sessionID string) string {
	return b.prefix + "turns:" + sessionID
}

func (b *RedisBackend) appIndexKey(appName string) string {
	return b.prefix + "app:" + appName
}

func (b *RedisBackend) userIndexKey(userID string) string {
	return b.prefix + "user:" + userID
}

// SaveSession creates or updates session metadata.
func (b *RedisBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := b.client.Pipeline()

	pipe.Set(ctx, b.sessionKey(meta.ID), data, b.ttl)
	pipe.SAdd(ctx, b.appIndexKey(meta.AppName), meta.ID)
	if meta.UserID != "" {
		pipe.SAdd(ctx, b.userIndexKey(meta.UserID), meta.ID)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *RedisBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := b.client.Get(ctx, b.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// DeleteSession removes a session and all its data.
func (b *RedisBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	// Load metadata to get app and user info for index cleanup
	meta, err := b.LoadSession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	pipe := b.client.Pipeline()

	pipe.Del(ctx, b.sessionKey(sessionID))
	pipe.Del(ctx, b.turnsKey(sessionID))

	if meta != nil {
		pipe.SRem(ctx, b.appIndexKey(meta.AppName), sessionID)
		if meta.UserID != "" {
			pipe.SRem(ctx, b.userIndexKey(meta.UserID), sessionID)
		}
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// ListSessions returns sessions for an application matching filter options.
func (b *RedisBackend) ListSessions(ctx context.Context, appName string, opts ListOptions) ([]*Metadata, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	var sessionIDs []string
	var err error

	if opts.UserID != "" {
		// Intersect app and user indexes
		sessionIDs, err = b.client.SInter(ctx,
			b.appIndexKey(appName),
			b.userIndexKey(opts.UserID),
		).Result()
	} else {
		sessionIDs, err = b.client.SMembers(ctx, b.appIndexKey(appName)).Result()
	}

	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// Sort session IDs for deterministic pagination (Redis sets are unordered)
	sort.Strings(sessionIDs)

	start := opts.Offset
	if start >= len(sessionIDs) {
		return []*Metadata{}, nil
	}

	end := len(sessionIDs)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	sessionIDs = sessionIDs[start:end]

	sessions := make([]*Metadata, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		meta, err := b.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Session expired or was deleted, clean up index
				b.client.SRem(ctx, b.appIndexKey(appName), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, meta)
	}

	return sessions, nil
}

// AppendTurn adds a turn to a session.
func (b *RedisBackend) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	if err := b.client.RPush(ctx, b.turnsKey(sessionID), data).Err(); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	if b.ttl > 0 {
		// Expire failure is non-fatal; the turn was already saved and the
		// TTL will be applied on the next successful Expire call.
		_ = b.client.Expire(ctx, b.turnsKey(sessionID), b.ttl).Err()
	}

	return nil
}

// LoadTurns retrieves all turns for a session in submission order.
func (b *RedisBackend) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := b.client.LRange(ctx, b.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	turns := make([]*Turn, 0, len(data))
	for _, d := range data {
		var turn Turn
		if err := json.Unmarshal([]byte(d), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}

	return turns, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	return b.client.Ping(ctx).Err()
}
