package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend using JSONL files.
// Storage layout:
//
//	~/.memgo/sessions/
//	  └── <app-name>/
//	      ├── sessions.json        # Session index (metadata by ID)
//	      └── <session-id>.jsonl   # Session turns
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.memgo/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".memgo", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

// SaveSession creates or updates session metadata.
func (f *FileBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	// Validate path components to prevent path traversal
	if err := validatePathComponent(meta.AppName); err != nil {
		return fmt.Errorf("invalid app name: %w", err)
	}
	if err := validatePathComponent(meta.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	appDir := filepath.Join(f.baseDir, meta.AppName)
	if err := os.MkdirAll(appDir, 0700); err != nil {
		return fmt.Errorf("create app directory: %w", err)
	}

	index, err := f.readIndex(appDir)
	if err != nil {
		return err
	}

	index[meta.ID] = meta.Clone()

	return f.writeIndex(appDir, index)
}

// LoadSession retrieves session metadata by ID.
func (f *FileBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	return f.loadSessionUnlocked(sessionID)
}

// DeleteSession removes a session and all its turns.
func (f *FileBackend) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	meta, err := f.loadSessionUnlocked(sessionID)
	if err != nil {
		return err
	}

	appDir := filepath.Join(f.baseDir, meta.AppName)

	turnsPath := filepath.Join(appDir, sessionID+".jsonl")
	_ = os.Remove(turnsPath) // Ignore if doesn't exist

	index, err := f.readIndex(appDir)
	if err != nil {
		return err
	}
	delete(index, sessionID)

	return f.writeIndex(appDir, index)
}

// ListSessions returns sessions for an application matching the filter options.
func (f *FileBackend) ListSessions(ctx context.Context, appName string, opts ListOptions) ([]*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	if err := validatePathComponent(appName); err != nil {
		return nil, fmt.Errorf("invalid app name: %w", err)
	}

	appDir := filepath.Join(f.baseDir, appName)
	index, err := f.readIndex(appDir)
	if err != nil {
		return nil, err
	}

	var sessions []*Metadata
	for _, meta := range index {
		if opts.UserID != "" && meta.UserID != opts.UserID {
			continue
		}
		sessions = append(sessions, meta)
	}

	// Sort by updated time (most recent first)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return []*Metadata{}, nil
		}
		sessions = sessions[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(sessions) {
		sessions = sessions[:opts.Limit]
	}

	return sessions, nil
}

// AppendTurn adds a turn to a session (append-only).
func (f *FileBackend) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	meta, err := f.loadSessionUnlocked(sessionID)
	if err != nil {
		return err
	}

	appDir := filepath.Join(f.baseDir, meta.AppName)
	turnsPath := filepath.Join(appDir, sessionID+".jsonl")

	file, err := os.OpenFile(turnsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open turns file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}

	return nil
}

// LoadTurns retrieves all turns for a session in submission order.
func (f *FileBackend) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	meta, err := f.loadSessionUnlocked(sessionID)
	if err != nil {
		return nil, err
	}

	appDir := filepath.Join(f.baseDir, meta.AppName)
	turnsPath := filepath.Join(appDir, sessionID+".jsonl")

	file, err := os.Open(turnsPath) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*Turn{}, nil
		}
		return nil, fmt.Errorf("open turns file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var turns []*Turn
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var turn Turn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			return nil, fmt.Errorf("parse turn: %w", err)
		}
		turns = append(turns, &turn)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan turns: %w", err)
	}

	return turns, nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// readIndex loads the session index for an app directory.
// A missing index file is an empty index.
func (f *FileBackend) readIndex(appDir string) (map[string]*Metadata, error) {
	index := make(map[string]*Metadata)

	indexPath := filepath.Join(appDir, "sessions.json")
	data, err := os.ReadFile(indexPath) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}

	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

// writeIndex persists the session index for an app directory.
func (f *FileBackend) writeIndex(appDir string, index map[string]*Metadata) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}

	indexPath := filepath.Join(appDir, "sessions.json")
	if err := os.WriteFile(indexPath, data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	return nil
}

// loadSessionUnlocked is an internal helper that loads session metadata
// without acquiring locks. Caller must hold an appropriate lock.
func (f *FileBackend) loadSessionUnlocked(sessionID string) (*Metadata, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	// Search all app directories for the session
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		index, err := f.readIndex(filepath.Join(f.baseDir, entry.Name()))
		if err != nil {
			continue
		}

		if meta, ok := index[sessionID]; ok {
			return meta, nil
		}
	}

	return nil, ErrSessionNotFound
}
