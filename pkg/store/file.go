package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/internal/tracing"
	"github.com/halim/relay/pkg/history"
)

// FileStore keeps each session as a metadata JSON file plus a JSONL item
// log. Appends go to the log; compaction rewrites it atomically.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".relay", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	fs := &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}
	log.Info().Str("dir", dir).Msg("File session store initialized")
	return fs, nil
}

func (fs *FileStore) metaPath(id string) string {
	return filepath.Join(fs.dir, id+".meta.json")
}

func (fs *FileStore) itemsPath(id string) string {
	return filepath.Join(fs.dir, id+".jsonl")
}

func (fs *FileStore) lock(id string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	if l, ok := fs.writeLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	fs.writeLocks[id] = l
	return l
}

func (fs *FileStore) releaseLock(id string) {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	delete(fs.writeLocks, id)
}

// Create makes a new session. An existing id is an error.
func (fs *FileStore) Create(ctx context.Context, id, title string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.store", "store.create",
		attribute.String("session_id", id))
	defer span.End()

	if err := ValidateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(fs.metaPath(id)); err == nil {
		return nil, fmt.Errorf("session %s already exists", id)
	}

	now := time.Now()
	s := &Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := fs.writeMeta(s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("session_id", id).Msg("Session created")
	return s, nil
}

// Get loads a session with its items.
func (fs *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.store", "store.get",
		attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad("file", time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	s, err := fs.readMeta(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	items, err := fs.readItems(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Items = items
	return s, nil
}

// List returns metadata for all sessions, items not loaded.
func (fs *FileStore) List(ctx context.Context) ([]Session, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta.json")
		s, err := fs.readMeta(id)
		if err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Skipping unreadable session metadata")
			continue
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

// AppendItems adds persistable items to the session's JSONL log.
func (fs *FileStore) AppendItems(ctx context.Context, id string, items ...history.Item) error {
	ctx, span := tracing.StartSpan(ctx, "relay.store", "store.append_items",
		attribute.String("session_id", id),
		attribute.Int("count", len(items)))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave("file", time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	items = persistable(items)
	if len(items) == 0 {
		return nil
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	s, err := fs.readMeta(id)
	if err != nil {
		span.RecordError(err)
		return err
	}

	f, err := os.OpenFile(fs.itemsPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to open item log: %w", err)
	}
	defer f.Close()

	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to write item: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to sync item log: %w", err)
	}

	s.UpdatedAt = time.Now()
	if err := fs.writeMeta(s); err != nil {
		return err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Str("session_id", id).Int("count", len(items)).Msg("Items appended")
	return nil
}

// SetItems atomically replaces the item log.
func (fs *FileStore) SetItems(ctx context.Context, id string, items []history.Item) error {
	_, span := tracing.StartSpan(ctx, "relay.store", "store.set_items",
		attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave("file", time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	items = persistable(items)

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	s, err := fs.readMeta(id)
	if err != nil {
		return err
	}

	path := fs.itemsPath(id)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write item: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace item log: %w", err)
	}

	s.UpdatedAt = time.Now()
	return fs.writeMeta(s)
}

// SetProvider binds the session to a provider, locked once items exist.
func (fs *FileStore) SetProvider(ctx context.Context, id string, p history.Provider, model string) error {
	return fs.updateMeta(id, func(s *Session) error {
		hasItems := false
		if info, err := os.Stat(fs.itemsPath(id)); err == nil && info.Size() > 0 {
			hasItems = true
		}
		if err := checkProvider(s, p, hasItems); err != nil {
			return err
		}
		s.Provider = p
		s.Model = model
		return nil
	})
}

// Rename changes the session title.
func (fs *FileStore) Rename(ctx context.Context, id, title string) error {
	return fs.updateMeta(id, func(s *Session) error {
		s.Title = title
		return nil
	})
}

// Touch bumps the updated timestamp.
func (fs *FileStore) Touch(ctx context.Context, id string) error {
	return fs.updateMeta(id, func(*Session) error { return nil })
}

// UpdateRuntime mutates the session's runtime bookkeeping.
func (fs *FileStore) UpdateRuntime(ctx context.Context, id string, fn func(*Runtime)) error {
	return fs.updateMeta(id, func(s *Session) error {
		fn(&s.Runtime)
		return nil
	})
}

// Delete removes a session and its items.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(fs.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session metadata: %w", err)
	}
	if err := os.Remove(fs.itemsPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete item log: %w", err)
	}
	fs.releaseLock(id)

	log.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// DeleteOlderThan removes sessions not updated within age.
func (fs *FileStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	sessions, err := fs.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-age)
	deleted := 0
	for _, s := range sessions {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		if err := fs.Delete(ctx, s.ID); err != nil {
			log.Warn().Str("session_id", s.ID).Err(err).Msg("Failed to delete expired session")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Close clears write locks.
func (fs *FileStore) Close() error {
	fs.locksMu.Lock()
	fs.writeLocks = make(map[string]*sync.Mutex)
	fs.locksMu.Unlock()
	return nil
}

func (fs *FileStore) readMeta(id string) (*Session, error) {
	data, err := os.ReadFile(fs.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &s, nil
}

// writeMeta writes metadata through a temp file so a crash never leaves a
// half-written meta behind.
func (fs *FileStore) writeMeta(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	path := fs.metaPath(s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session metadata: %w", err)
	}
	return nil
}

func (fs *FileStore) updateMeta(id string, fn func(*Session) error) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	s, err := fs.readMeta(id)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	return fs.writeMeta(s)
}

// readItems tolerates corrupt lines, logging and skipping them.
func (fs *FileStore) readItems(ctx context.Context, id string) ([]history.Item, error) {
	f, err := os.Open(fs.itemsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open item log: %w", err)
	}
	defer f.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	var items []history.Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var it history.Item
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			logger.Warn().Str("session_id", id).Int("line", lineNum).Err(err).
				Msg("Failed to parse item line, skipping")
			continue
		}
		if it.Type == "" {
			logger.Warn().Str("session_id", id).Int("line", lineNum).
				Msg("Item line has no type, skipping")
			continue
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read item log: %w", err)
	}
	return items, nil
}
