package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/pkg/history"
)

// SQLiteStore persists sessions in a single SQLite database. Items live in
// their own table keyed by sequence number so appends stay cheap.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if dsn == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("SQLite session store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			runtime TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS items (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new session row.
func (s *SQLiteStore) Create(ctx context.Context, id, title string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().Str("session_id", id).Msg("Session created")
	return &Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// Get loads a session with its items.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	start := time.Now()
	defer func() { observability.RecordSessionLoad("sqlite", time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	sess, err := s.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM items WHERE session_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var it history.Item
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Skipping unreadable item row")
			continue
		}
		sess.Items = append(sess.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns all session metadata, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, provider, model, created_at, updated_at, runtime
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// AppendItems adds persistable items inside one transaction.
func (s *SQLiteStore) AppendItems(ctx context.Context, id string, items ...history.Item) error {
	start := time.Now()
	defer func() { observability.RecordSessionSave("sqlite", time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	items = persistable(items)
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, id); err != nil {
		return err
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM items WHERE session_id = ?", id,
	).Scan(&next); err != nil {
		return err
	}

	for i, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO items (session_id, seq, payload) VALUES (?, ?, ?)",
			id, next+int64(i), string(payload),
		); err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().UnixMilli(), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SetItems replaces the session's items inside one transaction.
func (s *SQLiteStore) SetItems(ctx context.Context, id string, items []history.Item) error {
	start := time.Now()
	defer func() { observability.RecordSessionSave("sqlite", time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	items = persistable(items)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM items WHERE session_id = ?", id); err != nil {
		return err
	}
	for i, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO items (session_id, seq, payload) VALUES (?, ?, ?)",
			id, int64(i), string(payload),
		); err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().UnixMilli(), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProvider binds the session to a provider, locked once items exist.
func (s *SQLiteStore) SetProvider(ctx context.Context, id string, p history.Provider, model string) error {
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM items WHERE session_id = ?", id).Scan(&count); err != nil {
		return err
	}
	return s.updateMeta(ctx, id, func(sess *Session) error {
		if err := checkProvider(sess, p, count > 0); err != nil {
			return err
		}
		sess.Provider = p
		sess.Model = model
		return nil
	})
}

// Rename changes the session title.
func (s *SQLiteStore) Rename(ctx context.Context, id, title string) error {
	return s.updateMeta(ctx, id, func(sess *Session) error {
		sess.Title = title
		return nil
	})
}

// Touch bumps the updated timestamp.
func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	return s.updateMeta(ctx, id, func(*Session) error { return nil })
}

// UpdateRuntime mutates runtime bookkeeping.
func (s *SQLiteStore) UpdateRuntime(ctx context.Context, id string, fn func(*Runtime)) error {
	return s.updateMeta(ctx, id, func(sess *Session) error {
		fn(&sess.Runtime)
		return nil
	})
}

// Delete removes a session; items cascade.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Str("session_id", id).Msg("Session deleted")
	}
	return nil
}

// DeleteOlderThan removes sessions not updated within age.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at <= ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                 Session
		provider             string
		createdMs, updatedMs int64
		runtimeJSON          string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &provider, &sess.Model,
		&createdMs, &updatedMs, &runtimeJSON); err != nil {
		return nil, err
	}
	sess.Provider = history.Provider(provider)
	sess.CreatedAt = time.UnixMilli(createdMs)
	sess.UpdatedAt = time.UnixMilli(updatedMs)
	if err := json.Unmarshal([]byte(runtimeJSON), &sess.Runtime); err != nil {
		return nil, fmt.Errorf("failed to parse session runtime: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) loadMeta(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, created_at, updated_at, runtime
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) updateMeta(ctx context.Context, id string, fn func(*Session) error) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	sess, err := s.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}

	runtimeJSON, err := json.Marshal(sess.Runtime)
	if err != nil {
		return fmt.Errorf("failed to marshal session runtime: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, provider = ?, model = ?, updated_at = ?, runtime = ?
		WHERE id = ?`,
		sess.Title, string(sess.Provider), sess.Model, time.Now().UnixMilli(),
		string(runtimeJSON), id)
	return err
}

func sessionExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
