// Package store persists sessions and their conversation items. Two
// backends exist: a JSONL file store and a SQLite store. Both enforce the
// provider lock, a session that has talked to one provider never switches
// to the other.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/halim/relay/pkg/history"
)

var (
	// ErrNotFound reports a missing session.
	ErrNotFound = errors.New("session not found")

	// ErrProviderLocked reports an attempt to switch a session to a
	// different provider after its first model turn.
	ErrProviderLocked = errors.New("session provider is locked")
)

// Runtime is mutable bookkeeping attached to a session.
type Runtime struct {
	LastRunID     string `json:"lastRunId,omitempty"`
	LastRunStatus string `json:"lastRunStatus,omitempty"`
	InputTokens   int64  `json:"inputTokens"`
	OutputTokens  int64  `json:"outputTokens"`
	Compactions   int    `json:"compactions"`
}

// Session is one persistent conversation.
type Session struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Provider  history.Provider `json:"provider,omitempty"`
	Model     string           `json:"model,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Runtime   Runtime          `json:"runtime"`

	// Items are loaded on Get and never serialized with the metadata.
	Items []history.Item `json:"-"`
}

// Store is the persistence contract shared by the file and SQLite backends.
type Store interface {
	Create(ctx context.Context, id, title string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]Session, error)

	// AppendItems adds items to the conversation tail. Items marked
	// ephemeral are dropped silently.
	AppendItems(ctx context.Context, id string, items ...history.Item) error

	// SetItems replaces the whole conversation, used after compaction.
	SetItems(ctx context.Context, id string, items []history.Item) error

	// SetProvider binds the session to a provider. The binding is free to
	// change while the conversation is empty; once any item exists,
	// switching providers returns ErrProviderLocked.
	SetProvider(ctx context.Context, id string, p history.Provider, model string) error

	Rename(ctx context.Context, id, title string) error
	Touch(ctx context.Context, id string) error
	UpdateRuntime(ctx context.Context, id string, fn func(*Runtime)) error
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes sessions whose last update is older than
	// age, returning how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int, error)

	Close() error
}

// ValidateID rejects session ids that could escape the storage namespace.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// persistable filters out items that must never hit disk.
func persistable(items []history.Item) []history.Item {
	return history.Persistable(items)
}

// checkProvider applies the provider lock rule: switching is allowed only
// while the conversation is still empty.
func checkProvider(s *Session, p history.Provider, hasItems bool) error {
	if s.Provider != "" && s.Provider != p && hasItems {
		return fmt.Errorf("%w: session %s is bound to %s", ErrProviderLocked, s.ID, s.Provider)
	}
	return nil
}
