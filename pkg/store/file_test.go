package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/relay/pkg/history"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("sess-abc123"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("../etc/passwd"))
	assert.Error(t, ValidateID("a/b"))
	assert.Error(t, ValidateID("a\\b"))
	assert.Error(t, ValidateID("a\x00b"))
}

func TestFileStore_CreateAndGet(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	created, err := fs.Create(ctx, "s1", "first session")
	require.NoError(t, err)
	assert.Equal(t, "s1", created.ID)

	// duplicate create fails
	_, err = fs.Create(ctx, "s1", "again")
	assert.Error(t, err)

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first session", got.Title)
	assert.Empty(t, got.Items)

	_, err = fs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_AppendAndReload(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "s1", "")
	require.NoError(t, err)

	require.NoError(t, fs.AppendItems(ctx, "s1",
		history.NewUserText(history.ProviderResponses, "hello"),
		history.NewAssistantText(history.ProviderResponses, "hi there"),
	))
	require.NoError(t, fs.AppendItems(ctx, "s1",
		history.Item{Type: history.ItemFunctionCall, CallID: "c1", Name: "bash", Args: `{}`},
	))

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Items, 3)
	assert.Equal(t, "hello", got.Items[0].PlainText())
	assert.Equal(t, "bash", got.Items[2].Name)
}

func TestFileStore_EphemeralItemsNeverPersist(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "s1", "")
	require.NoError(t, err)

	inline := history.NewUserText(history.ProviderResponses, "image carrier")
	inline.Ephemeral = true
	require.NoError(t, fs.AppendItems(ctx, "s1",
		inline,
		history.NewUserText(history.ProviderResponses, "kept"),
	))

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "kept", got.Items[0].PlainText())
}

func TestFileStore_SetItemsReplacesLog(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, fs.AppendItems(ctx, "s1",
		history.NewUserText(history.ProviderResponses, "one"),
		history.NewUserText(history.ProviderResponses, "two"),
	))

	require.NoError(t, fs.SetItems(ctx, "s1", []history.Item{
		history.NewAssistantText(history.ProviderResponses, "summary"),
	}))

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "summary", got.Items[0].Text)
}

func TestFileStore_ProviderLock(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "s1", "")
	require.NoError(t, err)

	require.NoError(t, fs.SetProvider(ctx, "s1", history.ProviderResponses, "gpt-5"))

	// switching is still allowed while the conversation is empty
	require.NoError(t, fs.SetProvider(ctx, "s1", history.ProviderMessages, "claude-sonnet-4-5"))
	require.NoError(t, fs.SetProvider(ctx, "s1", history.ProviderResponses, "o3"))

	require.NoError(t, fs.AppendItems(ctx, "s1",
		history.NewUserText(history.ProviderResponses, "hello"),
	))

	// same provider again is fine, model may change
	require.NoError(t, fs.SetProvider(ctx, "s1", history.ProviderResponses, "gpt-5"))

	err = fs.SetProvider(ctx, "s1", history.ProviderMessages, "claude-sonnet-4-5")
	assert.ErrorIs(t, err, ErrProviderLocked)

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, history.ProviderResponses, got.Provider)
	assert.Equal(t, "gpt-5", got.Model)
}

func TestFileStore_RenameTouchRuntime(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	created, err := fs.Create(ctx, "s1", "old title")
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, "s1", "new title"))
	require.NoError(t, fs.UpdateRuntime(ctx, "s1", func(r *Runtime) {
		r.LastRunID = "run-1"
		r.InputTokens += 100
	}))
	require.NoError(t, fs.Touch(ctx, "s1"))

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
	assert.Equal(t, "run-1", got.Runtime.LastRunID)
	assert.Equal(t, int64(100), got.Runtime.InputTokens)
	assert.False(t, got.UpdatedAt.Before(created.UpdatedAt))
}

func TestFileStore_ListAndDelete(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "a", "")
	require.NoError(t, err)
	_, err = fs.Create(ctx, "b", "")
	require.NoError(t, err)

	sessions, err := fs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, fs.Delete(ctx, "a"))
	require.NoError(t, fs.Delete(ctx, "a")) // idempotent

	sessions, err = fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", sessions[0].ID)
}

func TestFileStore_SkipsCorruptItemLines(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, fs.AppendItems(ctx, "s1",
		history.NewUserText(history.ProviderResponses, "good"),
	))

	f, err := os.OpenFile(filepath.Join(fs.dir, "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	f.Close()

	got, err := fs.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)
}

func TestFileStore_DeleteOlderThan(t *testing.T) {
	fs := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Create(ctx, "stale", "")
	require.NoError(t, err)
	_, err = fs.Create(ctx, "fresh", "")
	require.NoError(t, err)

	// backdate the stale session's metadata
	stale, err := fs.readMeta("stale")
	require.NoError(t, err)
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, fs.writeMeta(stale))

	deleted, err := fs.DeleteOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = fs.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Get(ctx, "fresh")
	assert.NoError(t, err)
}
