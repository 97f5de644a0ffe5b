// ABOUTME: Tests specific to the SQLite backend
// ABOUTME: Covers directory creation and reopening an existing database

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteBackend_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "huddle.db")

	b, err := NewSQLiteBackend(dbPath)
	require.NoError(t, err)
	defer b.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "huddle.db")

	b, err := NewSQLiteBackend(dbPath)
	require.NoError(t, err)
	require.NoError(t, b.CreateConversation(t.Context(), NewConversation("conv", 5)))
	storeSequenced(t, b, "conv", "u1", "persisted")
	require.NoError(t, b.Close())

	// Migrations must be idempotent across restarts
	b, err = NewSQLiteBackend(dbPath)
	require.NoError(t, err)
	defer b.Close()

	msgs, err := b.GetConversationMessages(t.Context(), "conv", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Content)

	seq, err := b.NextSequenceID(t.Context(), "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}
