package userdb

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------------------------- //

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// --------------------------------------------------------------------------------------------- //

func TestFixSchemaIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	require.True(t, store.FixSchema())
	require.True(t, store.FixSchema())

	require.True(t, store.SetUser("u1", "aa"))
	require.True(t, store.FixSchema())

	user, ok := store.GetUser("u1")
	require.True(t, ok)
	require.Equal(t, "aa", user.PasswordHex)
}

// --------------------------------------------------------------------------------------------- //

func TestSetUserInsertsOnlyIfAbsent(t *testing.T) {
	store := openTestStore(t)

	require.True(t, store.SetUser("u1", "aa"))
	require.False(t, store.SetUser("u1", "bb"))

	user, ok := store.GetUser("u1")
	require.True(t, ok)
	require.Equal(t, "aa", user.PasswordHex)
	require.Zero(t, user.DownloadCount)
}

// --------------------------------------------------------------------------------------------- //

func TestGetUserMissing(t *testing.T) {
	store := openTestStore(t)

	_, ok := store.GetUser("nobody")
	require.False(t, ok)
}

// --------------------------------------------------------------------------------------------- //

func TestAddDownloadCountsExistingRowsOnly(t *testing.T) {
	store := openTestStore(t)

	require.False(t, store.AddDownload("nobody"))

	require.True(t, store.SetUser("u1", "aa"))
	require.True(t, store.AddDownload("u1"))
	require.True(t, store.AddDownload("u1"))

	user, ok := store.GetUser("u1")
	require.True(t, ok)
	require.Equal(t, 2, user.DownloadCount)
}

// --------------------------------------------------------------------------------------------- //

// A store opened over a mismatched schema refuses until FixSchema drops and
// recreates the table, and every operation retries the repair on its own.
func TestCorruptSchemaSelfHeals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	raw, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE users (login TEXT, secret TEXT)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	// The damaged table was detected at Open; the first operation repairs it.
	require.True(t, store.SetUser("u1", "aa"))

	user, ok := store.GetUser("u1")
	require.True(t, ok)
	require.Equal(t, "aa", user.PasswordHex)

	require.True(t, store.FixSchema())
}

// --------------------------------------------------------------------------------------------- //
