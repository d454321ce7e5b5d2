// Package dbtest opens throwaway SQLite databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"socialchat/internal/db"
)

// New returns a fresh database in t's temp dir, closed on cleanup.
func New(t testing.TB) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// User creates a user and returns its id.
func User(t testing.TB, database *db.DB, username string) string {
	t.Helper()
	u, err := database.CreateUser(context.Background(), username, "hash", "")
	require.NoError(t, err)
	return u.ID
}

// Friends creates the friend edge between a and b.
func Friends(t testing.TB, database *db.DB, a, b string) {
	t.Helper()
	require.NoError(t, database.AddFriend(context.Background(), a, b))
}
