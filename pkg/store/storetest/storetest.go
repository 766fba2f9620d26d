// Package storetest provides a conformance suite run against every Store
// backend. A backend passes by providing a factory that returns a fresh,
// empty store per subtest.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrd/stashfs/pkg/store"
)

// Factory returns a fresh, empty store. Cleanup is the caller's concern
// (typically t.Cleanup with Close).
type Factory func(t *testing.T) store.Store

// TestStore runs the full conformance suite against the backend produced by
// factory.
func TestStore(t *testing.T, factory Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, factory(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, factory(t)) })
	t.Run("FilePrefixOps", func(t *testing.T) { testFilePrefixOps(t, factory(t)) })
	t.Run("UsedBytes", func(t *testing.T) { testUsedBytes(t, factory(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, factory(t)) })
	t.Run("ActionLog", func(t *testing.T) { testActionLog(t, factory(t)) })
}

// =============================================================================
// Users
// =============================================================================

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "alice")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	user := &store.User{
		Username:     "alice",
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
		QuotaBytes:   1 << 20,
		CreatedAt:    time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.Username, got.Username)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)
	assert.Equal(t, user.QuotaBytes, got.QuotaBytes)

	// Duplicate registration is rejected
	err = s.CreateUser(ctx, user)
	require.Error(t, err)
	assert.True(t, store.IsAlreadyExists(err))

	// Empty username is invalid
	err = s.CreateUser(ctx, &store.User{})
	require.Error(t, err)
}

// =============================================================================
// File index
// =============================================================================

func testFiles(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetFile(ctx, "alice", "docs/notes.txt")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	rec := &store.FileRecord{
		Owner:   "alice",
		Path:    "docs/notes.txt",
		Size:    42,
		ModTime: time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertFile(ctx, rec))

	got, err := s.GetFile(ctx, "alice", "docs/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Size)

	// Upsert replaces in place
	rec.Size = 100
	require.NoError(t, s.UpsertFile(ctx, rec))
	got, err = s.GetFile(ctx, "alice", "docs/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Size)

	// Records are scoped per owner
	_, err = s.GetFile(ctx, "bob", "docs/notes.txt")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	// Rename moves the record
	require.NoError(t, s.RenameFile(ctx, "alice", "docs/notes.txt", "docs/renamed.txt"))
	_, err = s.GetFile(ctx, "alice", "docs/notes.txt")
	assert.True(t, store.IsNotFound(err))
	got, err = s.GetFile(ctx, "alice", "docs/renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Size)
	assert.Equal(t, "docs/renamed.txt", got.Path)

	// Renaming an absent record is a no-op
	require.NoError(t, s.RenameFile(ctx, "alice", "missing.txt", "elsewhere.txt"))

	// Delete, then delete again (no-op)
	require.NoError(t, s.DeleteFile(ctx, "alice", "docs/renamed.txt"))
	_, err = s.GetFile(ctx, "alice", "docs/renamed.txt")
	assert.True(t, store.IsNotFound(err))
	require.NoError(t, s.DeleteFile(ctx, "alice", "docs/renamed.txt"))
}

func testFilePrefixOps(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	seed := []store.FileRecord{
		{Owner: "alice", Path: "docs/a.txt", Size: 1, ModTime: now},
		{Owner: "alice", Path: "docs/sub/b.txt", Size: 2, ModTime: now},
		{Owner: "alice", Path: "docs-other/c.txt", Size: 4, ModTime: now},
		{Owner: "alice", Path: "top.txt", Size: 8, ModTime: now},
		{Owner: "bob", Path: "docs/d.txt", Size: 16, ModTime: now},
	}
	for i := range seed {
		require.NoError(t, s.UpsertFile(ctx, &seed[i]))
	}

	t.Run("RenamePrefix", func(t *testing.T) {
		n, err := s.RenameFilePrefix(ctx, "alice", "docs", "archive")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.GetFile(ctx, "alice", "archive/a.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Size)
		got, err = s.GetFile(ctx, "alice", "archive/sub/b.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Size)

		// "docs-other" shares the string prefix but not the directory
		_, err = s.GetFile(ctx, "alice", "docs-other/c.txt")
		require.NoError(t, err)

		// Other owners untouched
		_, err = s.GetFile(ctx, "bob", "docs/d.txt")
		require.NoError(t, err)
	})

	t.Run("DeletePrefix", func(t *testing.T) {
		n, err := s.DeleteFilePrefix(ctx, "alice", "archive")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.GetFile(ctx, "alice", "archive/a.txt")
		assert.True(t, store.IsNotFound(err))
		_, err = s.GetFile(ctx, "alice", "archive/sub/b.txt")
		assert.True(t, store.IsNotFound(err))

		_, err = s.GetFile(ctx, "alice", "docs-other/c.txt")
		require.NoError(t, err)
		_, err = s.GetFile(ctx, "bob", "docs/d.txt")
		require.NoError(t, err)
	})

	t.Run("DeletePrefixMatchesExactPath", func(t *testing.T) {
		n, err := s.DeleteFilePrefix(ctx, "alice", "top.txt")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func testUsedBytes(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	used, err := s.UsedBytes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	require.NoError(t, s.UpsertFile(ctx, &store.FileRecord{Owner: "alice", Path: "a.bin", Size: 100, ModTime: now}))
	require.NoError(t, s.UpsertFile(ctx, &store.FileRecord{Owner: "alice", Path: "b.bin", Size: 200, ModTime: now}))
	require.NoError(t, s.UpsertFile(ctx, &store.FileRecord{Owner: "bob", Path: "c.bin", Size: 400, ModTime: now}))

	used, err = s.UsedBytes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), used)

	// Overwrite replaces the size, not adds to it
	require.NoError(t, s.UpsertFile(ctx, &store.FileRecord{Owner: "alice", Path: "a.bin", Size: 50, ModTime: now}))
	used, err = s.UsedBytes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250), used)

	require.NoError(t, s.DeleteFile(ctx, "alice", "b.bin"))
	used, err = s.UsedBytes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), used)
}

// =============================================================================
// Sessions
// =============================================================================

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetSession(ctx, "sess-1")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	// First touch creates the session, unauthenticated
	require.NoError(t, s.TouchSession(ctx, "sess-1", "", 10, 20))
	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.Username)
	assert.Equal(t, int64(10), sess.BytesIn)
	assert.Equal(t, int64(20), sess.BytesOut)
	assert.False(t, sess.LastSeen.IsZero())

	// Later touches bind the username and accumulate counters
	require.NoError(t, s.TouchSession(ctx, "sess-1", "alice", 5, 0))
	sess, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, int64(15), sess.BytesIn)
	assert.Equal(t, int64(20), sess.BytesOut)

	t.Run("ActiveCount", func(t *testing.T) {
		require.NoError(t, s.TouchSession(ctx, "sess-2", "bob", 0, 0))

		count, err := s.CountActiveSessions(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// A cutoff in the future counts nothing
		count, err = s.CountActiveSessions(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

// =============================================================================
// Action log
// =============================================================================

func testActionLog(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, &store.LogEntry{
		Time:   time.Now(),
		User:   "alice",
		Action: "UPLOAD",
		Detail: map[string]any{"path": "docs/notes.txt", "size": int64(42)},
	}))
	require.NoError(t, s.AppendLog(ctx, &store.LogEntry{
		Time:   time.Now(),
		Action: "REGISTER",
		Detail: map[string]any{"username": "bob"},
	}))

	// Missing action is invalid
	err := s.AppendLog(ctx, &store.LogEntry{Time: time.Now()})
	require.Error(t, err)
}
