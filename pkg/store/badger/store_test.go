package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrd/stashfs/pkg/store"
	"github.com/davrd/stashfs/pkg/store/storetest"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	s, err := NewBadgerStore(context.Background(), BadgerStoreConfig{
		DBPath: filepath.Join(t.TempDir(), "badger"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestBadgerStoreConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestBadgerStorePersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "badger")
	ctx := context.Background()

	s, err := NewBadgerStore(ctx, BadgerStoreConfig{DBPath: dbPath})
	require.NoError(t, err)

	require.NoError(t, s.CreateUser(ctx, &store.User{
		Username:     "alice",
		PasswordHash: "hash",
		CreatedAt:    time.Now(),
	}))
	require.NoError(t, s.UpsertFile(ctx, &store.FileRecord{
		Owner: "alice", Path: "docs/a.txt", Size: 7, ModTime: time.Now(),
	}))
	require.NoError(t, s.Close())

	// Reopen and verify the records survived
	s, err = NewBadgerStore(ctx, BadgerStoreConfig{DBPath: dbPath})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	user, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash", user.PasswordHash)

	rec, err := s.GetFile(ctx, "alice", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Size)
}

func TestBadgerKeyLayout(t *testing.T) {
	assert.Equal(t, "u:alice", string(keyUser("alice")))
	assert.Equal(t, "f:alice/docs/a.txt", string(keyFile("alice", "docs/a.txt")))
	assert.Equal(t, "f:alice/", string(keyFileOwnerScan("alice")))
	assert.Equal(t, "s:abc", string(keySession("abc")))
	assert.Equal(t, "l:00000000000000000042", string(keyLog(42)))

	assert.Equal(t, "docs/a.txt", filePathFromKey([]byte("f:alice/docs/a.txt"), "alice"))
}
