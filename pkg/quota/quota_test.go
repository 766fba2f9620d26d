package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrd/stashfs/pkg/store"
	"github.com/davrd/stashfs/pkg/store/memory"
)

func TestLimit(t *testing.T) {
	m := NewManager(memory.NewMemoryStore(), 1000)

	assert.Equal(t, int64(1000), m.Limit(&store.User{Username: "alice"}))
	assert.Equal(t, int64(500), m.Limit(&store.User{Username: "bob", QuotaBytes: 500}))
	assert.Equal(t, int64(1000), m.Limit(nil))
}

func TestCanStore(t *testing.T) {
	ctx := context.Background()
	s := memory.NewMemoryStore()
	m := NewManager(s, 1000)
	alice := &store.User{Username: "alice"}

	require.NoError(t, s.UpsertFile(ctx, &store.FileRecord{
		Owner: "alice", Path: "a.bin", Size: 600, ModTime: time.Now(),
	}))

	t.Run("WithinQuota", func(t *testing.T) {
		ok, usage, err := m.CanStore(ctx, alice, 400, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(600), usage.UsedBytes)
		assert.Equal(t, int64(1000), usage.QuotaBytes)
	})

	t.Run("ExceedsQuota", func(t *testing.T) {
		ok, _, err := m.CanStore(ctx, alice, 401, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("OverwriteCountsNetDelta", func(t *testing.T) {
		// Replacing the 600-byte file with 1000 bytes exactly fills the quota
		ok, _, err := m.CanStore(ctx, alice, 1000, 600)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, _, err = m.CanStore(ctx, alice, 1001, 600)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ShrinkAlwaysFits", func(t *testing.T) {
		ok, _, err := m.CanStore(ctx, alice, 10, 600)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestPerUserOverrideWins(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewMemoryStore(), 1000)
	bob := &store.User{Username: "bob", QuotaBytes: 100}

	ok, usage, err := m.CanStore(ctx, bob, 101, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(100), usage.QuotaBytes)
}
