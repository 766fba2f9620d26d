// Package quota implements per-user storage accounting.
//
// Usage is the sum of index record sizes, not raw directory size on disk.
// The admission check is advisory: it reads current usage and compares
// against the limit without holding a lock across the subsequent write, so
// two concurrent uploads by the same user can both pass and overshoot the
// quota by at most one payload. That race is accepted.
package quota

import (
	"context"
	"fmt"

	"github.com/davrd/stashfs/pkg/store"
)

// Usage is a point-in-time snapshot of one user's accounting state.
type Usage struct {
	UsedBytes  int64
	QuotaBytes int64
}

// Manager answers quota admission checks against the record store.
type Manager struct {
	store        store.Store
	defaultQuota int64
}

// NewManager creates a quota manager. defaultQuota applies to users whose
// record carries no per-user override.
func NewManager(s store.Store, defaultQuota int64) *Manager {
	return &Manager{store: s, defaultQuota: defaultQuota}
}

// Limit returns the effective quota for user: the per-user override when
// set, the configured default otherwise.
func (m *Manager) Limit(user *store.User) int64 {
	if user != nil && user.QuotaBytes > 0 {
		return user.QuotaBytes
	}
	return m.defaultQuota
}

// Snapshot returns the current usage and effective limit for user.
func (m *Manager) Snapshot(ctx context.Context, user *store.User) (Usage, error) {
	used, err := m.store.UsedBytes(ctx, user.Username)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return Usage{UsedBytes: used, QuotaBytes: m.Limit(user)}, nil
}

// CanStore reports whether writing newSize bytes at a path currently
// occupying prevSize bytes keeps user within quota. prevSize is 0 for a new
// file; for an overwrite it is the existing record's size, so only the net
// growth counts against the limit.
func (m *Manager) CanStore(ctx context.Context, user *store.User, newSize, prevSize int64) (bool, Usage, error) {
	usage, err := m.Snapshot(ctx, user)
	if err != nil {
		return false, Usage{}, err
	}
	projected := usage.UsedBytes - prevSize + newSize
	return projected <= usage.QuotaBytes, usage, nil
}
