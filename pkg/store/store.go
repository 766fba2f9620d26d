// Package store defines the persistent record collections backing the file
// service: user accounts, the file metadata index, connection sessions and
// the append-only action log.
//
// The index is authoritative for size/mtime accounting and must mirror the
// filesystem: a FileRecord exists if and only if the corresponding regular
// file exists under the owner's storage root. Keeping the two in sync is the
// storage engine's job; the store only guarantees that each individual
// record mutation is atomic. There is no cross-store transaction between a
// filesystem operation and the matching index update - a crash between the
// two can leave them transiently inconsistent, which is an accepted and
// documented limitation.
//
// Three backends implement Store: memory (ephemeral), badger (embedded
// key-value, persistent) and sqlite (embedded SQL, persistent). The backend
// is selected by configuration; all backends pass the conformance suite in
// storetest.
package store

import (
	"context"
	"time"
)

// User is an account record. Created on registration, never deleted.
type User struct {
	// Username is the unique account key
	Username string

	// PasswordHash is the bcrypt hash of the account password
	PasswordHash string

	// QuotaBytes is the per-user storage ceiling. 0 means "use the
	// configured default quota".
	QuotaBytes int64

	// CreatedAt is the registration timestamp
	CreatedAt time.Time
}

// FileRecord is one metadata index entry, keyed by (Owner, Path).
//
// Path is relative to the owner's storage root, slash-separated, never
// absolute and never containing "." or ".." segments.
type FileRecord struct {
	Owner   string
	Path    string
	Size    int64
	ModTime time.Time
}

// Session is per-connection state. Created when a connection is accepted,
// bound to a username after a successful login, and stamped a final
// last-seen time when the connection closes. Never reused across
// connections.
type Session struct {
	// ID is an opaque unique identifier (UUID)
	ID string

	// Username is empty until login succeeds
	Username string

	// LastSeen is refreshed after every processed request
	LastSeen time.Time

	// BytesIn and BytesOut are cumulative transfer counters
	BytesIn  int64
	BytesOut int64
}

// LogEntry is one append-only audit record, written as a side effect of
// mutating operations. Entries are never modified or deleted.
type LogEntry struct {
	// Time is the moment the action completed
	Time time.Time

	// User is the acting username, empty for unauthenticated actions
	User string

	// Action is the command kind (UPLOAD, DELETE, RENAME, ...)
	Action string

	// Detail carries action-specific fields (paths, sizes)
	Detail map[string]any
}

// Store is the record store interface shared by all backends.
//
// Every method that mutates a single record is atomic with respect to
// concurrent callers. Prefix operations (DeleteFilePrefix,
// RenameFilePrefix) rewrite all matching records in one logical step; on
// transactional backends they run in a single transaction.
//
// All methods are safe for concurrent use.
type Store interface {
	// CreateUser inserts a new user record. Returns a StoreError with code
	// ErrAlreadyExists if the username is taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns the user record for username, or ErrNotFound.
	GetUser(ctx context.Context, username string) (*User, error)

	// UpsertFile inserts or replaces the index record for
	// (rec.Owner, rec.Path) atomically.
	UpsertFile(ctx context.Context, rec *FileRecord) error

	// GetFile returns the index record for (owner, path), or ErrNotFound.
	GetFile(ctx context.Context, owner, path string) (*FileRecord, error)

	// DeleteFile removes the index record for (owner, path). Removing an
	// absent record is a no-op: the caller decides existence from the
	// filesystem, the index just follows.
	DeleteFile(ctx context.Context, owner, path string) error

	// DeleteFilePrefix removes every record whose path is dir itself or
	// falls under dir + "/". Returns the number of records removed.
	DeleteFilePrefix(ctx context.Context, owner, dir string) (int, error)

	// RenameFile rewrites the path of the record at (owner, oldPath) to
	// newPath. A missing source record is a no-op.
	RenameFile(ctx context.Context, owner, oldPath, newPath string) error

	// RenameFilePrefix rewrites every record under oldDir + "/" to the same
	// suffix under newDir + "/". Returns the number of records rewritten.
	RenameFilePrefix(ctx context.Context, owner, oldDir, newDir string) (int, error)

	// UsedBytes returns the sum of Size over all records owned by owner.
	// This is the authoritative usage figure for quota accounting,
	// independent of raw directory size on disk.
	UsedBytes(ctx context.Context, owner string) (int64, error)

	// TouchSession upserts the session record: binds username (which may be
	// empty before login), stamps LastSeen to now and adds the byte deltas
	// to the cumulative counters.
	TouchSession(ctx context.Context, id, username string, bytesIn, bytesOut int64) error

	// GetSession returns the session record for id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// CountActiveSessions counts sessions whose LastSeen is at or after
	// cutoff. This is a point-in-time activity estimate, not a precise
	// concurrent-connection count.
	CountActiveSessions(ctx context.Context, cutoff time.Time) (int, error)

	// AppendLog appends one audit record.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// Close releases backend resources. The store must not be used after
	// Close returns.
	Close() error
}
