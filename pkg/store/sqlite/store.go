// Package sqlite implements a persistent record store backed by SQLite
// (modernc.org/sqlite, pure Go, no cgo).
//
// The relational schema maps one table per record collection. SQLite's
// single-writer transactions provide the per-record atomic upsert semantics
// the storage engine relies on, and directory-prefix rewrites run as one
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davrd/stashfs/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	quota_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	owner   TEXT NOT NULL,
	path    TEXT NOT NULL,
	size    INTEGER NOT NULL,
	mtime   TIMESTAMP NOT NULL,
	PRIMARY KEY (owner, path)
);

CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	username   TEXT NOT NULL DEFAULT '',
	last_seen  TIMESTAMP NOT NULL,
	bytes_in   INTEGER NOT NULL DEFAULT 0,
	bytes_out  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);

CREATE TABLE IF NOT EXISTS action_log (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	ts     TIMESTAMP NOT NULL,
	user   TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}'
);
`

// SQLiteStore implements store.Store over database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteStoreConfig contains configuration for opening a SQLite-backed store.
type SQLiteStoreConfig struct {
	// DBPath is the database file path. Parent directory must exist.
	DBPath string `mapstructure:"db_path"`
}

// NewSQLiteStore opens (creating if necessary) the database file and applies
// the schema. The returned store is safe for concurrent use; database/sql
// serializes access through its connection pool.
func NewSQLiteStore(ctx context.Context, config SQLiteStoreConfig) (*SQLiteStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.DBPath == "" {
		return nil, fmt.Errorf("sqlite store: db_path is required")
	}

	db, err := sql.Open("sqlite", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", config.DBPath, err)
	}

	// SQLite allows a single writer; cap the pool so writers queue in Go
	// instead of hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *store.User) error {
	if user == nil || user.Username == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "username is required"}
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (username, password_hash, quota_bytes, created_at) VALUES (?, ?, ?, ?)",
		user.Username, user.PasswordHash, user.QuotaBytes, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return &store.StoreError{Code: store.ErrAlreadyExists, Message: "user already exists", Key: user.Username}
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*store.User, error) {
	var user store.User
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, quota_bytes, created_at FROM users WHERE username = ?",
		username,
	).Scan(&user.Username, &user.PasswordHash, &user.QuotaBytes, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &store.StoreError{Code: store.ErrNotFound, Message: "user not found", Key: username}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) UpsertFile(ctx context.Context, rec *store.FileRecord) error {
	if rec == nil || rec.Owner == "" || rec.Path == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "owner and path are required"}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (owner, path, size, mtime) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner, path) DO UPDATE SET size = excluded.size, mtime = excluded.mtime`,
		rec.Owner, rec.Path, rec.Size, rec.ModTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, owner, path string) (*store.FileRecord, error) {
	var rec store.FileRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT owner, path, size, mtime FROM files WHERE owner = ? AND path = ?",
		owner, path,
	).Scan(&rec.Owner, &rec.Path, &rec.Size, &rec.ModTime)
	if err == sql.ErrNoRows {
		return nil, &store.StoreError{Code: store.ErrNotFound, Message: "file record not found", Key: owner + "/" + path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, owner, path string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM files WHERE owner = ? AND path = ?", owner, path,
	); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFilePrefix(ctx context.Context, owner, dir string) (int, error) {
	dir = strings.TrimSuffix(dir, "/")
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM files WHERE owner = ? AND (path = ? OR path LIKE ? ESCAPE '\\')",
		owner, dir, likePrefix(dir+"/"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete file prefix: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) RenameFile(ctx context.Context, owner, oldPath, newPath string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE files SET path = ? WHERE owner = ? AND path = ?",
		newPath, owner, oldPath,
	); err != nil {
		return fmt.Errorf("failed to rename file record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RenameFilePrefix(ctx context.Context, owner, oldDir, newDir string) (int, error) {
	oldPrefix := strings.TrimSuffix(oldDir, "/") + "/"
	newPrefix := strings.TrimSuffix(newDir, "/") + "/"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE files SET path = ? || substr(path, ?) WHERE owner = ? AND path LIKE ? ESCAPE '\\'",
		newPrefix, len(oldPrefix)+1, owner, likePrefix(oldPrefix),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite file prefix: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read update result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prefix rewrite: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) UsedBytes(ctx context.Context, owner string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(size) FROM files WHERE owner = ?", owner,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return total.Int64, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id, username string, bytesIn, bytesOut int64) error {
	if id == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "session id is required"}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, username, last_seen, bytes_in, bytes_out) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			username = excluded.username,
			last_seen = excluded.last_seen,
			bytes_in = sessions.bytes_in + excluded.bytes_in,
			bytes_out = sessions.bytes_out + excluded.bytes_out`,
		id, username, time.Now(), bytesIn, bytesOut,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var sess store.Session
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id, username, last_seen, bytes_in, bytes_out FROM sessions WHERE session_id = ?",
		id,
	).Scan(&sess.ID, &sess.Username, &sess.LastSeen, &sess.BytesIn, &sess.BytesOut)
	if err == sql.ErrNoRows {
		return nil, &store.StoreError{Code: store.ErrNotFound, Message: "session not found", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) CountActiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE last_seen >= ?", cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *store.LogEntry) error {
	if entry == nil || entry.Action == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "log action is required"}
	}

	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode log detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO action_log (ts, user, action, detail) VALUES (?, ?, ?, ?)",
		entry.Time, entry.User, entry.Action, string(detail),
	); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
