// Package memory implements an ephemeral, in-memory record store.
//
// All state is lost on process exit. Intended for development and tests;
// production deployments should use the badger or sqlite backends.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/davrd/stashfs/pkg/store"
)

// MemoryStore implements store.Store with plain maps guarded by a single
// read-write mutex. The coarse lock is simple and correct; the store is not
// a throughput bottleneck for this workload.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]store.User
	files    map[string]map[string]store.FileRecord // owner -> path -> record
	sessions map[string]store.Session
	logs     []store.LogEntry
}

// NewMemoryStore creates an empty in-memory store ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]store.User),
		files:    make(map[string]map[string]store.FileRecord),
		sessions: make(map[string]store.Session),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *store.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if user == nil || user.Username == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "username is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return &store.StoreError{Code: store.ErrAlreadyExists, Message: "user already exists", Key: user.Username}
	}
	s.users[user.Username] = *user
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, username string) (*store.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[username]
	if !ok {
		return nil, &store.StoreError{Code: store.ErrNotFound, Message: "user not found", Key: username}
	}
	return &user, nil
}

func (s *MemoryStore) UpsertFile(ctx context.Context, rec *store.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.Owner == "" || rec.Path == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "owner and path are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.files[rec.Owner]
	if owned == nil {
		owned = make(map[string]store.FileRecord)
		s.files[rec.Owner] = owned
	}
	owned[rec.Path] = *rec
	return nil
}

func (s *MemoryStore) GetFile(ctx context.Context, owner, path string) (*store.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[owner][path]
	if !ok {
		return nil, &store.StoreError{Code: store.ErrNotFound, Message: "file record not found", Key: owner + "/" + path}
	}
	return &rec, nil
}

func (s *MemoryStore) DeleteFile(ctx context.Context, owner, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files[owner], path)
	return nil
}

func (s *MemoryStore) DeleteFilePrefix(ctx context.Context, owner, dir string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(dir, "/") + "/"
	removed := 0
	for path := range s.files[owner] {
		if path == dir || strings.HasPrefix(path, prefix) {
			delete(s.files[owner], path)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) RenameFile(ctx context.Context, owner, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[owner][oldPath]
	if !ok {
		return nil
	}
	delete(s.files[owner], oldPath)
	rec.Path = newPath
	s.files[owner][newPath] = rec
	return nil
}

func (s *MemoryStore) RenameFilePrefix(ctx context.Context, owner, oldDir, newDir string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldPrefix := strings.TrimSuffix(oldDir, "/") + "/"
	newPrefix := strings.TrimSuffix(newDir, "/") + "/"

	// Collect first: inserting rewritten keys while ranging the map is
	// not safe
	var matched []string
	for path := range s.files[owner] {
		if strings.HasPrefix(path, oldPrefix) {
			matched = append(matched, path)
		}
	}
	for _, path := range matched {
		rec := s.files[owner][path]
		delete(s.files[owner], path)
		rec.Path = newPrefix + path[len(oldPrefix):]
		s.files[owner][rec.Path] = rec
	}
	return len(matched), nil
}

func (s *MemoryStore) UsedBytes(ctx context.Context, owner string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, rec := range s.files[owner] {
		total += rec.Size
	}
	return total, nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, id, username string, bytesIn, bytesOut int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "session id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[id]
	sess.ID = id
	sess.Username = username
	sess.LastSeen = time.Now()
	sess.BytesIn += bytesIn
	sess.BytesOut += bytesOut
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, &store.StoreError{Code: store.ErrNotFound, Message: "session not found", Key: id}
	}
	return &sess, nil
}

func (s *MemoryStore) CountActiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessions {
		if !sess.LastSeen.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry *store.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil || entry.Action == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "log action is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, *entry)
	return nil
}

// LogEntries returns a snapshot of the audit log. Test helper; the wire
// protocol has no command that reads the log back.
func (s *MemoryStore) LogEntries() []store.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}
