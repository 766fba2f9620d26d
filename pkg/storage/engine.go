// Package storage implements the per-user file tree: path-safe filesystem
// operations paired with the metadata index and quota accounting.
//
// Every operation takes client-supplied relative paths, confines them to
// the owner's directory under the storage root, performs the filesystem
// change and then mirrors it in the record store. The filesystem change
// lands first; a crash between the two steps leaves the index one update
// behind, which the next overwrite or delete repairs.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/davrd/stashfs/internal/logger"
	"github.com/davrd/stashfs/pkg/quota"
	"github.com/davrd/stashfs/pkg/store"
)

// Entry is one directory listing item.
type Entry struct {
	IsDir   bool
	Path    string
	Size    int64
	ModTime time.Time
}

// Engine executes file operations for authenticated users.
type Engine struct {
	root     string
	store    store.Store
	quota    *quota.Manager
	textExts []string
	extErr   error
}

// NewEngine creates an engine rooted at root, creating the directory if
// needed. textExts is the extension allow-list for the text operations,
// each entry with its leading dot (".txt").
func NewEngine(root string, s store.Store, qm *quota.Manager, textExts []string) (*Engine, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	if len(textExts) == 0 {
		textExts = []string{".txt", ".md"}
	}
	return &Engine{
		root:     root,
		store:    s,
		quota:    qm,
		textExts: textExts,
		extErr:   newUserError(fmt.Sprintf("Only %s allowed", strings.Join(textExts, "/"))),
	}, nil
}

// userRoot returns the user's directory under the storage root, creating it
// lazily on first use.
func (e *Engine) userRoot(username string) (string, error) {
	dir := filepath.Join(e.root, username)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create user directory: %w", err)
	}
	return dir, nil
}

// List returns the immediate children of cwd, folders and files separated
// and each sorted by path. The target directory is created if missing, so
// listing a fresh account or a new folder succeeds with empty results.
func (e *Engine) List(ctx context.Context, username, cwd string) (canonical string, folders, files []Entry, err error) {
	root, err := e.userRoot(username)
	if err != nil {
		return "", nil, nil, err
	}
	target, canonical, err := resolveWithin(root, cwd)
	if err != nil {
		return "", nil, nil, err
	}
	if err := os.MkdirAll(target, 0750); err != nil {
		return "", nil, nil, fmt.Errorf("failed to create directory: %w", err)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		rel := entry.Name()
		if canonical != "" {
			rel = canonical + "/" + rel
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if entry.IsDir() {
			folders = append(folders, Entry{IsDir: true, Path: rel, ModTime: info.ModTime()})
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		// Prefer the index record; fall back to the stat when the index
		// has not caught up
		size, mtime := info.Size(), info.ModTime()
		if rec, err := e.store.GetFile(ctx, username, rel); err == nil {
			size, mtime = rec.Size, rec.ModTime
		}
		files = append(files, Entry{Path: rel, Size: size, ModTime: mtime})
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Path < folders[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return canonical, folders, files, nil
}

// Mkdir creates a directory and any missing parents. Creating an existing
// directory succeeds.
func (e *Engine) Mkdir(ctx context.Context, username, relPath string) error {
	root, err := e.userRoot(username)
	if err != nil {
		return err
	}
	target, canonical, err := resolveWithin(root, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	e.logAction(ctx, username, "MKDIR", map[string]any{"path": canonical})
	return nil
}

// Upload stores data at relPath, creating missing parent directories. A nil
// payload is rejected; an empty one is a valid zero-byte file.
//
// The quota check counts net growth: overwriting an existing file charges
// only the size difference. With overwrite set the check is skipped
// entirely and the write proceeds regardless of quota.
func (e *Engine) Upload(ctx context.Context, user *store.User, relPath string, data []byte, overwrite bool) (int64, error) {
	if data == nil {
		return 0, ErrInvalidParams
	}
	root, err := e.userRoot(user.Username)
	if err != nil {
		return 0, err
	}
	target, canonical, err := resolveWithin(root, relPath)
	if err != nil {
		return 0, err
	}
	if canonical == "" {
		return 0, ErrInvalidParams
	}

	var prevSize int64
	if rec, err := e.store.GetFile(ctx, user.Username, canonical); err == nil {
		prevSize = rec.Size
	}
	ok, usage, err := e.quota.CanStore(ctx, user, int64(len(data)), prevSize)
	if err != nil {
		return 0, err
	}
	if !ok && !overwrite {
		return 0, &QuotaError{UsedBytes: usage.UsedBytes, QuotaBytes: usage.QuotaBytes}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := atomicWriteFile(target, data); err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return 0, fmt.Errorf("failed to stat written file: %w", err)
	}
	if err := e.store.UpsertFile(ctx, &store.FileRecord{
		Owner:   user.Username,
		Path:    canonical,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		logger.Warn("index update failed for %s/%s: %v", user.Username, canonical, err)
	}
	e.logAction(ctx, user.Username, "UPLOAD", map[string]any{"path": canonical, "size": int64(len(data))})
	return info.Size(), nil
}

// Download returns the content of the regular file at relPath.
func (e *Engine) Download(ctx context.Context, username, relPath string) ([]byte, string, error) {
	root, err := e.userRoot(username)
	if err != nil {
		return nil, "", err
	}
	target, canonical, err := resolveWithin(root, relPath)
	if err != nil {
		return nil, "", err
	}

	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return nil, "", ErrFileNotFound
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	return data, canonical, nil
}

// Delete removes a file or a directory tree, together with the matching
// index records.
func (e *Engine) Delete(ctx context.Context, username, relPath string) error {
	root, err := e.userRoot(username)
	if err != nil {
		return err
	}
	target, canonical, err := resolveWithin(root, relPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return ErrNotFound
	}

	if info.IsDir() {
		if canonical == "" {
			// Deleting the storage root itself is never allowed
			return ErrTraversal
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove directory: %w", err)
		}
		if _, err := e.store.DeleteFilePrefix(ctx, username, canonical); err != nil {
			logger.Warn("index prefix delete failed for %s/%s: %v", username, canonical, err)
		}
	} else {
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("failed to remove file: %w", err)
		}
		if err := e.store.DeleteFile(ctx, username, canonical); err != nil {
			logger.Warn("index delete failed for %s/%s: %v", username, canonical, err)
		}
	}
	e.logAction(ctx, username, "DELETE", map[string]any{"path": canonical})
	return nil
}

// Rename moves a file or directory within the user's tree, creating missing
// destination parents and rewriting the affected index records. Renaming
// onto an existing file replaces it.
func (e *Engine) Rename(ctx context.Context, username, oldPath, newPath string) error {
	root, err := e.userRoot(username)
	if err != nil {
		return err
	}
	src, oldCanonical, err := resolveWithin(root, oldPath)
	if err != nil {
		return err
	}
	dst, newCanonical, err := resolveWithin(root, newPath)
	if err != nil {
		return err
	}
	if oldCanonical == "" || newCanonical == "" {
		return ErrTraversal
	}

	if _, err := os.Stat(src); err != nil {
		return ErrSourceNotFound
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("failed to create destination parent: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	info, err := os.Stat(dst)
	if err == nil && info.IsDir() {
		if _, err := e.store.RenameFilePrefix(ctx, username, oldCanonical, newCanonical); err != nil {
			logger.Warn("index prefix rename failed for %s/%s: %v", username, oldCanonical, err)
		}
	} else {
		if err := e.store.RenameFile(ctx, username, oldCanonical, newCanonical); err != nil {
			logger.Warn("index rename failed for %s/%s: %v", username, oldCanonical, err)
		}
	}
	e.logAction(ctx, username, "RENAME", map[string]any{"old": oldCanonical, "new": newCanonical})
	return nil
}

// ReadText returns the content of a text file as a string. The path must
// carry an allowed extension and the content must be valid UTF-8.
func (e *Engine) ReadText(ctx context.Context, username, relPath string) (string, error) {
	if !e.isTextPath(relPath) {
		return "", e.extErr
	}
	root, err := e.userRoot(username)
	if err != nil {
		return "", err
	}
	target, _, err := resolveWithin(root, relPath)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", ErrNotFound
	}
	if !utf8.Valid(data) {
		return "", ErrNotUTF8
	}
	return string(data), nil
}

// WriteText stores content at relPath, overwriting any existing file. The
// path must carry an allowed extension.
func (e *Engine) WriteText(ctx context.Context, user *store.User, relPath, content string) (int64, error) {
	if !e.isTextPath(relPath) {
		return 0, e.extErr
	}
	return e.Upload(ctx, user, relPath, []byte(content), true)
}

func (e *Engine) isTextPath(relPath string) bool {
	for _, ext := range e.textExts {
		if strings.HasSuffix(relPath, ext) {
			return true
		}
	}
	return false
}

// logAction appends one audit record. Failures are logged and swallowed;
// the audit trail never blocks the operation that already succeeded.
func (e *Engine) logAction(ctx context.Context, username, action string, detail map[string]any) {
	err := e.store.AppendLog(ctx, &store.LogEntry{
		Time:   time.Now(),
		User:   username,
		Action: action,
		Detail: detail,
	})
	if err != nil {
		logger.Warn("action log append failed: %v", err)
	}
}

// atomicWriteFile writes data to a temp sibling, syncs it and renames it
// over path, so readers never observe a half-written file.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
