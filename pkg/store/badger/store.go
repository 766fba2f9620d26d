// Package badger implements a persistent record store backed by BadgerDB.
//
// This backend is suitable for production deployments: records survive
// restarts and every mutation runs inside a Badger transaction, which gives
// the per-record atomic upsert semantics the storage engine relies on.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/davrd/stashfs/pkg/store"
)

// BadgerStore implements store.Store on top of a BadgerDB database.
//
// Thread safety: BadgerDB transactions provide isolation; no additional
// locking is required. Prefix rewrites (directory delete/rename) run in a
// single transaction so concurrent readers never observe a half-renamed
// directory in the index.
type BadgerStore struct {
	db *badger.DB

	// logSeq hands out monotonically increasing sequence numbers for the
	// append-only action log
	logSeq *badger.Sequence
}

// BadgerStoreConfig contains configuration for opening a Badger-backed store.
type BadgerStoreConfig struct {
	// DBPath is the directory where BadgerDB stores its files
	DBPath string `mapstructure:"db_path"`

	// BadgerOptions allows customization of BadgerDB behavior.
	// If nil, sensible defaults are used.
	BadgerOptions *badger.Options
}

// NewBadgerStore opens (creating if necessary) a BadgerDB database at the
// configured path and returns a store ready for concurrent use.
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.DBPath == "" {
		return nil, fmt.Errorf("badger store: db_path is required")
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		opts = badger.DefaultOptions(config.DBPath)
		// Metadata records are tiny; compression overhead is not worth it
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	seq, err := db.GetSequence([]byte("seq:log"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open log sequence: %w", err)
	}

	return &BadgerStore{db: db, logSeq: seq}, nil
}

// Close releases the log sequence and closes the database. The store must
// not be used after Close returns.
func (s *BadgerStore) Close() error {
	if err := s.logSeq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release log sequence: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

func (s *BadgerStore) CreateUser(ctx context.Context, user *store.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if user == nil || user.Username == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "username is required"}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyUser(user.Username))
		if err == nil {
			return &store.StoreError{Code: store.ErrAlreadyExists, Message: "user already exists", Key: user.Username}
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check user: %w", err)
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		return txn.Set(keyUser(user.Username), data)
	})
}

func (s *BadgerStore) GetUser(ctx context.Context, username string) (*store.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user store.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyUser(username))
		if err == badger.ErrKeyNotFound {
			return &store.StoreError{Code: store.ErrNotFound, Message: "user not found", Key: username}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BadgerStore) UpsertFile(ctx context.Context, rec *store.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.Owner == "" || rec.Path == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "owner and path are required"}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode file record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyFile(rec.Owner, rec.Path), data)
	})
}

func (s *BadgerStore) GetFile(ctx context.Context, owner, path string) (*store.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec store.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFile(owner, path))
		if err == badger.ErrKeyNotFound {
			return &store.StoreError{Code: store.ErrNotFound, Message: "file record not found", Key: owner + "/" + path}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) DeleteFile(ctx context.Context, owner, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyFile(owner, path))
	})
}

func (s *BadgerStore) DeleteFilePrefix(ctx context.Context, owner, dir string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir = strings.TrimSuffix(dir, "/")
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		removed = 0
		keys, err := collectOwnerKeys(txn, owner, func(path string) bool {
			return path == dir || strings.HasPrefix(path, dir+"/")
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete file prefix: %w", err)
	}
	return removed, nil
}

func (s *BadgerStore) RenameFile(ctx context.Context, owner, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFile(owner, oldPath))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var rec store.FileRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		if err := txn.Delete(keyFile(owner, oldPath)); err != nil {
			return err
		}
		rec.Path = newPath
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to encode file record: %w", err)
		}
		return txn.Set(keyFile(owner, newPath), data)
	})
}

func (s *BadgerStore) RenameFilePrefix(ctx context.Context, owner, oldDir, newDir string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	oldPrefix := strings.TrimSuffix(oldDir, "/") + "/"
	newPrefix := strings.TrimSuffix(newDir, "/") + "/"

	renamed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		renamed = 0
		keys, err := collectOwnerKeys(txn, owner, func(path string) bool {
			return strings.HasPrefix(path, oldPrefix)
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			var rec store.FileRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			suffix := rec.Path[len(oldPrefix):]
			if err := txn.Delete(key); err != nil {
				return err
			}
			rec.Path = newPrefix + suffix
			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("failed to encode file record: %w", err)
			}
			if err := txn.Set(keyFile(owner, rec.Path), data); err != nil {
				return err
			}
			renamed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to rename file prefix: %w", err)
	}
	return renamed, nil
}

func (s *BadgerStore) UsedBytes(ctx context.Context, owner string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var total int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := keyFileOwnerScan(owner)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec store.FileRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			total += rec.Size
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return total, nil
}

func (s *BadgerStore) TouchSession(ctx context.Context, id, username string, bytesIn, bytesOut int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "session id is required"}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		var sess store.Session
		item, err := txn.Get(keySession(id))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		sess.ID = id
		sess.Username = username
		sess.LastSeen = time.Now()
		sess.BytesIn += bytesIn
		sess.BytesOut += bytesOut

		data, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		return txn.Set(keySession(id), data)
	})
}

func (s *BadgerStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sess store.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySession(id))
		if err == badger.ErrKeyNotFound {
			return &store.StoreError{Code: store.ErrNotFound, Message: "session not found", Key: id}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BadgerStore) CountActiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixSession)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess store.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return err
			}
			if !sess.LastSeen.Before(cutoff) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *BadgerStore) AppendLog(ctx context.Context, entry *store.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil || entry.Action == "" {
		return &store.StoreError{Code: store.ErrInvalidArgument, Message: "log action is required"}
	}

	seq, err := s.logSeq.Next()
	if err != nil {
		return fmt.Errorf("failed to advance log sequence: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyLog(seq), data)
	})
}

// collectOwnerKeys scans one owner's file namespace and returns copies of
// the keys whose record path satisfies match. Keys are collected before
// mutation because Badger iterators must not outlive writes in the same
// transaction loop.
func collectOwnerKeys(txn *badger.Txn, owner string, match func(path string) bool) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	prefix := keyFileOwnerScan(owner)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if match(filePathFromKey(key, owner)) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
