package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/davrd/stashfs/pkg/store"
	storebadger "github.com/davrd/stashfs/pkg/store/badger"
	storememory "github.com/davrd/stashfs/pkg/store/memory"
	storesqlite "github.com/davrd/stashfs/pkg/store/sqlite"
)

// CreateStore instantiates the record store selected by cfg.Type. Only the
// matching type-specific section is decoded.
func CreateStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return storememory.NewMemoryStore(), nil
	case "badger":
		return createBadgerStore(ctx, cfg)
	case "sqlite":
		return createSQLiteStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

func createBadgerStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	var badgerCfg storebadger.BadgerStoreConfig
	if err := mapstructure.Decode(cfg.Badger, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}

	s, err := storebadger.NewBadgerStore(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return s, nil
}

func createSQLiteStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	var sqliteCfg storesqlite.SQLiteStoreConfig
	if err := mapstructure.Decode(cfg.SQLite, &sqliteCfg); err != nil {
		return nil, fmt.Errorf("invalid sqlite config: %w", err)
	}

	s, err := storesqlite.NewSQLiteStore(ctx, sqliteCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return s, nil
}
