// Package backend opens the tree store and journal described by a validated
// configuration. The daemon and the operator CLI both go through it so the
// on-disk layout under DataDir stays identical no matter which binary touched
// the files first.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sumtree/config"
	"sumtree/mssmt"
	"sumtree/storage"
)

const (
	boltFile    = "tree.db"
	levelDBDir  = "tree"
	sqliteFile  = "tree.sqlite"
	journalFile = "journal.sqlite"
)

// closableStore is what every file-backed store satisfies.
type closableStore interface {
	mssmt.TreeStore
	Close() error
}

// OpenStore opens the node store selected by cfg.Backend, wraps it with
// instrumentation and a concurrency guard, and returns it bound to the first
// configured unit. The returned close function releases the underlying
// database handle; it is a no-op for the memory backend.
func OpenStore(cfg *config.Config) (storage.SharedStore, func() error, error) {
	namespace := firstUnit(cfg)

	var (
		raw   closableStore
		store storage.SharedStore
		err   error
	)
	switch cfg.Backend {
	case "memory":
		mem := storage.NewMemoryStore(namespace)
		store = storage.NewSharedStore(storage.NewInstrumentedStore(cfg.Backend, mem))
		return store, func() error { return nil }, nil
	case "bolt":
		if err = ensureDataDir(cfg.DataDir); err != nil {
			return store, nil, err
		}
		raw, err = storage.NewBoltStore(filepath.Join(cfg.DataDir, boltFile), namespace, nil)
	case "leveldb":
		if err = ensureDataDir(cfg.DataDir); err != nil {
			return store, nil, err
		}
		raw, err = storage.NewLevelDBStore(filepath.Join(cfg.DataDir, levelDBDir), namespace)
	case "sqlite":
		if err = ensureDataDir(cfg.DataDir); err != nil {
			return store, nil, err
		}
		var dsn string
		dsn, err = storage.FileDSN(filepath.Join(cfg.DataDir, sqliteFile))
		if err == nil {
			raw, err = storage.NewSQLStore(dsn, namespace)
		}
	default:
		return store, nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return store, nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	store = storage.NewSharedStore(storage.NewInstrumentedStore(cfg.Backend, raw))
	return store, raw.Close, nil
}

// JournalDSN resolves the journal database location: an explicit DSN wins,
// otherwise the journal lives as an SQLite file next to the tree data. With
// the memory backend and no DSN the journal is ephemeral too.
func JournalDSN(cfg *config.Config) string {
	if dsn := strings.TrimSpace(cfg.JournalDSN); dsn != "" {
		return dsn
	}
	if strings.TrimSpace(cfg.DataDir) == "" || cfg.Backend == "memory" {
		return ":memory:"
	}
	return filepath.Join(cfg.DataDir, journalFile)
}

func firstUnit(cfg *config.Config) string {
	if len(cfg.Units) > 0 {
		return strings.ToLower(strings.TrimSpace(cfg.Units[0].Name))
	}
	return "sat"
}

func ensureDataDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return storage.ErrPathRequired
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}
