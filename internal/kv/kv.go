// Package kv is the durable key-value storage the sync queue, reminder ledger
// and notification outbox persist into. Values are opaque strings.
package kv

import (
	"context"
	"fmt"

	"github.com/msageha/bestbefore/internal/model"
)

type Store interface {
	// Get returns found=false, not an error, for a missing key.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	// Remove of a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Quarantiner is implemented by stores that can move a corrupt value aside.
// restored reports whether an older valid value replaced it.
type Quarantiner interface {
	Quarantine(ctx context.Context, key string) (restored bool, err error)
}

// Discarder is implemented by stores that can move a corrupt value aside
// without reinstating an older one. Afterwards the key reads as missing.
type Discarder interface {
	Discard(ctx context.Context, key string) error
}

// Open builds the store named by cfg.Storage. baseDir resolves relative paths.
func Open(baseDir string, cfg model.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(baseDir, resolve(baseDir, cfg.Path, "state"))
	case "sqlite":
		return OpenSQLite(resolve(baseDir, cfg.Path, "state/bestbefore.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
