package core

import (
	"context"
	"fmt"
	"io"

	"dehc/internal/config"
	"dehc/internal/infra/persistence/bolt"
	"dehc/internal/infra/persistence/memory"
	"dehc/internal/infra/persistence/postgres"
	"dehc/internal/infra/persistence/sqlite"
	"dehc/pkg/domain"
)

// StorageDriver identifies a concrete record storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBolt     StorageDriver = "bolt"     // embedded bbolt file
)

// OpenStorage selects a storage backend from configuration. Defaults to
// sqlite when the driver is unset. Backends holding files or connections
// also implement io.Closer.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (domain.Storage, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorageBolt:
		s, err := bolt.NewStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// CloseStorage closes storage when the backend holds resources.
func CloseStorage(storage domain.Storage) error {
	if c, ok := storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
