package core

import (
	"context"
	"fmt"
	"os"

	"stepcore/internal/infra/persistence/bolt"
	"stepcore/internal/infra/persistence/memory"
	"stepcore/internal/infra/persistence/postgres"
	"stepcore/internal/infra/persistence/sqlite"
	"stepcore/pkg/sdai"
)

// StorageDriver identifies a repository persistence backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBolt     StorageDriver = "bolt"     // bbolt key/value file
)

// StorageOptions selects and configures a repository backend.
type StorageOptions struct {
	Driver      StorageDriver `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	BoltPath    string        `yaml:"bolt_path"`
}

// StorageOptionsFromEnv reads backend options from the environment.
// Defaults to memory when unset.
//
//	STEPCORE_STORAGE_DRIVER: memory|sqlite|postgres|bolt (default memory)
//	STEPCORE_SQLITE_PATH: path to sqlite file (default ./stepcore.db)
//	STEPCORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	STEPCORE_BOLT_PATH: path to bolt file (default ./stepcore.bolt)
func StorageOptionsFromEnv() StorageOptions {
	opts := StorageOptions{
		Driver:      StorageDriver(os.Getenv("STEPCORE_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("STEPCORE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("STEPCORE_POSTGRES_DSN"),
		BoltPath:    os.Getenv("STEPCORE_BOLT_PATH"),
	}
	if opts.Driver == "" {
		opts.Driver = StorageMemory
	}
	return opts
}

// OpenStorage constructs the backend opts select.
func OpenStorage(ctx context.Context, opts StorageOptions) (sdai.RepositoryBackend, error) {
	switch opts.Driver {
	case StorageMemory, "":
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, opts.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, opts.PostgresDSN)
	case StorageBolt:
		return bolt.NewStore(opts.BoltPath)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", opts.Driver)
	}
}

// OpenRepositoryBackend is OpenStorage with StorageOptionsFromEnv.
func OpenRepositoryBackend(ctx context.Context) (sdai.RepositoryBackend, error) {
	return OpenStorage(ctx, StorageOptionsFromEnv())
}
