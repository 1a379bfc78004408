package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openregistry/concierge/pkg/engine"
)

// Driver names a storage backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Store is the persistence layer of the concierge: the broken lot ledger, the
// patch journal and the feed cursor.
type Store interface {
	engine.Ledger
	engine.PatchJournal
	engine.CursorStore

	// Init opens the underlying connection.
	Init(ctx context.Context) error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// ListPatches returns journal entries newest first. An empty resourceID
	// lists entries of every resource.
	ListPatches(ctx context.Context, resourceID string, limit int) ([]*engine.PatchRecord, error)

	// HealthCheck verifies the connection is usable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// OpenConfig selects and configures a backend.
type OpenConfig struct {
	Driver Driver

	// Path is the SQLite database file.
	Path string

	// DSN is the Postgres connection string.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open creates, connects and migrates the configured store.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case DriverSQLite, "":
		store, err = NewSQLiteStore(Config{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case DriverPostgres:
		store, err = NewPostgresStore(PostgresConfig{
			DSN:             cfg.DSN,
			MaxConns:        int32(cfg.MaxOpenConns),
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return store, nil
}

const defaultPatchLimit = 100

func patchLimit(limit int) int {
	if limit <= 0 {
		return defaultPatchLimit
	}
	return limit
}
