package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/openregistry/concierge/pkg/engine"
)

// PostgresConfig holds Postgres store configuration.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

// PostgresStore implements the Store interface on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore creates a new Postgres store instance.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	return &PostgresStore{cfg: cfg}, nil
}

// Init connects the pool.
func (s *PostgresStore) Init(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse dsn: %w", err)
	}
	poolCfg.MaxConns = s.cfg.MaxConns
	poolCfg.MaxConnLifetime = s.cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.pool = pool
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate runs database migrations through a database/sql view of the pool.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetBrokenLot returns the ledger record of a lot, or nil when there is none.
func (s *PostgresStore) GetBrokenLot(ctx context.Context, lotID string) (*engine.BrokenLot, error) {
	query := `
		SELECT lot_id, revision, resolved, stage, message, payload, failures, created_at, updated_at
		FROM broken_lots
		WHERE lot_id = $1
	`

	rec, err := scanPgBrokenLot(s.pool.QueryRow(ctx, query, lotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broken lot: %w", err)
	}

	return rec, nil
}

// RecordBrokenLot upserts an unresolved ledger record.
func (s *PostgresStore) RecordBrokenLot(ctx context.Context, lotID, revision string, payload engine.Lot, stage engine.Stage, message string) error {
	encoded, err := engine.EncodePayload(payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO broken_lots (lot_id, revision, resolved, stage, message, payload, failures, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $4, $5::jsonb, 1, now(), now())
		ON CONFLICT (lot_id) DO UPDATE SET
			revision = EXCLUDED.revision,
			resolved = FALSE,
			stage = EXCLUDED.stage,
			message = EXCLUDED.message,
			payload = EXCLUDED.payload,
			failures = broken_lots.failures + 1,
			updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, lotID, revision, string(stage), message, encoded); err != nil {
		return fmt.Errorf("failed to record broken lot: %w", err)
	}

	return nil
}

// ResolveBrokenLot marks a ledger record resolved at the given revision.
func (s *PostgresStore) ResolveBrokenLot(ctx context.Context, lotID, revision string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broken_lots SET resolved = TRUE, revision = $1, updated_at = now() WHERE lot_id = $2`,
		revision, lotID)
	if err != nil {
		return fmt.Errorf("failed to resolve broken lot: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("broken lot %s not found: %w", lotID, engine.ErrLedgerCorruption)
	}

	return nil
}

// ListBrokenLots lists ledger records, most recently updated first.
func (s *PostgresStore) ListBrokenLots(ctx context.Context, includeResolved bool) ([]*engine.BrokenLot, error) {
	query := `
		SELECT lot_id, revision, resolved, stage, message, payload, failures, created_at, updated_at
		FROM broken_lots
		WHERE NOT resolved OR $1::boolean
		ORDER BY updated_at DESC, lot_id
	`

	rows, err := s.pool.Query(ctx, query, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list broken lots: %w", err)
	}
	defer rows.Close()

	records := []*engine.BrokenLot{}
	for rows.Next() {
		rec, err := scanPgBrokenLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broken lot: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating broken lots: %w", err)
	}

	return records, nil
}

// CountUnresolved returns the number of unresolved ledger records.
func (s *PostgresStore) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM broken_lots WHERE NOT resolved`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count broken lots: %w", err)
	}
	return n, nil
}

// AppendPatch journals a successful remote patch and sets rec.ID.
func (s *PostgresStore) AppendPatch(ctx context.Context, rec *engine.PatchRecord) error {
	if rec.PatchedAt.IsZero() {
		rec.PatchedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO patch_requests (resource_id, resource_type, status, related_lot, patched_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := s.pool.QueryRow(ctx, query,
		rec.ResourceID,
		string(rec.ResourceType),
		rec.Status,
		rec.RelatedLot,
		rec.PatchedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to append patch: %w", err)
	}

	return nil
}

// ListPatches returns journal entries newest first.
func (s *PostgresStore) ListPatches(ctx context.Context, resourceID string, limit int) ([]*engine.PatchRecord, error) {
	query := `
		SELECT id, resource_id, resource_type, status, related_lot, patched_at
		FROM patch_requests
		WHERE $1::text = '' OR resource_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, resourceID, patchLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}
	defer rows.Close()

	patches := []*engine.PatchRecord{}
	for rows.Next() {
		rec := &engine.PatchRecord{}
		var resourceType string
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &resourceType, &rec.Status, &rec.RelatedLot, &rec.PatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan patch: %w", err)
		}
		rec.ResourceType = engine.ResourceType(resourceType)
		patches = append(patches, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patches: %w", err)
	}

	return patches, nil
}

// LoadCursor returns the stored position of a feed, or "" when none is stored.
func (s *PostgresStore) LoadCursor(ctx context.Context, feed string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM feed_cursors WHERE feed = $1`, feed).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor stores the position of a feed.
func (s *PostgresStore) SaveCursor(ctx context.Context, feed, cursor string) error {
	query := `
		INSERT INTO feed_cursors (feed, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (feed) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, feed, cursor); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// HealthCheck verifies the pool can reach the server.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.pool.Ping(ctx)
}

func scanPgBrokenLot(row pgx.Row) (*engine.BrokenLot, error) {
	rec := &engine.BrokenLot{}
	var (
		stage   string
		payload []byte
	)

	if err := row.Scan(
		&rec.LotID,
		&rec.Revision,
		&rec.Resolved,
		&stage,
		&rec.Message,
		&payload,
		&rec.Failures,
		&rec.Created,
		&rec.Updated,
	); err != nil {
		return nil, err
	}

	lot, err := engine.DecodePayload(string(payload))
	if err != nil {
		return nil, err
	}
	rec.Stage = engine.Stage(stage)
	rec.Payload = lot

	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
