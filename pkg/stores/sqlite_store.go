package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openregistry/concierge/pkg/engine"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// The worker is the only writer, a small pool is enough.
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetBrokenLot returns the ledger record of a lot, or nil when there is none.
func (s *SQLiteStore) GetBrokenLot(ctx context.Context, lotID string) (*engine.BrokenLot, error) {
	query := `
		SELECT lot_id, revision, resolved, stage, message, payload, failures, created_at, updated_at
		FROM broken_lots
		WHERE lot_id = ?
	`

	rec, err := scanBrokenLot(s.db.QueryRowContext(ctx, query, lotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broken lot: %w", err)
	}

	return rec, nil
}

// RecordBrokenLot upserts an unresolved ledger record. A repeated failure
// overwrites the revision, payload, stage and message and bumps the failure
// counter.
func (s *SQLiteStore) RecordBrokenLot(ctx context.Context, lotID, revision string, payload engine.Lot, stage engine.Stage, message string) error {
	encoded, err := engine.EncodePayload(payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO broken_lots (lot_id, revision, resolved, stage, message, payload, failures, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(lot_id) DO UPDATE SET
			revision = excluded.revision,
			resolved = 0,
			stage = excluded.stage,
			message = excluded.message,
			payload = excluded.payload,
			failures = broken_lots.failures + 1,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, lotID, revision, string(stage), message, encoded, now, now); err != nil {
		return fmt.Errorf("failed to record broken lot: %w", err)
	}

	return nil
}

// ResolveBrokenLot marks a ledger record resolved at the given revision.
func (s *SQLiteStore) ResolveBrokenLot(ctx context.Context, lotID, revision string) error {
	query := `
		UPDATE broken_lots
		SET resolved = 1, revision = ?, updated_at = ?
		WHERE lot_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, revision, time.Now().UTC(), lotID)
	if err != nil {
		return fmt.Errorf("failed to resolve broken lot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("broken lot %s not found: %w", lotID, engine.ErrLedgerCorruption)
	}

	return nil
}

// ListBrokenLots lists ledger records, most recently updated first.
func (s *SQLiteStore) ListBrokenLots(ctx context.Context, includeResolved bool) ([]*engine.BrokenLot, error) {
	query := `
		SELECT lot_id, revision, resolved, stage, message, payload, failures, created_at, updated_at
		FROM broken_lots
		WHERE resolved = 0 OR ?
		ORDER BY updated_at DESC, lot_id
	`

	rows, err := s.db.QueryContext(ctx, query, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list broken lots: %w", err)
	}
	defer rows.Close()

	records := []*engine.BrokenLot{}
	for rows.Next() {
		rec, err := scanBrokenLot(rows)
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
func (s *SQLiteStore) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM broken_lots WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count broken lots: %w", err)
	}
	return n, nil
}

// AppendPatch journals a successful remote patch and sets rec.ID.
func (s *SQLiteStore) AppendPatch(ctx context.Context, rec *engine.PatchRecord) error {
	if rec.PatchedAt.IsZero() {
		rec.PatchedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO patch_requests (resource_id, resource_type, status, related_lot, patched_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.ResourceID,
		string(rec.ResourceType),
		rec.Status,
		rec.RelatedLot,
		rec.PatchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append patch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get patch id: %w", err)
	}
	rec.ID = id

	return nil
}

// ListPatches returns journal entries newest first.
func (s *SQLiteStore) ListPatches(ctx context.Context, resourceID string, limit int) ([]*engine.PatchRecord, error) {
	query := `
		SELECT id, resource_id, resource_type, status, related_lot, patched_at
		FROM patch_requests
		WHERE ? = '' OR resource_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID, resourceID, patchLimit(limit))
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
func (s *SQLiteStore) LoadCursor(ctx context.Context, feed string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM feed_cursors WHERE feed = ?`, feed).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor stores the position of a feed.
func (s *SQLiteStore) SaveCursor(ctx context.Context, feed, cursor string) error {
	query := `
		INSERT INTO feed_cursors (feed, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(feed) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, feed, cursor, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBrokenLot(row rowScanner) (*engine.BrokenLot, error) {
	rec := &engine.BrokenLot{}
	var (
		stage   string
		payload string
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

	lot, err := engine.DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	rec.Stage = engine.Stage(stage)
	rec.Payload = lot

	return rec, nil
}

var _ Store = (*SQLiteStore)(nil)
