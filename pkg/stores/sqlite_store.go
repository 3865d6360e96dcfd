package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/deploycore/pkg/engine"
	"github.com/openfroyo/deploycore/pkg/snapshot"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
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

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveSnapshot stores the snapshot of its unit, replacing any earlier one.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *snapshot.RollbackSnapshot) error {
	if snap == nil {
		return engine.NewInvalidArgumentsError("snapshot is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		INSERT INTO rollback_snapshots (
			unit_key, region, cluster, service_name, first_deploy, data, captured_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_key) DO UPDATE SET
			first_deploy = excluded.first_deploy,
			data = excluded.data,
			captured_at = excluded.captured_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		snap.Unit.Key(),
		snap.Unit.Region,
		snap.Unit.Cluster,
		snap.Unit.ServiceName,
		snap.IsFirstDeployment,
		string(data),
		snap.CapturedAt.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// GetSnapshot retrieves the snapshot of a unit
func (s *SQLiteStore) GetSnapshot(ctx context.Context, unit engine.DeployedUnitHandle) (*SnapshotRecord, error) {
	query := `
		SELECT unit_key, data, created_at, updated_at
		FROM rollback_snapshots
		WHERE unit_key = ?
	`

	rec, err := scanSnapshot(s.db.QueryRowContext(ctx, query, unit.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for %s: %w", unit.Key(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return rec, nil
}

// ListSnapshots lists stored snapshots, most recently captured first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit, offset int) ([]*SnapshotRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT unit_key, data, created_at, updated_at
		FROM rollback_snapshots
		ORDER BY captured_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// DeleteSnapshot removes the snapshot of a unit
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, unit engine.DeployedUnitHandle) error {
	// A missing snapshot is reported, not ignored
	result, err := s.db.ExecContext(ctx, `DELETE FROM rollback_snapshots WHERE unit_key = ?`, unit.Key())
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("snapshot for %s: %w", unit.Key(), ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*SnapshotRecord, error) {
	rec := &SnapshotRecord{}
	var data string
	if err := row.Scan(&rec.UnitKey, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	// Snapshots are stored as JSON documents
	rec.Snapshot = &snapshot.RollbackSnapshot{}
	if err := json.Unmarshal([]byte(data), rec.Snapshot); err != nil {
		return nil, fmt.Errorf("corrupt snapshot for %s: %w", rec.UnitKey, err)
	}
	return rec, nil
}

// RecordSyncResult appends an instance-sync result
func (s *SQLiteStore) RecordSyncResult(ctx context.Context, rec *SyncResultRecord) error {
	if rec == nil || rec.ID == "" || rec.TaskID == "" {
		return engine.NewInvalidArgumentsError("sync result needs an id and a task id", nil).
			WithCode(engine.ErrCodeValidation)
	}
	// Default creation time
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sync_results (
			id, task_id, kind, status, error_message, instance_count, payload, heartbeat, observed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TaskID,
		rec.Kind,
		rec.Status,
		rec.ErrorMessage,
		rec.InstanceCount,
		rec.Payload,
		rec.Heartbeat.UTC(),
		rec.ObservedAt.UTC(),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}

	return nil
}

const syncResultColumns = `id, task_id, kind, status, error_message, instance_count, payload, heartbeat, observed_at, created_at`

// LatestSyncResult returns the most recently observed result of a task
func (s *SQLiteStore) LatestSyncResult(ctx context.Context, taskID string) (*SyncResultRecord, error) {
	query := `SELECT ` + syncResultColumns + `
		FROM sync_results
		WHERE task_id = ?
		ORDER BY observed_at DESC, created_at DESC
		LIMIT 1
	`

	rec, err := scanSyncResult(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync result for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync result: %w", err)
	}

	return rec, nil
}

// ListSyncResults returns a task's results, newest first
func (s *SQLiteStore) ListSyncResults(ctx context.Context, taskID string, limit int) ([]*SyncResultRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + syncResultColumns + `
		FROM sync_results
		WHERE task_id = ?
		ORDER BY observed_at DESC, created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync results: %w", err)
	}
	defer rows.Close()

	var out []*SyncResultRecord
	for rows.Next() {
		rec, err := scanSyncResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync result: %w", err)
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// PruneSyncResults keeps the newest keep results of a task and deletes the rest.
func (s *SQLiteStore) PruneSyncResults(ctx context.Context, taskID string, keep int) (int64, error) {
	// Negative keep deletes everything
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM sync_results
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM sync_results
			WHERE task_id = ?
			ORDER BY observed_at DESC, created_at DESC
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, taskID, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync results: %w", err)
	}

	return result.RowsAffected()
}

func scanSyncResult(row rowScanner) (*SyncResultRecord, error) {
	rec := &SyncResultRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&rec.Kind,
		&rec.Status,
		&rec.ErrorMessage,
		&rec.InstanceCount,
		&rec.Payload,
		&rec.Heartbeat,
		&rec.ObservedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
