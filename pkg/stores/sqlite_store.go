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
	"github.com/google/uuid"
	"github.com/openfroyo/dtoverlay/pkg/overlay"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("record not found")

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

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
	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != memoryPath {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
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

// Record implements overlay.Journal. The event is appended and folded into
// the instance table in one transaction.
func (s *SQLiteStore) Record(ctx context.Context, event overlay.Event) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var errMsg sql.NullString
	if event.Error != "" {
		errMsg = sql.NullString{String: event.Error, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, instance, kind, path, handle, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(),
		event.Instance,
		string(event.Kind),
		event.Path,
		event.Handle,
		errMsg,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := foldEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// foldEvent applies event to the instance table.
func foldEvent(ctx context.Context, tx *sql.Tx, event overlay.Event) error {
	var (
		query string
		args  []interface{}
	)

	switch event.Kind {
	case overlay.EventCreated:
		query = `
			INSERT INTO instances (name, path, status, handle, created_at, updated_at)
			VALUES (?, '', ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				path = '', status = excluded.status, handle = excluded.handle,
				created_at = excluded.created_at, updated_at = excluded.updated_at
		`
		args = []interface{}{event.Instance, string(overlay.StatusUnapplied), overlay.NoHandle, event.Timestamp, event.Timestamp}

	case overlay.EventApplied:
		query = `
			INSERT INTO instances (name, path, status, handle, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				path = excluded.path, status = excluded.status, handle = excluded.handle,
				updated_at = excluded.updated_at
		`
		args = []interface{}{event.Instance, event.Path, string(overlay.StatusApplied), event.Handle, event.Timestamp, event.Timestamp}

	case overlay.EventFailed:
		query = `UPDATE instances SET path = '', status = ?, handle = ?, updated_at = ? WHERE name = ?`
		args = []interface{}{string(overlay.StatusUnapplied), overlay.NoHandle, event.Timestamp, event.Instance}

	case overlay.EventRemoved:
		query = `UPDATE instances SET status = ?, handle = ?, updated_at = ? WHERE name = ?`
		args = []interface{}{string(overlay.StatusUnapplied), overlay.NoHandle, event.Timestamp, event.Instance}

	case overlay.EventDestroyed:
		query = `DELETE FROM instances WHERE name = ?`
		args = []interface{}{event.Instance}

	default:
		return nil
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update instance %s: %w", event.Instance, err)
	}
	return nil
}

// ListEvents retrieves events, newest first, with optional filters and pagination
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	var instance, kind interface{}
	if filter.Instance != "" {
		instance = filter.Instance
	}
	if filter.Kind != "" {
		kind = string(filter.Kind)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, instance, kind, path, handle, error, timestamp
		FROM events
		WHERE (? IS NULL OR instance = ?)
		  AND (? IS NULL OR kind = ?)
		ORDER BY seq DESC
		LIMIT ? OFFSET ?
	`, instance, instance, kind, kind, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		err := rows.Scan(
			&ev.Seq,
			&ev.ID,
			&ev.Instance,
			&ev.Kind,
			&ev.Path,
			&ev.Handle,
			&ev.Error,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ListInstances returns the last known state of every instance, by name
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, path, status, handle, created_at, updated_at
		FROM instances
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	records := []*InstanceRecord{}
	for rows.Next() {
		rec := &InstanceRecord{}
		if err := rows.Scan(&rec.Name, &rec.Path, &rec.Status, &rec.Handle, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return records, nil
}

// GetInstance returns the last known state of one instance
func (s *SQLiteStore) GetInstance(ctx context.Context, name string) (*InstanceRecord, error) {
	rec := &InstanceRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, path, status, handle, created_at, updated_at
		FROM instances
		WHERE name = ?
	`, name).Scan(&rec.Name, &rec.Path, &rec.Status, &rec.Handle, &rec.CreatedAt, &rec.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return rec, nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
