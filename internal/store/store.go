// Package store provides the transactional persistence layer for tasks,
// epics, runs, reviews, and per-agent health.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fueldev/fuel/internal/common/tracing"
	"github.com/fueldev/fuel/internal/db"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides storage operations backed by a db.Pool.
type Store struct {
	db       *sqlx.DB // writer
	ro       *sqlx.DB // reader (read-only pool for SQLite)
	pool     *db.Pool
	ownsPool bool
}

// Open opens the store for the given driver. For sqlite3 the dsn is a file
// path; for pgx it is a PostgreSQL connection string.
func Open(driver, dsn string, busyTimeout time.Duration) (*Store, error) {
	var pool *db.Pool
	var err error
	switch driver {
	case "pgx":
		pool, err = db.OpenPostgresPool(dsn)
	default:
		pool, err = db.OpenSQLitePool(dsn, busyTimeout)
	}
	if err != nil {
		return nil, err
	}
	return newStore(pool, true)
}

// NewWithPool creates a Store over an existing pool (shared ownership).
func NewWithPool(pool *db.Pool) (*Store, error) {
	return newStore(pool, false)
}

func newStore(pool *db.Pool, ownsPool bool) (*Store, error) {
	s := &Store{
		db:       pool.Writer(),
		ro:       pool.Reader(),
		pool:     pool,
		ownsPool: ownsPool,
	}
	if err := s.initSchema(); err != nil {
		if ownsPool {
			if closeErr := pool.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool when owned by this store.
func (s *Store) Close() error {
	if !s.ownsPool {
		return nil
	}
	return s.pool.Close()
}

// DB returns the underlying writer for shared access (CLI direct mode).
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Driver returns the SQL driver name in use.
func (s *Store) Driver() string {
	return s.db.DriverName()
}

// inTx runs fn inside a writer transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("storage: rollback after %v: %w", err, rollbackErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}

// span starts a db-scoped tracing span. No-op unless OTLP is configured.
func span(ctx context.Context, name string) (context.Context, func()) {
	ctx, sp := tracing.Tracer("fuel-db").Start(ctx, name)
	return ctx, func() { sp.End() }
}
