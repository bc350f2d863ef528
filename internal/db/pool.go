package db

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fueldev/fuel/internal/db/dialect"
)

// Pool pairs a write handle with a read handle. On SQLite the split matters:
// one writer connection serializes mutations while WAL readers run alongside
// it. On Postgres both fields hold the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps existing writer and reader handles.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// OpenSQLitePool opens both handles for a SQLite file.
func OpenSQLitePool(dbPath string, busyTimeout time.Duration) (*Pool, error) {
	writer, err := OpenSQLite(dbPath, busyTimeout)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath, busyTimeout)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(
		sqlx.NewDb(writer, dialect.SQLite3),
		sqlx.NewDb(reader, dialect.SQLite3),
	), nil
}

// OpenPostgresPool opens one Postgres connection pool shared by both sides.
func OpenPostgresPool(dsn string) (*Pool, error) {
	conn, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	wrapped := sqlx.NewDb(conn, dialect.PGX)
	return NewPool(wrapped, wrapped), nil
}

// Writer returns the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, once each when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
