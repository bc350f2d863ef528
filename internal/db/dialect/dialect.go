// Package dialect smooths over the SQL differences between the embedded
// SQLite store and an external PostgreSQL one.
package dialect

import (
	"context"
	"database/sql"
	"fmt"
)

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver name is the pgx driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like picks the pattern-match operator: ILIKE on Postgres so short-id
// prefix search behaves like SQLite's ASCII case-insensitive LIKE.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// Execer covers both *sqlx.DB and *sqlx.Tx so insert helpers work inside
// and outside transactions.
type Execer interface {
	DriverName() string
	Rebind(query string) string
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertReturningID runs an INSERT and yields the generated row id. Postgres
// needs RETURNING; SQLite reads LastInsertId off the result.
func InsertReturningID(ctx context.Context, db Execer, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var id int64
		if err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
