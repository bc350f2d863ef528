package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// sqliteReaderConns bounds the read-only pool. WAL mode lets these proceed
// concurrently with the single writer.
const sqliteReaderConns = 4

// sqliteDSN builds a file DSN for mattn/go-sqlite3. mode is "rwc" for the
// writer and "ro" for readers; journal_mode and synchronous are database-level
// settings, so only the writer sets them.
func sqliteDSN(path, mode string, busyTimeout time.Duration) string {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(busyTimeout/time.Millisecond))
	if mode == "rwc" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// OpenSQLite opens the write handle for a SQLite database, creating the file
// and its parent directory if needed. The pool is capped at one connection so
// writes serialize in-process instead of surfacing SQLITE_BUSY. A zero
// busyTimeout selects the default.
func OpenSQLite(dbPath string, busyTimeout time.Duration) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	_ = f.Close()

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc", busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := verifySQLite(conn, path); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenSQLiteReader opens the read-only pool for the same database file.
func OpenSQLiteReader(dbPath string, busyTimeout time.Duration) (*sql.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	conn, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), "ro", busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// verifySQLite rejects a non-empty file that is not a usable database, so a
// corrupt .fuel/fuel.db is surfaced to the operator instead of silently
// recreated.
func verifySQLite(conn *sql.DB, path string) error {
	var version int
	if err := conn.QueryRow("PRAGMA schema_version").Scan(&version); err != nil {
		if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
			return fmt.Errorf("database file %s exists but is not readable as a database (move it aside or restore from backup): %w", path, err)
		}
		return fmt.Errorf("failed to verify database: %w", err)
	}
	return nil
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
