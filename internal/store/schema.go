package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one forward-only schema step. Steps run in version order
// inside a transaction that also advances the schema_version register, so a
// partially-applied migration never leaves the register bumped.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS epics (
				id INTEGER PRIMARY KEY,
				short_id TEXT NOT NULL UNIQUE,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'planning',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY,
				short_id TEXT NOT NULL UNIQUE,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'open',
				type TEXT NOT NULL DEFAULT 'task',
				priority INTEGER NOT NULL DEFAULT 2,
				complexity TEXT NOT NULL DEFAULT 'moderate',
				labels TEXT NOT NULL DEFAULT '[]',
				blocked_by TEXT NOT NULL DEFAULT '[]',
				epic_id INTEGER REFERENCES epics(id),
				agent TEXT NOT NULL DEFAULT '',
				last_review_issues TEXT,
				commit_hash TEXT NOT NULL DEFAULT '',
				consumed INTEGER NOT NULL DEFAULT 0,
				consumed_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS runs (
				id INTEGER PRIMARY KEY,
				short_id TEXT NOT NULL UNIQUE,
				task_id INTEGER NOT NULL REFERENCES tasks(id),
				agent TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP NOT NULL,
				ended_at TIMESTAMP,
				exit_code INTEGER,
				output TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				cost_usd REAL,
				status TEXT NOT NULL DEFAULT 'running',
				duration_seconds REAL,
				pid INTEGER,
				runner_instance_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS reviews (
				id INTEGER PRIMARY KEY,
				short_id TEXT NOT NULL UNIQUE,
				task_id INTEGER NOT NULL REFERENCES tasks(id),
				run_id INTEGER REFERENCES runs(id),
				agent TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				issues TEXT NOT NULL DEFAULT '[]',
				started_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP,
				original_status TEXT NOT NULL DEFAULT 'in_progress'
			)`,
			`CREATE TABLE IF NOT EXISTS agent_health (
				agent TEXT PRIMARY KEY,
				last_success_at TIMESTAMP,
				last_failure_at TIMESTAMP,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				backoff_until TIMESTAMP,
				total_runs INTEGER NOT NULL DEFAULT 0,
				total_successes INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_reviews_task_id ON reviews(task_id)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`ALTER TABLE tasks ADD COLUMN reason TEXT NOT NULL DEFAULT ''`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_consumed ON tasks(consumed)`,
		},
	},
}

// initSchema creates the schema_version register, then applies every
// migration above the current version, each in its own transaction.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("apply schema migration %d: %w", m.version, err)
		}
	}
	return nil
}

// schemaVersion reads the highest applied version, 0 for a fresh database.
func (s *Store) schemaVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	if err := execMigration(tx, m); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

func execMigration(tx *sqlx.Tx, m migration) error {
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.Exec(tx.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
		return fmt.Errorf("record version %d: %w", m.version, err)
	}
	return nil
}

func firstLine(stmt string) string {
	for i := 0; i < len(stmt); i++ {
		if stmt[i] == '\n' {
			return stmt[:i]
		}
	}
	if len(stmt) > 60 {
		return stmt[:60]
	}
	return stmt
}
