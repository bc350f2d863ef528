package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fueldev/fuel/internal/db/dialect"
)

const runColumns = `id, short_id, task_id, agent, model, started_at, ended_at, exit_code,
	output, session_id, cost_usd, status, duration_seconds, pid, runner_instance_id`

// CreateRun inserts a new running run for the task row id, generating its
// short id. StartedAt defaults to now.
func (s *Store) CreateRun(ctx context.Context, taskID int64, run *Run) error {
	ctx, end := span(ctx, "db.CreateRun")
	defer end()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertRun(ctx, tx, taskID, run)
	})
}

// insertRun writes the run inside an existing transaction so task-start and
// run-create commit together.
func insertRun(ctx context.Context, tx *sqlx.Tx, taskID int64, run *Run) error {
	if run.ShortID == "" {
		id, err := generateShortID(ctx, tx, "runs", RunIDPrefix)
		if err != nil {
			return err
		}
		run.ShortID = id
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	run.TaskID = taskID
	run.Output = TruncateOutput(run.Output)

	id, err := dialect.InsertReturningID(ctx, tx, `
		INSERT INTO runs (short_id, task_id, agent, model, started_at, ended_at, exit_code,
			output, session_id, cost_usd, status, duration_seconds, pid, runner_instance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ShortID, run.TaskID, run.Agent, run.Model, run.StartedAt, nullTime(run.EndedAt),
		nullInt(run.ExitCode), run.Output, run.SessionID, nullFloat64(run.CostUSD),
		run.Status, nullFloat64(run.DurationSeconds), nullInt(run.PID), run.RunnerInstanceID,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	run.ID = id
	return nil
}

// GetRun retrieves a run by its short id.
func (s *Store) GetRun(ctx context.Context, shortID string) (*Run, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE short_id = ?`), shortID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run not found: %s: %w", shortID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get run %s: %w", shortID, err)
	}
	return run, nil
}

// GetLatestRun returns the most recent run for the task row id.
func (s *Store) GetLatestRun(ctx context.Context, taskID int64) (*Run, error) {
	ctx, end := span(ctx, "db.GetLatestRun")
	defer end()

	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY id DESC LIMIT 1`), taskID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no runs for task #%d: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: latest run for task #%d: %w", taskID, err)
	}
	return run, nil
}

// ListRuns returns all runs for the task row id, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID int64) ([]*Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY id DESC`), taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunningRuns returns every run still marked running, oldest first.
// Orphan recovery walks this list at daemon start.
func (s *Store) ListRunningRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY id ASC`), RunRunning)
	if err != nil {
		return nil, fmt.Errorf("storage: list running runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// UpdateRun persists the run's mutable fields. Output is truncated and
// duration_seconds recomputed when both timestamps are present.
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	ctx, end := span(ctx, "db.UpdateRun")
	defer end()

	run.Output = TruncateOutput(run.Output)
	if run.EndedAt != nil {
		d := run.EndedAt.Sub(run.StartedAt).Seconds()
		run.DurationSeconds = &d
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET model = ?, ended_at = ?, exit_code = ?, output = ?, session_id = ?,
			cost_usd = ?, status = ?, duration_seconds = ?, pid = ?, runner_instance_id = ?
		WHERE short_id = ?
	`),
		run.Model, nullTime(run.EndedAt), nullInt(run.ExitCode), run.Output, run.SessionID,
		nullFloat64(run.CostUSD), run.Status, nullFloat64(run.DurationSeconds), nullInt(run.PID),
		run.RunnerInstanceID, run.ShortID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run %s: %w", run.ShortID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update run %s: %w", run.ShortID, err)
	}
	if affected == 0 {
		return fmt.Errorf("run not found: %s: %w", run.ShortID, ErrNotFound)
	}
	return nil
}

// RunStats aggregates run counts and spend.
type RunStats struct {
	Total     int
	Running   int
	Completed int
	Failed    int
	TotalCost float64
}

// Stats returns aggregate run counts and total cost.
func (s *Store) Stats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{}
	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: run stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status RunStatus
		var n int
		var cost float64
		if err := rows.Scan(&status, &n, &cost); err != nil {
			return nil, fmt.Errorf("storage: run stats: %w", err)
		}
		stats.Total += n
		stats.TotalCost += cost
		switch status {
		case RunRunning:
			stats.Running = n
		case RunCompleted:
			stats.Completed = n
		case RunFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// AgentTiming aggregates run durations for one agent.
type AgentTiming struct {
	Agent      string
	Runs       int
	AvgSeconds float64
	MaxSeconds float64
}

// TimingStats returns per-agent duration aggregates over terminal runs.
func (s *Store) TimingStats(ctx context.Context) ([]AgentTiming, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT agent, COUNT(*), COALESCE(AVG(duration_seconds), 0), COALESCE(MAX(duration_seconds), 0)
		FROM runs WHERE duration_seconds IS NOT NULL
		GROUP BY agent ORDER BY agent ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: timing stats: %w", err)
	}
	defer rows.Close()

	var out []AgentTiming
	for rows.Next() {
		var t AgentTiming
		if err := rows.Scan(&t.Agent, &t.Runs, &t.AvgSeconds, &t.MaxSeconds); err != nil {
			return nil, fmt.Errorf("storage: timing stats: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		endedAt  sql.NullTime
		exitCode sql.NullInt64
		costUSD  sql.NullFloat64
		duration sql.NullFloat64
		pid      sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.ShortID, &run.TaskID, &run.Agent, &run.Model, &run.StartedAt,
		&endedAt, &exitCode, &run.Output, &run.SessionID, &costUSD, &run.Status,
		&duration, &pid, &run.RunnerInstanceID,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	if costUSD.Valid {
		v := costUSD.Float64
		run.CostUSD = &v
	}
	if duration.Valid {
		v := duration.Float64
		run.DurationSeconds = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		run.PID = &v
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat64(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
