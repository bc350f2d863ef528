package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const healthColumns = `agent, last_success_at, last_failure_at, consecutive_failures,
	backoff_until, total_runs, total_successes`

// GetAgentHealth retrieves one agent's health record.
func (s *Store) GetAgentHealth(ctx context.Context, agent string) (*AgentHealth, error) {
	ctx, end := span(ctx, "db.GetAgentHealth")
	defer end()

	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+healthColumns+` FROM agent_health WHERE agent = ?`), agent)
	h, err := scanAgentHealth(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent health not found: %s: %w", agent, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get agent health %s: %w", agent, err)
	}
	return h, nil
}

// ListAgentHealth returns every agent's health record.
func (s *Store) ListAgentHealth(ctx context.Context) ([]*AgentHealth, error) {
	ctx, end := span(ctx, "db.ListAgentHealth")
	defer end()

	rows, err := s.ro.QueryContext(ctx, `SELECT `+healthColumns+` FROM agent_health ORDER BY agent ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent health: %w", err)
	}
	defer rows.Close()

	var all []*AgentHealth
	for rows.Next() {
		h, err := scanAgentHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent health: %w", err)
		}
		all = append(all, h)
	}
	return all, rows.Err()
}

// MutateAgentHealth loads the agent's record (a zero record when none
// exists), applies fn, and writes the result back, all in one transaction.
// The counter math and the backoff window therefore advance atomically
// under write contention.
func (s *Store) MutateAgentHealth(ctx context.Context, agent string, fn func(h *AgentHealth)) (*AgentHealth, error) {
	ctx, end := span(ctx, "db.MutateAgentHealth")
	defer end()

	h := &AgentHealth{Agent: agent}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, tx.Rebind(
			`SELECT `+healthColumns+` FROM agent_health WHERE agent = ?`), agent)
		existing, err := scanAgentHealth(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage: read agent health %s: %w", agent, err)
		}
		if existing != nil {
			h = existing
		}

		fn(h)

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agent_health (agent, last_success_at, last_failure_at,
				consecutive_failures, backoff_until, total_runs, total_successes)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent) DO UPDATE SET
				last_success_at = excluded.last_success_at,
				last_failure_at = excluded.last_failure_at,
				consecutive_failures = excluded.consecutive_failures,
				backoff_until = excluded.backoff_until,
				total_runs = excluded.total_runs,
				total_successes = excluded.total_successes
		`), h.Agent, nullTime(h.LastSuccessAt), nullTime(h.LastFailureAt),
			h.ConsecutiveFailures, nullTime(h.BackoffUntil), h.TotalRuns, h.TotalSuccesses)
		if err != nil {
			return fmt.Errorf("storage: upsert agent health %s: %w", agent, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// DeleteAgentHealth removes the agent's record. Deleting an absent record is
// not an error.
func (s *Store) DeleteAgentHealth(ctx context.Context, agent string) error {
	ctx, end := span(ctx, "db.DeleteAgentHealth")
	defer end()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM agent_health WHERE agent = ?`), agent); err != nil {
		return fmt.Errorf("storage: delete agent health %s: %w", agent, err)
	}
	return nil
}

func scanAgentHealth(row rowScanner) (*AgentHealth, error) {
	h := &AgentHealth{}
	var lastSuccess, lastFailure, backoffUntil sql.NullTime
	err := row.Scan(&h.Agent, &lastSuccess, &lastFailure, &h.ConsecutiveFailures,
		&backoffUntil, &h.TotalRuns, &h.TotalSuccesses)
	if err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		h.LastSuccessAt = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		h.LastFailureAt = &t
	}
	if backoffUntil.Valid {
		t := backoffUntil.Time
		h.BackoffUntil = &t
	}
	return h, nil
}
