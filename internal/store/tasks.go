package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fueldev/fuel/internal/db/dialect"
)

const taskColumns = `id, short_id, title, description, status, type, priority, complexity,
	labels, blocked_by, epic_id, agent, last_review_issues, commit_hash, reason,
	consumed, consumed_at, created_at, updated_at`

// CreateTask inserts a new task, generating its short id and timestamps.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	ctx, end := span(ctx, "db.CreateTask")
	defer end()

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskOpen
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if task.ShortID == "" {
			id, err := generateShortID(ctx, tx, "tasks", TaskIDPrefix)
			if err != nil {
				return err
			}
			task.ShortID = id
		}

		id, err := dialect.InsertReturningID(ctx, tx, `
			INSERT INTO tasks (short_id, title, description, status, type, priority, complexity,
				labels, blocked_by, epic_id, agent, last_review_issues, commit_hash, reason,
				consumed, consumed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			task.ShortID, task.Title, task.Description, task.Status, task.Type, task.Priority, task.Complexity,
			marshalStrings(task.Labels), marshalStrings(task.BlockedBy), nullInt64(task.EpicID),
			task.Agent, marshalNullableStrings(task.LastReviewIssues), task.CommitHash, task.Reason,
			boolToInt(task.Consumed), nullTime(task.ConsumedAt), task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert task: %w", err)
		}
		task.ID = id
		return nil
	})
}

// GetTask retrieves a task by its exact short id.
func (s *Store) GetTask(ctx context.Context, shortID string) (*Task, error) {
	ctx, end := span(ctx, "db.GetTask")
	defer end()

	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE short_id = ?`), shortID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %s: %w", shortID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get task %s: %w", shortID, err)
	}
	return task, nil
}

// GetTaskByRowID retrieves a task by its integer primary key.
func (s *Store) GetTaskByRowID(ctx context.Context, id int64) (*Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task not found: #%d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get task #%d: %w", id, err)
	}
	return task, nil
}

// SearchTasksByShortIDPrefix lists tasks whose short id begins with prefix,
// oldest first. Used for partial-id resolution.
func (s *Store) SearchTasksByShortIDPrefix(ctx context.Context, prefix string) ([]*Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE short_id `+dialect.Like(s.Driver())+` ? ORDER BY id ASC`), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: search tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask persists every mutable field of the task and bumps updated_at.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	ctx, end := span(ctx, "db.UpdateTask")
	defer end()

	task.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET title = ?, description = ?, status = ?, type = ?, priority = ?,
			complexity = ?, labels = ?, blocked_by = ?, epic_id = ?, agent = ?,
			last_review_issues = ?, commit_hash = ?, reason = ?, consumed = ?,
			consumed_at = ?, updated_at = ?
		WHERE short_id = ?
	`),
		task.Title, task.Description, task.Status, task.Type, task.Priority,
		task.Complexity, marshalStrings(task.Labels), marshalStrings(task.BlockedBy),
		nullInt64(task.EpicID), task.Agent, marshalNullableStrings(task.LastReviewIssues),
		task.CommitHash, task.Reason, boolToInt(task.Consumed), nullTime(task.ConsumedAt),
		task.UpdatedAt, task.ShortID,
	)
	if err != nil {
		return fmt.Errorf("storage: update task %s: %w", task.ShortID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update task %s: %w", task.ShortID, err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found: %s: %w", task.ShortID, ErrNotFound)
	}
	return nil
}

// ListTasks returns every task, oldest first. Cancelled tombstones are
// included; callers filter.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	ctx, end := span(ctx, "db.ListTasks")
	defer end()

	rows, err := s.ro.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns tasks in any of the given statuses, ordered by
// priority then creation time.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	ctx, end := span(ctx, "db.ListTasksByStatus")
	defer end()

	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	query, inArgs, err := sqlx.In(
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?) ORDER BY priority ASC, created_at ASC, id ASC`, args)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks by status: %w", err)
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), inArgs...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: count tasks: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// StartTaskWithRun marks the task in_progress/consumed and creates its run
// in a single transaction. The run's short id, row id, and started_at are
// populated on return.
func (s *Store) StartTaskWithRun(ctx context.Context, task *Task, run *Run) error {
	ctx, end := span(ctx, "db.StartTaskWithRun")
	defer end()

	now := time.Now().UTC()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, consumed = 1, consumed_at = ?, updated_at = ?
			WHERE short_id = ?
		`), TaskInProgress, now, now, task.ShortID)
		if err != nil {
			return fmt.Errorf("storage: start task %s: %w", task.ShortID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: start task %s: %w", task.ShortID, err)
		}
		if affected == 0 {
			return fmt.Errorf("task not found: %s: %w", task.ShortID, ErrNotFound)
		}

		if err := insertRun(ctx, tx, task.ID, run); err != nil {
			return err
		}

		task.Status = TaskInProgress
		task.Consumed = true
		task.ConsumedAt = &now
		task.UpdatedAt = now
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var (
		labels       string
		blockedBy    string
		epicID       sql.NullInt64
		reviewIssues sql.NullString
		consumed     int
		consumedAt   sql.NullTime
	)
	err := row.Scan(
		&task.ID, &task.ShortID, &task.Title, &task.Description, &task.Status, &task.Type,
		&task.Priority, &task.Complexity, &labels, &blockedBy, &epicID, &task.Agent,
		&reviewIssues, &task.CommitHash, &task.Reason, &consumed, &consumedAt,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Labels = unmarshalStrings(labels)
	task.BlockedBy = unmarshalStrings(blockedBy)
	if epicID.Valid {
		task.EpicID = &epicID.Int64
	}
	if reviewIssues.Valid {
		issues := unmarshalStrings(reviewIssues.String)
		task.LastReviewIssues = issues
	}
	task.Consumed = consumed != 0
	if consumedAt.Valid {
		t := consumedAt.Time
		task.ConsumedAt = &t
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func marshalStrings(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// marshalNullableStrings maps nil to SQL NULL so "never reviewed" and
// "reviewed clean" stay distinguishable.
func marshalNullableStrings(list []string) interface{} {
	if list == nil {
		return nil
	}
	return marshalStrings(list)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
