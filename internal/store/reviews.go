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

const reviewColumns = `id, short_id, task_id, run_id, agent, status, issues,
	started_at, completed_at, original_status`

// CreateReview records a new pending review for the task row id. The task's
// pre-review status is captured so arbitration knows what to restore on fail.
func (s *Store) CreateReview(ctx context.Context, taskID int64, review *Review) error {
	ctx, end := span(ctx, "db.CreateReview")
	defer end()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if review.ShortID == "" {
			id, err := generateShortID(ctx, tx, "reviews", ReviewIDPrefix)
			if err != nil {
				return err
			}
			review.ShortID = id
		}
		if review.StartedAt.IsZero() {
			review.StartedAt = time.Now().UTC()
		}
		if review.Status == "" {
			review.Status = ReviewPending
		}
		review.TaskID = taskID

		id, err := dialect.InsertReturningID(ctx, tx, `
			INSERT INTO reviews (short_id, task_id, run_id, agent, status, issues,
				started_at, completed_at, original_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			review.ShortID, review.TaskID, nullInt64(review.RunID), review.Agent,
			review.Status, marshalStrings(review.Issues), review.StartedAt,
			nullTime(review.CompletedAt), review.OriginalStatus,
		)
		if err != nil {
			return fmt.Errorf("storage: insert review: %w", err)
		}
		review.ID = id
		return nil
	})
}

// CompleteReview marks the review passed or failed with the issues found.
func (s *Store) CompleteReview(ctx context.Context, shortID string, status ReviewStatus, issues []string) error {
	ctx, end := span(ctx, "db.CompleteReview")
	defer end()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reviews SET status = ?, issues = ?, completed_at = ? WHERE short_id = ?
	`), status, marshalStrings(issues), time.Now().UTC(), shortID)
	if err != nil {
		return fmt.Errorf("storage: complete review %s: %w", shortID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: complete review %s: %w", shortID, err)
	}
	if affected == 0 {
		return fmt.Errorf("review not found: %s: %w", shortID, ErrNotFound)
	}
	return nil
}

// GetReview retrieves a review by its short id.
func (s *Store) GetReview(ctx context.Context, shortID string) (*Review, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+reviewColumns+` FROM reviews WHERE short_id = ?`), shortID)
	review, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("review not found: %s: %w", shortID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get review %s: %w", shortID, err)
	}
	return review, nil
}

// ListPendingReviews returns reviews still awaiting arbitration, oldest first.
// Stuck-review recovery walks this list at daemon start.
func (s *Store) ListPendingReviews(ctx context.Context) ([]*Review, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+reviewColumns+` FROM reviews WHERE status = ? ORDER BY id ASC`), ReviewPending)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending reviews: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

// GetLatestReviewForTask returns the most recent review for the task row id.
func (s *Store) GetLatestReviewForTask(ctx context.Context, taskID int64) (*Review, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+reviewColumns+` FROM reviews WHERE task_id = ? ORDER BY id DESC LIMIT 1`), taskID)
	review, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no reviews for task #%d: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: latest review for task #%d: %w", taskID, err)
	}
	return review, nil
}

func scanReview(row rowScanner) (*Review, error) {
	review := &Review{}
	var (
		runID       sql.NullInt64
		issues      string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&review.ID, &review.ShortID, &review.TaskID, &runID, &review.Agent,
		&review.Status, &issues, &review.StartedAt, &completedAt, &review.OriginalStatus,
	)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		v := runID.Int64
		review.RunID = &v
	}
	review.Issues = unmarshalStrings(issues)
	if completedAt.Valid {
		t := completedAt.Time
		review.CompletedAt = &t
	}
	return review, nil
}

func scanReviews(rows *sql.Rows) ([]*Review, error) {
	var reviews []*Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan review: %w", err)
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}
