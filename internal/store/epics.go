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

const epicColumns = `id, short_id, title, description, status, created_at, updated_at`

// CreateEpic inserts a new epic, generating its short id and timestamps.
func (s *Store) CreateEpic(ctx context.Context, epic *Epic) error {
	ctx, end := span(ctx, "db.CreateEpic")
	defer end()

	now := time.Now().UTC()
	epic.CreatedAt = now
	epic.UpdatedAt = now
	if epic.Status == "" {
		epic.Status = EpicPlanning
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if epic.ShortID == "" {
			id, err := generateShortID(ctx, tx, "epics", EpicIDPrefix)
			if err != nil {
				return err
			}
			epic.ShortID = id
		}

		id, err := dialect.InsertReturningID(ctx, tx, `
			INSERT INTO epics (short_id, title, description, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, epic.ShortID, epic.Title, epic.Description, epic.Status, epic.CreatedAt, epic.UpdatedAt)
		if err != nil {
			return fmt.Errorf("storage: insert epic: %w", err)
		}
		epic.ID = id
		return nil
	})
}

// GetEpic retrieves an epic by its exact short id.
func (s *Store) GetEpic(ctx context.Context, shortID string) (*Epic, error) {
	ctx, end := span(ctx, "db.GetEpic")
	defer end()

	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+epicColumns+` FROM epics WHERE short_id = ?`), shortID)
	epic, err := scanEpic(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("epic not found: %s: %w", shortID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get epic %s: %w", shortID, err)
	}
	return epic, nil
}

// GetEpicByRowID retrieves an epic by its integer primary key.
func (s *Store) GetEpicByRowID(ctx context.Context, id int64) (*Epic, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+epicColumns+` FROM epics WHERE id = ?`), id)
	epic, err := scanEpic(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("epic not found: #%d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get epic #%d: %w", id, err)
	}
	return epic, nil
}

// ListEpics returns every epic, oldest first.
func (s *Store) ListEpics(ctx context.Context) ([]*Epic, error) {
	ctx, end := span(ctx, "db.ListEpics")
	defer end()

	rows, err := s.ro.QueryContext(ctx, `SELECT `+epicColumns+` FROM epics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list epics: %w", err)
	}
	defer rows.Close()

	var epics []*Epic
	for rows.Next() {
		epic, err := scanEpic(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan epic: %w", err)
		}
		epics = append(epics, epic)
	}
	return epics, rows.Err()
}

// UpdateEpic persists the epic's mutable fields and bumps updated_at.
func (s *Store) UpdateEpic(ctx context.Context, epic *Epic) error {
	ctx, end := span(ctx, "db.UpdateEpic")
	defer end()

	epic.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE epics SET title = ?, description = ?, status = ?, updated_at = ?
		WHERE short_id = ?
	`), epic.Title, epic.Description, epic.Status, epic.UpdatedAt, epic.ShortID)
	if err != nil {
		return fmt.Errorf("storage: update epic %s: %w", epic.ShortID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update epic %s: %w", epic.ShortID, err)
	}
	if affected == 0 {
		return fmt.Errorf("epic not found: %s: %w", epic.ShortID, ErrNotFound)
	}
	return nil
}

func scanEpic(row rowScanner) (*Epic, error) {
	epic := &Epic{}
	err := row.Scan(&epic.ID, &epic.ShortID, &epic.Title, &epic.Description,
		&epic.Status, &epic.CreatedAt, &epic.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return epic, nil
}
