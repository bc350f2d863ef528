package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fueldev/fuel/internal/store"
)

// CreateEpic validates and inserts a new epic.
func (s *Service) CreateEpic(ctx context.Context, title, description string) (*store.Epic, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("epic title is required: %w", ErrInvalidInput)
	}
	epic := &store.Epic{
		Title:       strings.TrimSpace(title),
		Description: description,
		Status:      store.EpicPlanning,
	}
	if err := s.store.CreateEpic(ctx, epic); err != nil {
		return nil, err
	}
	return epic, nil
}

// FindEpic resolves an epic by exact short id.
func (s *Service) FindEpic(ctx context.Context, shortID string) (*store.Epic, error) {
	return s.store.GetEpic(ctx, shortID)
}

// ListEpics returns every epic.
func (s *Service) ListEpics(ctx context.Context) ([]*store.Epic, error) {
	return s.store.ListEpics(ctx)
}

// EpicPlanPath returns the planning doc location for an epic,
// <data_dir>/plans/<slug>-<epic_short>.md, creating the plans directory.
func EpicPlanPath(dataDir string, epic *store.Epic) (string, error) {
	plansDir := filepath.Join(dataDir, "plans")
	if err := os.MkdirAll(plansDir, 0o755); err != nil {
		return "", fmt.Errorf("create plans dir: %w", err)
	}
	return filepath.Join(plansDir, slugify(epic.Title)+"-"+epic.ShortID+".md"), nil
}

// slugify lowercases the title and collapses runs of non-alphanumerics to
// single dashes.
func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
