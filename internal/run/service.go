// Package run manages the run lifecycle: creation at spawn, completion
// updates, orphan recovery at daemon start, and aggregate statistics.
package run

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/store"
)

// Orphan sentinel messages written onto runs whose child died without the
// daemon observing completion.
const (
	orphanNoPIDOutput   = "[Run orphaned - consume process died before completion]"
	orphanDeadPIDOutput = "[Run orphaned - agent process no longer running]"
)

// Service provides run lifecycle operations over the store.
type Service struct {
	store     *store.Store
	log       *logger.Logger
	procAlive func(pid int) bool
	now       func() time.Time
}

// NewService creates the run service. procAlive may be nil, in which case a
// kill(pid, 0) probe is used.
func NewService(st *store.Store, log *logger.Logger, procAlive func(pid int) bool) *Service {
	if procAlive == nil {
		procAlive = func(pid int) bool {
			return pid > 0 && syscall.Kill(pid, 0) == nil
		}
	}
	return &Service{store: st, log: log, procAlive: procAlive, now: time.Now}
}

// CreateRun inserts a running run for the task and returns it with its
// generated short id.
func (s *Service) CreateRun(ctx context.Context, task *store.Task, run *store.Run) (*store.Run, error) {
	if err := s.store.CreateRun(ctx, task.ID, run); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun persists a patch applied to the run identified by short id.
func (s *Service) UpdateRun(ctx context.Context, runShortID string, patch func(r *store.Run)) (*store.Run, error) {
	r, err := s.store.GetRun(ctx, runShortID)
	if err != nil {
		return nil, err
	}
	patch(r)
	if err := s.store.UpdateRun(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateLatestRun applies a patch to the task's most recent run.
func (s *Service) UpdateLatestRun(ctx context.Context, task *store.Task, patch func(r *store.Run)) (*store.Run, error) {
	r, err := s.store.GetLatestRun(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	patch(r)
	if err := s.store.UpdateRun(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetLatestRun returns the task's most recent run.
func (s *Service) GetLatestRun(ctx context.Context, task *store.Task) (*store.Run, error) {
	return s.store.GetLatestRun(ctx, task.ID)
}

// GetRuns returns all runs for the task, newest first.
func (s *Service) GetRuns(ctx context.Context, task *store.Task) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, task.ID)
}

// CleanupOrphanedRuns walks every run still marked running and fails the
// ones whose process is gone. Runs with a live pid are left untouched: the
// child outlived its runner and will be reaped by whichever runner next
// polls. Returns the number of runs marked failed; calling it again with no
// intervening work is a no-op.
func (s *Service) CleanupOrphanedRuns(ctx context.Context) (int, error) {
	running, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, r := range running {
		switch {
		case r.PID == nil:
			if err := s.failOrphan(ctx, r, orphanNoPIDOutput); err != nil {
				return cleaned, err
			}
			cleaned++
		case !s.procAlive(*r.PID):
			if err := s.failOrphan(ctx, r, orphanDeadPIDOutput); err != nil {
				return cleaned, err
			}
			cleaned++
		default:
			s.log.Warn("run has a live process from a previous runner, leaving untouched",
				zap.String("run_id", r.ShortID), zap.Int("pid", *r.PID))
		}
	}
	if cleaned > 0 {
		s.log.Info("cleaned up orphaned runs", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

func (s *Service) failOrphan(ctx context.Context, r *store.Run, output string) error {
	now := s.now().UTC()
	exitCode := -1
	r.Status = store.RunFailed
	r.ExitCode = &exitCode
	r.Output = output
	r.EndedAt = &now
	return s.store.UpdateRun(ctx, r)
}

// Stats returns aggregate run counts and total cost.
func (s *Service) Stats(ctx context.Context) (*store.RunStats, error) {
	return s.store.Stats(ctx)
}

// TimingStats returns per-agent duration aggregates.
func (s *Service) TimingStats(ctx context.Context) ([]store.AgentTiming, error) {
	return s.store.TimingStats(ctx)
}
