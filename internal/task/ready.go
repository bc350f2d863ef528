package task

import (
	"context"

	"github.com/fueldev/fuel/internal/store"
)

// Ready returns the open tasks eligible to spawn: not blocked, not tagged
// needs-human, not of type reality, ordered by (priority asc, created_at
// asc).
func (s *Service) Ready(ctx context.Context) ([]*store.Task, error) {
	open, byID, err := s.openWithIndex(ctx)
	if err != nil {
		return nil, err
	}

	var ready []*store.Task
	for _, t := range open {
		if t.HasLabel(NeedsHumanLabel) || t.Type == "reality" {
			continue
		}
		if hasUnresolvedBlocker(t, byID) {
			continue
		}
		ready = append(ready, t)
	}
	sortReady(ready)
	return ready, nil
}

// Blocked returns the open tasks with at least one blocker not yet done.
func (s *Service) Blocked(ctx context.Context) ([]*store.Task, error) {
	open, byID, err := s.openWithIndex(ctx)
	if err != nil {
		return nil, err
	}

	var blocked []*store.Task
	for _, t := range open {
		if hasUnresolvedBlocker(t, byID) {
			blocked = append(blocked, t)
		}
	}
	sortReady(blocked)
	return blocked, nil
}

// Failed returns tasks whose latest run indicates failure. PIDs in
// excludePIDs (the runner's own live children) are treated as alive.
func (s *Service) Failed(ctx context.Context, excludePIDs map[int]bool) ([]*store.Task, error) {
	all, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var failed []*store.Task
	for _, t := range all {
		isFailed, err := s.IsFailed(ctx, t, excludePIDs)
		if err != nil {
			return nil, err
		}
		if isFailed {
			failed = append(failed, t)
		}
	}
	return failed, nil
}

// IsFailed reports whether the task's latest run points at a failure: a
// consumed task whose run exited nonzero, a consumed in-progress task whose
// run never got a pid, or an in-progress task whose recorded pid is gone.
func (s *Service) IsFailed(ctx context.Context, t *store.Task, excludePIDs map[int]bool) (bool, error) {
	latest, err := s.store.GetLatestRun(ctx, t.ID)
	if err != nil {
		return false, nil // no runs yet
	}

	if t.Consumed && latest.ExitCode != nil && *latest.ExitCode != 0 {
		return true, nil
	}
	if t.Status == store.TaskInProgress && t.Consumed && latest.PID == nil {
		return true, nil
	}
	if t.Status == store.TaskInProgress && latest.PID != nil {
		if excludePIDs[*latest.PID] {
			return false, nil
		}
		if !s.procAlive(*latest.PID) {
			return true, nil
		}
	}
	return false, nil
}

// openWithIndex loads open tasks plus a short-id index over every task, the
// two inputs the blocked-set scan needs.
func (s *Service) openWithIndex(ctx context.Context) ([]*store.Task, map[string]*store.Task, error) {
	all, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*store.Task, len(all))
	var open []*store.Task
	for _, t := range all {
		byID[t.ShortID] = t
		if t.Status == store.TaskOpen {
			open = append(open, t)
		}
	}
	return open, byID, nil
}

// hasUnresolvedBlocker counts a blocker when it exists and is not done.
// Dangling blocker ids are ignored.
func hasUnresolvedBlocker(t *store.Task, byID map[string]*store.Task) bool {
	for _, id := range t.BlockedBy {
		blocker, ok := byID[id]
		if !ok {
			continue
		}
		if blocker.Status != store.TaskDone {
			return true
		}
	}
	return false
}
