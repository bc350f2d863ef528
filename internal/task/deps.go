package task

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/store"
)

// AddDependency records that `from` is blocked by `to`. The add is rejected
// when it would make the blocked_by graph cyclic, leaving the graph
// unchanged.
func (s *Service) AddDependency(ctx context.Context, fromID, toID string) (*store.Task, error) {
	from, err := s.Find(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.Find(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.ShortID == to.ShortID {
		return nil, fmt.Errorf("task %s cannot block itself: %w", from.ShortID, ErrInvalidInput)
	}
	for _, b := range from.BlockedBy {
		if b == to.ShortID {
			return from, nil // already recorded
		}
	}

	reachable, err := s.canReach(ctx, to.ShortID, from.ShortID)
	if err != nil {
		return nil, err
	}
	if reachable {
		return nil, fmt.Errorf("%s -> %s would close a cycle: %w", from.ShortID, to.ShortID, ErrCycleDetected)
	}

	from.BlockedBy = append(from.BlockedBy, to.ShortID)
	if err := s.store.UpdateTask(ctx, from); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskUpdated, from)
	s.log.Info("dependency added",
		zap.String("task_id", from.ShortID), zap.String("blocked_by", to.ShortID))
	return from, nil
}

// RemoveDependency deletes `to` from `from`'s blocker list.
func (s *Service) RemoveDependency(ctx context.Context, fromID, toID string) (*store.Task, error) {
	from, err := s.Find(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.Find(ctx, toID)
	if err != nil {
		return nil, err
	}

	filtered := from.BlockedBy[:0]
	for _, b := range from.BlockedBy {
		if b != to.ShortID {
			filtered = append(filtered, b)
		}
	}
	from.BlockedBy = filtered
	if err := s.store.UpdateTask(ctx, from); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskUpdated, from)
	return from, nil
}

// Blockers returns the resolved tasks in the blocked_by list. Blockers whose
// task no longer exists are skipped.
func (s *Service) Blockers(ctx context.Context, idOrPrefix string) ([]*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	var blockers []*store.Task
	for _, id := range t.BlockedBy {
		b, err := s.store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		blockers = append(blockers, b)
	}
	return blockers, nil
}

// canReach runs a BFS over blocked_by edges, reporting whether target is
// reachable from start.
func (s *Service) canReach(ctx context.Context, start, target string) (bool, error) {
	all, err := s.store.ListTasks(ctx)
	if err != nil {
		return false, err
	}
	byID := make(map[string]*store.Task, len(all))
	for _, t := range all {
		byID[t.ShortID] = t
	}

	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == target {
			return true, nil
		}
		t, ok := byID[current]
		if !ok {
			continue
		}
		for _, next := range t.BlockedBy {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false, nil
}
