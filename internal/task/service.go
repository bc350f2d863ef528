// Package task implements the task state machine, dependency graph, and
// ready/blocked/failed set computations on top of the store.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/events/bus"
	"github.com/fueldev/fuel/internal/store"
)

// NeedsHumanLabel excludes a task from the ready set until a human clears it.
const NeedsHumanLabel = "needs-human"

// AutoClosedLabel marks tasks closed by the auto-done policy.
const AutoClosedLabel = "auto-closed"

// Service owns all task mutations. Every accepted status change is validated
// against the state machine; every mutation publishes a bus event.
type Service struct {
	store     *store.Store
	bus       bus.EventBus
	log       *logger.Logger
	procAlive func(pid int) bool
}

// NewService creates the task service. procAlive may be nil, in which case a
// kill(pid, 0) probe is used.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger, procAlive func(pid int) bool) *Service {
	if procAlive == nil {
		procAlive = defaultProcAlive
	}
	return &Service{store: st, bus: eventBus, log: log, procAlive: procAlive}
}

func defaultProcAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// CreateRequest carries the fields accepted at task creation.
type CreateRequest struct {
	Title       string
	Description string
	Type        string
	Priority    *int
	Complexity  string
	Labels      []string
	BlockedBy   []string
	EpicID      string // epic short id, resolved to the row id at write time
	Agent       string
}

// Create validates and inserts a new task.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title is required: %w", ErrInvalidInput)
	}

	t := &store.Task{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      store.TaskOpen,
		Type:        store.TaskType("task"),
		Priority:    2,
		Complexity:  store.Complexity("moderate"),
		Labels:      dedupeLabels(req.Labels),
		BlockedBy:   []string{},
		Agent:       req.Agent,
	}
	if req.Type != "" {
		t.Type = store.TaskType(req.Type)
	}
	if !store.ValidTaskType(t.Type) {
		return nil, fmt.Errorf("unknown task type %q: %w", req.Type, ErrInvalidInput)
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if t.Priority < 0 || t.Priority > 4 {
		return nil, fmt.Errorf("priority must be 0..4, got %d: %w", t.Priority, ErrInvalidInput)
	}
	if req.Complexity != "" {
		t.Complexity = store.Complexity(req.Complexity)
	}
	if !store.ValidComplexity(t.Complexity) {
		return nil, fmt.Errorf("unknown complexity %q: %w", req.Complexity, ErrInvalidInput)
	}

	if req.EpicID != "" {
		epic, err := s.store.GetEpic(ctx, req.EpicID)
		if err != nil {
			return nil, fmt.Errorf("epic %s: %w", req.EpicID, ErrNotFound)
		}
		t.EpicID = &epic.ID
	}

	for _, blocker := range req.BlockedBy {
		resolved, err := s.Find(ctx, blocker)
		if err != nil {
			return nil, err
		}
		t.BlockedBy = append(t.BlockedBy, resolved.ShortID)
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskCreated, t)
	s.log.Info("task created",
		zap.String("task_id", t.ShortID), zap.String("title", t.Title))
	return t, nil
}

// Find resolves a task by exact short id, then by the bare suffix with the
// implicit f- prefix, then by unique prefix. Multiple prefix matches fail
// with the matching ids listed.
func (s *Service) Find(ctx context.Context, idOrPrefix string) (*store.Task, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, fmt.Errorf("empty task id: %w", ErrInvalidInput)
	}

	if t, err := s.store.GetTask(ctx, idOrPrefix); err == nil {
		return t, nil
	}
	if !strings.HasPrefix(idOrPrefix, store.TaskIDPrefix) {
		if t, err := s.store.GetTask(ctx, store.TaskIDPrefix+idOrPrefix); err == nil {
			return t, nil
		}
	}

	prefix := idOrPrefix
	if !strings.HasPrefix(prefix, store.TaskIDPrefix) {
		prefix = store.TaskIDPrefix + prefix
	}
	matches, err := s.store.SearchTasksByShortIDPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ShortID
		}
		return nil, fmt.Errorf("%s matches %s: %w", idOrPrefix, strings.Join(ids, ", "), ErrAmbiguousID)
	}
}

// UpdateRequest is a partial patch; nil fields are left unchanged. Labels
// are mutated only through AddLabels/RemoveLabels so they stay a set.
type UpdateRequest struct {
	Title        *string
	Description  *string
	Status       *string
	Type         *string
	Priority     *int
	Complexity   *string
	AddLabels    []string
	RemoveLabels []string
	Agent        *string
	EpicID       *string // empty string detaches
	Reason       *string
	CommitHash   *string
}

// Update applies the patch after validating enums, range, and the status
// lattice.
func (s *Service) Update(ctx context.Context, idOrPrefix string, req UpdateRequest) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	prevStatus := t.Status

	if req.Status != nil {
		next := store.TaskStatus(*req.Status)
		if !store.ValidTaskStatus(next) {
			return nil, fmt.Errorf("unknown status %q: %w", *req.Status, ErrInvalidInput)
		}
		if !CanTransition(t.Status, next) {
			return nil, fmt.Errorf("cannot move %s from %s to %s: %w", t.ShortID, t.Status, next, ErrInvalidTransition)
		}
		t.Status = next
	}
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, fmt.Errorf("title must not be empty: %w", ErrInvalidInput)
		}
		t.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Type != nil {
		if !store.ValidTaskType(store.TaskType(*req.Type)) {
			return nil, fmt.Errorf("unknown task type %q: %w", *req.Type, ErrInvalidInput)
		}
		t.Type = store.TaskType(*req.Type)
	}
	if req.Priority != nil {
		if *req.Priority < 0 || *req.Priority > 4 {
			return nil, fmt.Errorf("priority must be 0..4, got %d: %w", *req.Priority, ErrInvalidInput)
		}
		t.Priority = *req.Priority
	}
	if req.Complexity != nil {
		if !store.ValidComplexity(store.Complexity(*req.Complexity)) {
			return nil, fmt.Errorf("unknown complexity %q: %w", *req.Complexity, ErrInvalidInput)
		}
		t.Complexity = store.Complexity(*req.Complexity)
	}
	if req.Agent != nil {
		t.Agent = *req.Agent
	}
	if req.Reason != nil {
		t.Reason = *req.Reason
	}
	if req.CommitHash != nil {
		t.CommitHash = *req.CommitHash
	}
	if req.EpicID != nil {
		if *req.EpicID == "" {
			t.EpicID = nil
		} else {
			epic, err := s.store.GetEpic(ctx, *req.EpicID)
			if err != nil {
				return nil, fmt.Errorf("epic %s: %w", *req.EpicID, ErrNotFound)
			}
			t.EpicID = &epic.ID
		}
	}
	for _, l := range req.AddLabels {
		if !t.HasLabel(l) {
			t.Labels = append(t.Labels, l)
		}
	}
	for _, l := range req.RemoveLabels {
		t.Labels = removeLabel(t.Labels, l)
	}

	if t.Status == store.TaskDone {
		t.LastReviewIssues = nil
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	if t.Status != prevStatus {
		s.publishStatusChange(ctx, t, prevStatus)
	} else {
		s.publish(ctx, events.TaskUpdated, t)
	}
	return t, nil
}

// Done marks the task done, clearing review issues. Already-done tasks pass
// through unchanged.
func (s *Service) Done(ctx context.Context, idOrPrefix, reason, commitHash string) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if t.Status == store.TaskDone {
		return t, nil
	}
	if !CanTransition(t.Status, store.TaskDone) {
		return nil, fmt.Errorf("cannot mark %s done from %s: %w", t.ShortID, t.Status, ErrInvalidTransition)
	}

	prev := t.Status
	t.Status = store.TaskDone
	t.LastReviewIssues = nil
	if reason != "" {
		t.Reason = reason
	}
	if commitHash != "" {
		t.CommitHash = commitHash
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, prev)
	s.log.Info("task done", zap.String("task_id", t.ShortID), zap.String("reason", reason))
	return t, nil
}

// Reopen returns a task to open so it can be picked up again. Invalid from
// open or someday.
func (s *Service) Reopen(ctx context.Context, idOrPrefix string) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case store.TaskOpen, store.TaskSomeday:
		return nil, fmt.Errorf("cannot reopen %s from %s: %w", t.ShortID, t.Status, ErrInvalidTransition)
	case store.TaskCancelled:
		return nil, fmt.Errorf("cannot reopen cancelled task %s: %w", t.ShortID, ErrInvalidTransition)
	}

	prev := t.Status
	t.Status = store.TaskOpen
	t.Consumed = false
	t.ConsumedAt = nil
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, prev)
	return t, nil
}

// Retry reopens a failed task for another attempt.
func (s *Service) Retry(ctx context.Context, idOrPrefix string) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	failed, err := s.IsFailed(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	if !failed && t.Status != store.TaskInProgress {
		return nil, fmt.Errorf("task %s has no failed run to retry: %w", t.ShortID, ErrInvalidInput)
	}
	return s.Reopen(ctx, t.ShortID)
}

// Defer moves an open task to someday.
func (s *Service) Defer(ctx context.Context, idOrPrefix string) (*store.Task, error) {
	return s.shift(ctx, idOrPrefix, store.TaskOpen, store.TaskSomeday)
}

// Promote moves a someday task back to open.
func (s *Service) Promote(ctx context.Context, idOrPrefix string) (*store.Task, error) {
	return s.shift(ctx, idOrPrefix, store.TaskSomeday, store.TaskOpen)
}

// Cancel tombstones a task.
func (s *Service) Cancel(ctx context.Context, idOrPrefix string) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if t.Status == store.TaskCancelled {
		return t, nil
	}
	prev := t.Status
	t.Status = store.TaskCancelled
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, prev)
	return t, nil
}

// SetLastReviewIssues stores the reviewer's findings on the task. A nil
// slice clears them.
func (s *Service) SetLastReviewIssues(ctx context.Context, idOrPrefix string, issues []string) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	t.LastReviewIssues = issues
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskUpdated, t)
	return t, nil
}

func (s *Service) shift(ctx context.Context, idOrPrefix string, from, to store.TaskStatus) (*store.Task, error) {
	t, err := s.Find(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if t.Status != from {
		return nil, fmt.Errorf("cannot move %s from %s to %s: %w", t.ShortID, t.Status, to, ErrInvalidTransition)
	}
	t.Status = to
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, from)
	return t, nil
}

func (s *Service) publish(ctx context.Context, subject string, t *store.Task) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "task-service", map[string]interface{}{
		"task_id": t.ShortID,
		"status":  string(t.Status),
	})
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.log.Warn("failed to publish task event", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Service) publishStatusChange(ctx context.Context, t *store.Task, prev store.TaskStatus) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(events.TaskStatusChanged, "task-service", map[string]interface{}{
		"task_id":     t.ShortID,
		"status":      string(t.Status),
		"prev_status": string(prev),
	})
	if err := s.bus.Publish(ctx, events.TaskStatusChanged, ev); err != nil {
		s.log.Warn("failed to publish status change", zap.Error(err))
	}
}

func dedupeLabels(labels []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func removeLabel(labels []string, label string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}

// sortReady orders tasks by (priority asc, created_at asc).
func sortReady(tasks []*store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
