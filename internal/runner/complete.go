package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/health"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/supervisor"
	"github.com/fueldev/fuel/internal/task"
	"github.com/fueldev/fuel/pkg/wire"
)

// handleCompletion reacts to one task-type child exit: persist the run,
// announce it, then branch on the classification.
func (r *Runner) handleCompletion(ctx context.Context, res supervisor.CompletionResult) {
	if _, err := r.runs.UpdateRun(ctx, res.RunID, func(run *store.Run) {
		now := time.Now().UTC()
		run.EndedAt = &now
		code := res.ExitCode
		run.ExitCode = &code
		run.Output = res.Output
		run.SessionID = res.SessionID
		run.CostUSD = res.CostUSD
		if res.Model != "" {
			run.Model = res.Model
		}
		if res.ExitCode == 0 {
			run.Status = store.RunCompleted
		} else {
			run.Status = store.RunFailed
		}
	}); err != nil {
		r.log.Error("failed to record completed run",
			zap.String("run_id", res.RunID), zap.Error(err))
	}

	r.server.Broadcast(&wire.TaskCompletedEvent{
		Envelope:       r.envelope(wire.EvTaskCompleted),
		TaskID:         res.TaskID,
		RunID:          res.RunID,
		ExitCode:       res.ExitCode,
		CompletionType: string(res.Type),
	})
	r.log.Info("task run completed",
		zap.String("task_id", res.TaskID),
		zap.String("agent", res.Agent),
		zap.Int("exit_code", res.ExitCode),
		zap.String("completion_type", string(res.Type)))
	r.publish(ctx, events.RunCompleted, map[string]interface{}{
		"task_id":         res.TaskID,
		"run_id":          res.RunID,
		"agent":           res.Agent,
		"exit_code":       res.ExitCode,
		"completion_type": string(res.Type),
	})

	switch res.Type {
	case supervisor.CompletionSuccess:
		r.completeSuccess(ctx, res)
	case supervisor.CompletionFailed:
		r.completeFailure(ctx, res, health.FailureAgent)
	case supervisor.CompletionNetworkError:
		r.completeFailure(ctx, res, health.FailureNetwork)
	case supervisor.CompletionPermissionBlocked:
		r.completePermissionBlocked(ctx, res)
	}
	r.invalidateReadyCache()
}

func (r *Runner) completeSuccess(ctx context.Context, res supervisor.CompletionResult) {
	if err := r.health.RecordSuccess(ctx, res.Agent); err != nil {
		r.log.Warn("failed to record agent success", zap.String("agent", res.Agent), zap.Error(err))
	}
	delete(r.retryCounts, res.TaskID)

	t, err := r.tasks.Find(ctx, res.TaskID)
	if err != nil {
		r.log.Error("completed run for unknown task", zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}

	if r.reviewEnabled {
		triggered, err := r.reviews.Trigger(ctx, t)
		if err != nil {
			// A reviewer was wanted but could not start; closing the task now
			// would skip arbitration. Leave it for RecoverStuckReviews or a
			// human instead of auto-closing.
			r.log.Error("review trigger failed", zap.String("task_id", t.ShortID), zap.Error(err))
			return
		}
		if triggered {
			r.publish(ctx, events.ReviewStarted, map[string]interface{}{
				"task_id": t.ShortID,
			})
			return
		}
	}
	r.autoDone(ctx, t)
}

// autoDone closes a successful task when no reviewer arbitrates it.
func (r *Runner) autoDone(ctx context.Context, t *store.Task) {
	if _, err := r.tasks.Update(ctx, t.ShortID, task.UpdateRequest{
		AddLabels: []string{task.AutoClosedLabel},
	}); err != nil {
		r.log.Error("failed to label auto-closed task", zap.String("task_id", t.ShortID), zap.Error(err))
	}
	if _, err := r.tasks.Done(ctx, t.ShortID, AutoDoneReason, ""); err != nil {
		r.log.Error("failed to auto-close task", zap.String("task_id", t.ShortID), zap.Error(err))
	}
}

// completeFailure records the failure and retries while the in-memory
// attempt budget lasts; an exhausted task stays in_progress for a human or
// an explicit retry.
func (r *Runner) completeFailure(ctx context.Context, res supervisor.CompletionResult, kind health.FailureKind) {
	if err := r.health.RecordFailure(ctx, res.Agent, kind); err != nil {
		r.log.Warn("failed to record agent failure", zap.String("agent", res.Agent), zap.Error(err))
	}

	maxAttempts := 3
	if a, ok := r.cfg.Agent(res.Agent); ok && a.MaxAttempts > 0 {
		maxAttempts = a.MaxAttempts
	}
	if r.retryCounts[res.TaskID] < maxAttempts-1 {
		r.retryCounts[res.TaskID]++
		if _, err := r.tasks.Reopen(ctx, res.TaskID); err != nil {
			r.log.Error("failed to reopen task for retry",
				zap.String("task_id", res.TaskID), zap.Error(err))
			return
		}
		r.log.Info("task reopened for retry",
			zap.String("task_id", res.TaskID),
			zap.Int("attempt", r.retryCounts[res.TaskID]+1),
			zap.Int("max_attempts", maxAttempts))
		return
	}
	r.log.Warn("task exhausted its attempt budget",
		zap.String("task_id", res.TaskID), zap.Int("max_attempts", maxAttempts))
}

// completePermissionBlocked files a needs-human remediation task, blocks the
// original on it, and reopens the original so it resumes once a human fixes
// the agent's permissions.
func (r *Runner) completePermissionBlocked(ctx context.Context, res supervisor.CompletionResult) {
	if err := r.health.RecordFailure(ctx, res.Agent, health.FailurePermission); err != nil {
		r.log.Warn("failed to record permission failure", zap.String("agent", res.Agent), zap.Error(err))
	}
	delete(r.retryCounts, res.TaskID)

	priority := 1
	remediation, err := r.tasks.Create(ctx, task.CreateRequest{
		Title:       fmt.Sprintf("Configure agent permissions for %s", res.Agent),
		Description: fmt.Sprintf("Agent %q was blocked by a permission prompt while working on %s. Grant the required permissions, then mark this task done; the blocked task resumes automatically.", res.Agent, res.TaskID),
		Priority:    &priority,
		Labels:      []string{task.NeedsHumanLabel},
	})
	if err != nil {
		r.log.Error("failed to create permission remediation task",
			zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	if _, err := r.tasks.AddDependency(ctx, res.TaskID, remediation.ShortID); err != nil {
		r.log.Error("failed to block task on remediation",
			zap.String("task_id", res.TaskID),
			zap.String("blocker", remediation.ShortID),
			zap.Error(err))
	}
	if _, err := r.tasks.Reopen(ctx, res.TaskID); err != nil {
		r.log.Error("failed to reopen permission-blocked task",
			zap.String("task_id", res.TaskID), zap.Error(err))
	}
	r.statusLine("warn", fmt.Sprintf("%s needs permission configuration; filed %s", res.Agent, remediation.ShortID))
}

// handleReviewCompletion finishes arbitration for an exited reviewer and
// announces the verdict.
func (r *Runner) handleReviewCompletion(ctx context.Context, res supervisor.CompletionResult) {
	outcome, err := r.reviews.HandleCompletion(ctx, res)
	if err != nil {
		r.log.Error("review completion handling failed",
			zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	r.server.Broadcast(&wire.ReviewCompletedEvent{
		Envelope:       r.envelope(wire.EvReviewCompleted),
		TaskID:         outcome.TaskID,
		Passed:         outcome.Passed,
		Issues:         outcome.Issues,
		WasAlreadyDone: outcome.WasAlreadyDone,
	})
	r.publish(ctx, events.ReviewCompleted, map[string]interface{}{
		"task_id": outcome.TaskID,
		"passed":  outcome.Passed,
	})
	r.invalidateReadyCache()
}
