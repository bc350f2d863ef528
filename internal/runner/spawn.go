package runner

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/prompts"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/supervisor"
	"github.com/fueldev/fuel/pkg/wire"
)

// fillSlots walks the ready list in (priority, created_at) order and attempts
// one spawn per task. Gates are re-checked per task: an earlier spawn in the
// same tick may have consumed the agent's last slot.
func (r *Runner) fillSlots(ctx context.Context) {
	for _, t := range r.readyList(ctx) {
		if r.sup.IsRunning(t.ShortID) {
			continue
		}
		r.trySpawn(ctx, t, "")
	}
}

// agentFor resolves the agent name for a task: explicit override, then the
// task's own pin, then the complexity mapping.
func (r *Runner) agentFor(t *store.Task, override string) (string, bool) {
	if override != "" {
		return override, true
	}
	if t.Agent != "" {
		return t.Agent, true
	}
	return r.cfg.AgentFor(string(t.Complexity))
}

// trySpawn attempts to start one agent child for the task. All gates are
// soft: a skipped task stays ready and is reconsidered next tick. Returns
// true when a child was spawned.
func (r *Runner) trySpawn(ctx context.Context, t *store.Task, agentOverride string) bool {
	agentName, ok := r.agentFor(t, agentOverride)
	if !ok {
		return false
	}
	agentCfg, ok := r.cfg.Agent(agentName)
	if !ok {
		r.log.Warn("task pinned to unknown agent",
			zap.String("task_id", t.ShortID), zap.String("agent", agentName))
		return false
	}

	if !r.sup.CanSpawn(agentName) {
		return false
	}
	if available, err := r.health.IsAvailable(ctx, agentName); err != nil || !available {
		return false
	}
	if dead, err := r.health.IsDead(ctx, agentName, agentCfg.MaxRetries); err != nil || dead {
		return false
	}

	prompt, err := r.prompts.Render(prompts.TaskTemplate, map[string]string{
		"task_id":       t.ShortID,
		"title":         t.Title,
		"description":   t.Description,
		"complexity":    string(t.Complexity),
		"review_issues": strings.Join(t.LastReviewIssues, "\n- "),
	})
	if err != nil {
		r.log.Error("task prompt render failed",
			zap.String("task_id", t.ShortID), zap.Error(err))
		return false
	}

	runRow := &store.Run{
		Agent:            agentName,
		Model:            agentCfg.Model,
		RunnerInstanceID: r.inst.InstanceID,
	}
	if err := r.store.StartTaskWithRun(ctx, t, runRow); err != nil {
		r.log.Error("failed to claim task",
			zap.String("task_id", t.ShortID), zap.Error(err))
		return false
	}
	r.invalidateReadyCache()

	argv := prompts.BuildArgv(agentCfg.Command, agentCfg.Args, agentCfg.PromptArgs, prompt)
	proc, err := r.sup.Spawn(supervisor.SpawnRequest{
		TaskID:      t.ShortID,
		Agent:       agentName,
		Command:     argv,
		Dir:         r.workDir,
		Env:         agentCfg.Env,
		ProcessType: supervisor.ProcessTask,
		RunID:       runRow.ShortID,
		Model:       agentCfg.Model,
	})
	if err != nil {
		// Revert the claim; the orphaned run is swept by cleanup.
		r.log.Error("spawn failed, reverting task to open",
			zap.String("task_id", t.ShortID),
			zap.String("agent", agentName),
			zap.Error(err))
		if _, rerr := r.tasks.Reopen(ctx, t.ShortID); rerr != nil {
			r.log.Error("failed to revert task after spawn failure",
				zap.String("task_id", t.ShortID), zap.Error(rerr))
		}
		return false
	}

	if _, err := r.runs.UpdateRun(ctx, runRow.ShortID, func(run *store.Run) {
		pid := proc.PID
		run.PID = &pid
	}); err != nil {
		r.log.Warn("failed to record child pid",
			zap.String("run_id", runRow.ShortID), zap.Error(err))
	}

	r.server.Broadcast(&wire.TaskSpawnedEvent{
		Envelope: r.envelope(wire.EvTaskSpawned),
		TaskID:   t.ShortID,
		RunID:    runRow.ShortID,
		Agent:    agentName,
	})
	r.publish(ctx, events.RunStarted, map[string]interface{}{
		"task_id": t.ShortID,
		"run_id":  runRow.ShortID,
		"agent":   agentName,
	})
	return true
}
