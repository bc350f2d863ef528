package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/ipc"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/supervisor"
	"github.com/fueldev/fuel/internal/task"
	"github.com/fueldev/fuel/pkg/wire"
)

// dispatch routes one decoded command. Failures answer the issuing client
// with a targeted error event; nothing here blocks the tick.
func (r *Runner) dispatch(ctx context.Context, client ipc.ClientID, cmd wire.Command) {
	switch c := cmd.(type) {
	case *wire.AttachCommand:
		r.sendSnapshotTo(ctx, client)

	case *wire.DetachCommand:
		// Nothing to tear down server-side; the client closes its socket.

	case *wire.PauseCommand:
		r.paused = true
		r.statusLine("info", "consume paused")
		r.publish(ctx, events.RunnerPaused, nil)

	case *wire.ResumeCommand:
		r.paused = false
		r.invalidateReadyCache()
		r.statusLine("info", "consume resumed")
		r.publish(ctx, events.RunnerResumed, nil)

	case *wire.StopCommand:
		r.stopRequested = true
		r.stopForce = c.Mode == wire.StopForce
		r.log.Info("stop requested", zap.String("mode", c.Mode))

	case *wire.ReloadConfigCommand:
		r.reloadConfig(client)

	case *wire.RequestSnapshotCommand:
		r.sendSnapshotTo(ctx, client)

	case *wire.SetTaskReviewEnabledCommand:
		r.reviewEnabled = c.Enabled
		r.statusLine("info", fmt.Sprintf("task review enabled: %t", c.Enabled))

	case *wire.TaskStartCommand:
		r.dispatchTaskStart(ctx, client, c)

	case *wire.TaskReopenCommand:
		if _, err := r.tasks.Reopen(ctx, c.TaskID); err != nil {
			r.sendError(client, err)
			return
		}
		r.invalidateReadyCache()
		r.broadcastSnapshot(ctx)

	case *wire.TaskDoneCommand:
		if _, err := r.tasks.Done(ctx, c.TaskID, c.Reason, c.CommitHash); err != nil {
			r.sendError(client, err)
			return
		}
		r.invalidateReadyCache()
		r.broadcastSnapshot(ctx)

	case *wire.TaskCreateCommand:
		r.dispatchTaskCreate(ctx, client, c)

	case *wire.DependencyAddCommand:
		if _, err := r.tasks.AddDependency(ctx, c.TaskID, c.BlockerTaskID); err != nil {
			r.sendError(client, err)
			return
		}
		r.invalidateReadyCache()
		r.broadcastSnapshot(ctx)

	case *wire.RequestDoneTasksCommand:
		r.sendDoneTasks(ctx, client)

	case *wire.RequestBlockedTasksCommand:
		r.sendBlockedTasks(ctx, client)

	case *wire.RequestCompletedTasksCommand:
		r.sendCompletedTasks(ctx, client)

	case *wire.BrowserCommand:
		r.dispatchBrowser(ctx, client, c)

	default:
		r.sendError(client, fmt.Errorf("unhandled command type: %s", cmd.MessageType()))
	}
}

func (r *Runner) dispatchTaskStart(ctx context.Context, client ipc.ClientID, c *wire.TaskStartCommand) {
	t, err := r.tasks.Find(ctx, c.TaskID)
	if err != nil {
		r.sendError(client, err)
		return
	}
	if r.sup.IsRunning(t.ShortID) {
		r.sendError(client, fmt.Errorf("task %s already has a running agent", t.ShortID))
		return
	}
	if !task.CanTransition(t.Status, store.TaskInProgress) {
		r.sendError(client, fmt.Errorf("task %s is %s and cannot be started", t.ShortID, t.Status))
		return
	}
	if !r.trySpawn(ctx, t, c.AgentOverride) {
		r.sendError(client, fmt.Errorf("could not start task %s: no agent slot available", t.ShortID))
		return
	}
	r.broadcastSnapshot(ctx)
}

func (r *Runner) dispatchTaskCreate(ctx context.Context, client ipc.ClientID, c *wire.TaskCreateCommand) {
	resp := &wire.TaskCreateResponseEvent{Envelope: r.envelope(wire.EvTaskCreateResponse)}
	resp.RequestID = c.RequestID

	t, err := r.tasks.Create(ctx, task.CreateRequest{
		Title:       c.Title,
		Description: c.Description,
		Type:        c.TaskType,
		Priority:    c.Priority,
		Complexity:  c.Complexity,
		Labels:      c.Labels,
		BlockedBy:   c.BlockedBy,
		EpicID:      c.EpicID,
	})
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		r.server.SendTo(client, resp)
		return
	}
	resp.Success = true
	resp.TaskID = t.ShortID
	r.server.SendTo(client, resp)
	r.invalidateReadyCache()
	r.broadcastSnapshot(ctx)
}

func (r *Runner) sendDoneTasks(ctx context.Context, client ipc.ClientID) {
	done, err := r.store.ListTasksByStatus(ctx, taskDoneStatus)
	if err != nil {
		r.sendError(client, err)
		return
	}
	r.server.SendTo(client, &wire.DoneTasksEvent{
		Envelope: r.envelope(wire.EvDoneTasks),
		Tasks:    taskViews(done),
		Total:    len(done),
	})
}

func (r *Runner) sendBlockedTasks(ctx context.Context, client ipc.ClientID) {
	blocked, err := r.tasks.Blocked(ctx)
	if err != nil {
		r.sendError(client, err)
		return
	}
	r.server.SendTo(client, &wire.BlockedTasksEvent{
		Envelope: r.envelope(wire.EvBlockedTasks),
		Tasks:    taskViews(blocked),
		Total:    len(blocked),
	})
}

// sendCompletedTasks answers with the done list plus the all-time run total,
// so clients can show "N of M runs succeeded" style summaries.
func (r *Runner) sendCompletedTasks(ctx context.Context, client ipc.ClientID) {
	done, err := r.store.ListTasksByStatus(ctx, taskDoneStatus)
	if err != nil {
		r.sendError(client, err)
		return
	}
	total := len(done)
	if stats, err := r.runs.Stats(ctx); err == nil {
		total = stats.Total
	}
	r.server.SendTo(client, &wire.CompletedTasksEvent{
		Envelope: r.envelope(wire.EvCompletedTasks),
		Tasks:    taskViews(done),
		Total:    total,
	})
}

// dispatchBrowser proxies a browser_* command on a goroutine so a slow
// helper never stalls the tick. The reply goes only to the issuing client.
func (r *Runner) dispatchBrowser(ctx context.Context, client ipc.ClientID, c *wire.BrowserCommand) {
	if r.browser == nil || !r.browser.Enabled() {
		r.sendError(client, fmt.Errorf("browser helper is not configured"))
		return
	}
	method := c.MessageType()
	go func() {
		result, err := r.browser.Call(ctx, method, c.Params)
		if err != nil {
			r.sendError(client, err)
			return
		}
		r.server.SendTo(client, &wire.StatusLineEvent{
			Envelope: r.envelope(wire.EvStatusLine),
			Level:    "info",
			Text:     fmt.Sprintf("%s: %s", method, string(result)),
		})
	}()
}

// reloadConfig re-reads config.yaml and pushes the new agent policies into
// the supervisor and review service. The data dir and port are fixed for the
// daemon's lifetime.
func (r *Runner) reloadConfig(client ipc.ClientID) {
	cfg, err := config.LoadWithPath(r.configPath)
	if err != nil {
		r.sendError(client, fmt.Errorf("config reload failed: %w", err))
		return
	}
	r.cfg = cfg
	r.sup.SetPolicies(SupervisorPolicies(cfg))
	r.reviews.SetConfig(cfg)
	r.invalidateReadyCache()
	r.server.Broadcast(&wire.ConfigReloadedEvent{Envelope: r.envelope(wire.EvConfigReloaded)})
	r.log.Info("config reloaded")
}

// SupervisorPolicies projects agent config into the supervisor's policy map.
func SupervisorPolicies(cfg *config.Config) map[string]supervisor.AgentPolicy {
	policies := make(map[string]supervisor.AgentPolicy, len(cfg.Agents))
	for name, a := range cfg.Agents {
		policies[name] = supervisor.AgentPolicy{
			ConcurrencyLimit:   a.ConcurrencyLimit,
			PermissionPatterns: a.PermissionPatterns,
			NetworkPatterns:    a.NetworkPatterns,
		}
	}
	return policies
}

func (r *Runner) sendError(client ipc.ClientID, err error) {
	r.server.SendTo(client, &wire.ErrorEvent{
		Envelope: r.envelope(wire.EvError),
		Message:  err.Error(),
	})
}
