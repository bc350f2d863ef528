// Package runner drives the consume daemon's cooperative tick loop: it
// accepts IPC clients, dispatches their commands, fills agent slots from the
// ready list, reaps completions, arbitrates reviews, and broadcasts
// diff-gated snapshots.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/browser"
	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/events"
	"github.com/fueldev/fuel/internal/events/bus"
	"github.com/fueldev/fuel/internal/health"
	"github.com/fueldev/fuel/internal/ipc"
	"github.com/fueldev/fuel/internal/lifecycle"
	"github.com/fueldev/fuel/internal/prompts"
	"github.com/fueldev/fuel/internal/review"
	"github.com/fueldev/fuel/internal/run"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/supervisor"
	"github.com/fueldev/fuel/internal/task"
	"github.com/fueldev/fuel/pkg/wire"
)

// AutoDoneReason is stamped on tasks closed without review.
const AutoDoneReason = "Auto-completed by consume (agent exit 0)"

// Deps bundles everything the runner composes over.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Store      *store.Store
	Tasks      *task.Service
	Runs       *run.Service
	Reviews    *review.Service
	Health     *health.Tracker
	Supervisor *supervisor.Supervisor
	Server     *ipc.Server
	Bus        bus.EventBus
	Browser    *browser.Client
	Prompts    *prompts.Renderer
	Instance   *lifecycle.Instance
	WorkDir    string
	Log        *logger.Logger
}

// Runner owns the tick loop. All fields are tick-owned; the only concurrent
// touch points are the supervisor's output callback and the IPC goroutines,
// both of which go through thread-safe surfaces.
type Runner struct {
	cfg        *config.Config
	configPath string
	store      *store.Store
	tasks      *task.Service
	runs       *run.Service
	reviews    *review.Service
	health     *health.Tracker
	sup        *supervisor.Supervisor
	server     *ipc.Server
	bus        bus.EventBus
	browser    *browser.Client
	prompts    *prompts.Renderer
	inst       *lifecycle.Instance
	workDir    string
	log        *logger.Logger

	startedAt     time.Time
	paused        bool
	reviewEnabled bool
	stopRequested bool
	stopForce     bool

	readyCache   []*store.Task
	readyCacheAt time.Time

	// In-memory per-task attempt counters; a daemon restart grants a fresh
	// retry budget.
	retryCounts map[string]int

	reviewQueue []supervisor.CompletionResult

	lastHealth       map[string]health.Status
	lastSnapshotHash string
	lastBroadcastAt  time.Time
}

// New assembles the runner. Review arbitration starts enabled; the runtime
// flag only matters once a reviewer agent is configured.
func New(d Deps) *Runner {
	d.Server.SetInstanceID(d.Instance.InstanceID)
	return &Runner{
		cfg:           d.Config,
		configPath:    d.ConfigPath,
		store:         d.Store,
		tasks:         d.Tasks,
		runs:          d.Runs,
		reviews:       d.Reviews,
		health:        d.Health,
		sup:           d.Supervisor,
		server:        d.Server,
		bus:           d.Bus,
		browser:       d.Browser,
		prompts:       d.Prompts,
		inst:          d.Instance,
		workDir:       d.WorkDir,
		log:           d.Log,
		startedAt:     time.Now().UTC(),
		reviewEnabled: true,
		retryCounts:   make(map[string]int),
		lastHealth:    make(map[string]health.Status),
	}
}

// publish emits a daemon lifecycle event on the bus, when one is wired.
func (r *Runner) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "consume", data)
	if err := r.bus.Publish(ctx, subject, ev); err != nil {
		r.log.Warn("failed to publish daemon event", zap.String("subject", subject), zap.Error(err))
	}
}

// envelope stamps an outbound event envelope with this daemon's instance id.
func (r *Runner) envelope(msgType string) wire.Envelope {
	env := wire.NewEnvelope(msgType)
	env.InstanceID = r.inst.InstanceID
	return env
}

// Run executes the tick loop until a stop command, a signal, or context
// cancellation, then drains children and tears the server down.
func (r *Runner) Run(ctx context.Context) error {
	r.sup.RegisterSignalHandlers()
	r.sup.SetOutputCallback(r.onOutputChunk)

	if cleaned, err := r.runs.CleanupOrphanedRuns(ctx); err != nil {
		return err
	} else if cleaned > 0 {
		r.log.Info("orphaned runs recovered at startup", zap.Int("count", cleaned))
	}
	if recovered, err := r.reviews.RecoverStuckReviews(ctx); err != nil {
		r.log.Warn("stuck review recovery failed", zap.Error(err))
	} else if len(recovered) > 0 {
		r.log.Info("stuck reviews recovered at startup", zap.Strings("task_ids", recovered))
	}

	r.publish(ctx, events.RunnerStarted, map[string]interface{}{
		"instance_id": r.inst.InstanceID,
		"port":        r.inst.Port,
	})

	interval := r.cfg.Consume.IntervalDuration()
	for {
		r.tick(ctx)
		if r.stopRequested || r.sup.ShuttingDown() {
			break
		}
		select {
		case <-ctx.Done():
			r.stopRequested = true
		case <-time.After(interval):
		}
		if r.stopRequested {
			break
		}
	}

	r.log.Info("runner stopping", zap.Bool("force", r.stopForce))
	r.publish(ctx, events.RunnerStopping, map[string]interface{}{
		"instance_id": r.inst.InstanceID,
		"force":       r.stopForce,
	})
	if r.stopForce {
		r.sup.KillAll()
	}
	r.sup.Shutdown()
	if r.browser != nil {
		r.browser.Close()
	}
	r.server.Stop()
	return nil
}

// tick runs one pass of the loop; every step is non-blocking.
func (r *Runner) tick(ctx context.Context) {
	for _, id := range r.server.Accept() {
		r.server.SendTo(id, &wire.HelloEvent{
			Envelope: r.envelope(wire.EvHello),
			Version:  wire.Version,
		})
		r.sendSnapshotTo(ctx, id)
	}

	for clientID, cmds := range r.server.Poll() {
		for _, cmd := range cmds {
			r.dispatch(ctx, clientID, cmd)
		}
	}

	if r.stopRequested || r.sup.ShuttingDown() {
		return
	}

	r.diffHealth(ctx)

	if !r.paused {
		r.fillSlots(ctx)
	}

	for _, res := range r.sup.Poll() {
		if res.ProcessType == supervisor.ProcessReview {
			r.reviewQueue = append(r.reviewQueue, res)
			continue
		}
		r.handleCompletion(ctx, res)
	}

	if len(r.reviewQueue) > 0 {
		queue := r.reviewQueue
		r.reviewQueue = nil
		for _, res := range queue {
			r.handleReviewCompletion(ctx, res)
		}
	}

	r.maybeBroadcastSnapshot(ctx)
}

// onOutputChunk mirrors captured child output to attached clients. It runs
// on the supervisor's reader goroutines; Broadcast is safe there.
func (r *Runner) onOutputChunk(taskID, stream string, chunk []byte) {
	runID := ""
	if p, ok := r.sup.Get(taskID); ok {
		runID = p.RunID
	}
	r.server.Broadcast(&wire.OutputChunkEvent{
		Envelope: r.envelope(wire.EvOutputChunk),
		TaskID:   taskID,
		RunID:    runID,
		Stream:   stream,
		Chunk:    string(chunk),
	})
}

// diffHealth broadcasts a health_change for every agent whose summary status
// moved since the previous tick.
func (r *Runner) diffHealth(ctx context.Context) {
	current, err := r.health.AllStatus(ctx, r.maxRetriesByAgent())
	if err != nil {
		r.log.Warn("health status scan failed", zap.Error(err))
		return
	}
	for agent, status := range current {
		if prev, seen := r.lastHealth[agent]; seen && prev != status {
			r.server.Broadcast(&wire.HealthChangeEvent{
				Envelope: r.envelope(wire.EvHealthChange),
				Agent:    agent,
				Status:   string(status),
			})
			r.publish(ctx, events.AgentHealthChanged, map[string]interface{}{
				"agent": agent,
				"from":  string(prev),
				"to":    string(status),
			})
			r.log.Info("agent health changed",
				zap.String("agent", agent),
				zap.String("from", string(prev)),
				zap.String("to", string(status)))
		}
	}
	r.lastHealth = current
}

func (r *Runner) maxRetriesByAgent() map[string]int {
	out := make(map[string]int, len(r.cfg.Agents))
	for name, a := range r.cfg.Agents {
		out[name] = a.MaxRetries
	}
	return out
}

// invalidateReadyCache forces the next fillSlots to re-read the ready list.
func (r *Runner) invalidateReadyCache() {
	r.readyCacheAt = time.Time{}
}

// readyList returns the ready set, cached for the configured TTL.
func (r *Runner) readyList(ctx context.Context) []*store.Task {
	if time.Since(r.readyCacheAt) < r.cfg.Consume.ReadyCacheTTL() {
		return r.readyCache
	}
	ready, err := r.tasks.Ready(ctx)
	if err != nil {
		r.log.Warn("ready list scan failed", zap.Error(err))
		return nil
	}
	r.readyCache = ready
	r.readyCacheAt = time.Now()
	return ready
}

// statusLine broadcasts a human-readable daemon status message.
func (r *Runner) statusLine(level, text string) {
	r.server.Broadcast(&wire.StatusLineEvent{
		Envelope: r.envelope(wire.EvStatusLine),
		Level:    level,
		Text:     text,
	})
}
