package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/ipc"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/task"
	"github.com/fueldev/fuel/pkg/wire"
)

const taskDoneStatus = store.TaskDone

// doneColumnLimit caps the done column in snapshots; done_count carries the
// full figure.
const doneColumnLimit = 50

// buildSnapshot assembles a point-in-time view of the board.
func (r *Runner) buildSnapshot(ctx context.Context) (*wire.Snapshot, error) {
	all, err := r.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Task, len(all))
	for _, t := range all {
		byID[t.ShortID] = t
	}

	board := map[string][]wire.TaskView{
		wire.BoardReady:      {},
		wire.BoardInProgress: {},
		wire.BoardReview:     {},
		wire.BoardBlocked:    {},
		wire.BoardHuman:      {},
		wire.BoardDone:       {},
	}

	var ready []*store.Task
	doneCount := 0
	blockedCount := 0
	for _, t := range all {
		switch t.Status {
		case store.TaskInProgress:
			board[wire.BoardInProgress] = append(board[wire.BoardInProgress], taskView(t))
		case store.TaskReview:
			board[wire.BoardReview] = append(board[wire.BoardReview], taskView(t))
		case store.TaskDone:
			doneCount++
			if len(board[wire.BoardDone]) < doneColumnLimit {
				board[wire.BoardDone] = append(board[wire.BoardDone], taskView(t))
			}
		case store.TaskOpen:
			switch {
			case t.HasLabel(task.NeedsHumanLabel):
				board[wire.BoardHuman] = append(board[wire.BoardHuman], taskView(t))
			case openTaskBlocked(t, byID):
				blockedCount++
				board[wire.BoardBlocked] = append(board[wire.BoardBlocked], taskView(t))
			case t.Type != "reality":
				ready = append(ready, t)
			}
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	board[wire.BoardReady] = taskViews(ready)

	active := make(map[string]wire.ActiveProcess)
	for _, p := range r.sup.Active() {
		active[p.TaskID] = wire.ActiveProcess{
			TaskID:      p.TaskID,
			RunID:       p.RunID,
			Agent:       p.Agent,
			PID:         p.PID,
			StartedAt:   p.StartedAt,
			ProcessType: string(p.ProcessType),
			OutputTail:  p.Ring.String(),
		}
	}

	healthSummary := make(map[string]wire.AgentHealthSummary)
	statuses, err := r.health.AllStatus(ctx, r.maxRetriesByAgent())
	if err != nil {
		return nil, err
	}
	for agent, status := range statuses {
		healthSummary[agent] = wire.AgentHealthSummary{Status: string(status)}
	}

	agents := make([]string, 0, len(r.cfg.Agents))
	for name := range r.cfg.Agents {
		agents = append(agents, name)
	}
	sort.Strings(agents)

	epicRows, err := r.store.ListEpics(ctx)
	if err != nil {
		return nil, err
	}
	epics := make([]wire.EpicView, 0, len(epicRows))
	for _, e := range epicRows {
		epics = append(epics, wire.EpicView{ShortID: e.ShortID, Title: e.Title, Status: string(e.Status)})
	}

	return &wire.Snapshot{
		BoardState:      board,
		ActiveProcesses: active,
		HealthSummary:   healthSummary,
		RunnerState: wire.RunnerState{
			Paused:     r.paused,
			StartedAt:  r.startedAt,
			InstanceID: r.inst.InstanceID,
		},
		Config: wire.ConfigSummary{
			IntervalSeconds: r.cfg.Consume.IntervalDuration().Seconds(),
			Agents:          agents,
			ReviewAgent:     r.cfg.ReviewAgent,
			ReviewEnabled:   r.reviewEnabled,
		},
		Epics:        epics,
		DoneCount:    doneCount,
		BlockedCount: blockedCount,
	}, nil
}

// openTaskBlocked reports whether an open task has an unresolved blocker.
func openTaskBlocked(t *store.Task, byID map[string]*store.Task) bool {
	for _, blockerID := range t.BlockedBy {
		if blocker, ok := byID[blockerID]; ok && blocker.Status != store.TaskDone {
			return true
		}
	}
	return false
}

// snapshotHash digests the board's stable identity: the per-column short id
// sets, the active task ids, and the paused flag. Timestamps and other
// volatile fields are excluded so an idle board hashes identically.
func snapshotHash(s *wire.Snapshot) string {
	h := sha256.New()

	columns := make([]string, 0, len(s.BoardState))
	for col := range s.BoardState {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	for _, col := range columns {
		h.Write([]byte(col))
		h.Write([]byte{':'})
		ids := make([]string, 0, len(s.BoardState[col]))
		for _, t := range s.BoardState[col] {
			ids = append(ids, t.ShortID)
		}
		sort.Strings(ids)
		for _, id := range ids {
			h.Write([]byte(id))
			h.Write([]byte{','})
		}
		h.Write([]byte{';'})
	}

	activeIDs := make([]string, 0, len(s.ActiveProcesses))
	for id := range s.ActiveProcesses {
		activeIDs = append(activeIDs, id)
	}
	sort.Strings(activeIDs)
	for _, id := range activeIDs {
		h.Write([]byte(id))
		h.Write([]byte{','})
	}

	if s.RunnerState.Paused {
		h.Write([]byte("paused"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// maybeBroadcastSnapshot implements the periodic diff-gated broadcast: at
// most one snapshot per cadence window, and none when the board's identity
// hash is unchanged.
func (r *Runner) maybeBroadcastSnapshot(ctx context.Context) {
	if time.Since(r.lastBroadcastAt) < r.cfg.Consume.SnapshotDuration() {
		return
	}
	r.lastBroadcastAt = time.Now()

	snap, err := r.buildSnapshot(ctx)
	if err != nil {
		r.log.Warn("snapshot build failed", zap.Error(err))
		return
	}
	hash := snapshotHash(snap)
	if hash == r.lastSnapshotHash {
		return
	}
	r.lastSnapshotHash = hash
	r.server.Broadcast(&wire.SnapshotEvent{
		Envelope: r.envelope(wire.EvSnapshot),
		Snapshot: *snap,
	})
}

// broadcastSnapshot pushes a fresh snapshot to every client immediately,
// updating the diff hash so the periodic path stays quiet.
func (r *Runner) broadcastSnapshot(ctx context.Context) {
	snap, err := r.buildSnapshot(ctx)
	if err != nil {
		r.log.Warn("snapshot build failed", zap.Error(err))
		return
	}
	r.lastSnapshotHash = snapshotHash(snap)
	r.lastBroadcastAt = time.Now()
	r.server.Broadcast(&wire.SnapshotEvent{
		Envelope: r.envelope(wire.EvSnapshot),
		Snapshot: *snap,
	})
}

// sendSnapshotTo sends a fresh snapshot to one client without touching the
// broadcast gating state.
func (r *Runner) sendSnapshotTo(ctx context.Context, client ipc.ClientID) {
	snap, err := r.buildSnapshot(ctx)
	if err != nil {
		r.log.Warn("snapshot build failed", zap.Error(err))
		return
	}
	r.server.SendTo(client, &wire.SnapshotEvent{
		Envelope: r.envelope(wire.EvSnapshot),
		Snapshot: *snap,
	})
}

func taskView(t *store.Task) wire.TaskView {
	return wire.TaskView{
		ShortID:          t.ShortID,
		Title:            t.Title,
		Status:           string(t.Status),
		Type:             string(t.Type),
		Priority:         t.Priority,
		Complexity:       string(t.Complexity),
		Labels:           t.Labels,
		BlockedBy:        t.BlockedBy,
		Agent:            t.Agent,
		LastReviewIssues: t.LastReviewIssues,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func taskViews(tasks []*store.Task) []wire.TaskView {
	out := make([]wire.TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t))
	}
	return out
}
