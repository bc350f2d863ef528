package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite3", filepath.Join(t.TempDir(), "fuel.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateTaskGeneratesShortID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "wire the websocket proxy", Type: "feature", Priority: 3, Complexity: "moderate"}
	require.NoError(t, st.CreateTask(ctx, task))

	assert.True(t, strings.HasPrefix(task.ShortID, TaskIDPrefix), "short id %q", task.ShortID)
	assert.Len(t, task.ShortID, len(TaskIDPrefix)+6)
	assert.NotZero(t, task.ID)
	assert.Equal(t, TaskOpen, task.Status)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := st.GetTask(ctx, task.ShortID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, TaskOpen, got.Status)
	assert.Empty(t, got.Labels)
	assert.Nil(t, got.LastReviewIssues)
}

func TestGetTaskNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetTask(context.Background(), "f-000000")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "initial", Type: "bug"}
	require.NoError(t, st.CreateTask(ctx, task))

	task.Status = TaskDone
	task.Labels = []string{"auto-closed"}
	task.BlockedBy = []string{"f-aaaaaa"}
	task.LastReviewIssues = []string{}
	task.Reason = "merged upstream"
	require.NoError(t, st.UpdateTask(ctx, task))

	got, err := st.GetTask(ctx, task.ShortID)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, got.Status)
	assert.Equal(t, []string{"auto-closed"}, got.Labels)
	assert.Equal(t, []string{"f-aaaaaa"}, got.BlockedBy)
	assert.NotNil(t, got.LastReviewIssues, "empty review issues must stay distinguishable from never-reviewed")
	assert.Equal(t, "merged upstream", got.Reason)
}

func TestSearchTasksByShortIDPrefix(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &Task{ShortID: "f-abc123", Title: "a", Type: "task"}
	b := &Task{ShortID: "f-abd456", Title: "b", Type: "task"}
	require.NoError(t, st.CreateTask(ctx, a))
	require.NoError(t, st.CreateTask(ctx, b))

	matches, err := st.SearchTasksByShortIDPrefix(ctx, "f-ab")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = st.SearchTasksByShortIDPrefix(ctx, "f-abc")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "f-abc123", matches[0].ShortID)
}

func TestListTasksByStatusOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	low := &Task{Title: "low", Type: "task", Priority: 5}
	high := &Task{Title: "high", Type: "task", Priority: 1}
	mid := &Task{Title: "mid", Type: "task", Priority: 3}
	for _, task := range []*Task{low, high, mid} {
		require.NoError(t, st.CreateTask(ctx, task))
	}

	open, err := st.ListTasksByStatus(ctx, TaskOpen)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "high", open[0].Title)
	assert.Equal(t, "mid", open[1].Title)
	assert.Equal(t, "low", open[2].Title)
}

func TestStartTaskWithRunIsAtomic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "build", Type: "task"}
	require.NoError(t, st.CreateTask(ctx, task))

	run := &Run{Agent: "claude", RunnerInstanceID: "inst-1"}
	require.NoError(t, st.StartTaskWithRun(ctx, task, run))

	assert.True(t, strings.HasPrefix(run.ShortID, RunIDPrefix))
	assert.Equal(t, TaskInProgress, task.Status)
	assert.True(t, task.Consumed)
	require.NotNil(t, task.ConsumedAt)

	got, err := st.GetTask(ctx, task.ShortID)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, got.Status)
	assert.True(t, got.Consumed)

	gotRun, err := st.GetLatestRun(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ShortID, gotRun.ShortID)
	assert.Equal(t, RunRunning, gotRun.Status)
}

func TestStartTaskWithRunUnknownTask(t *testing.T) {
	st := newTestStore(t)

	task := &Task{ShortID: "f-ffffff", Title: "ghost"}
	err := st.StartTaskWithRun(context.Background(), task, &Run{Agent: "claude"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRunComputesDurationAndTruncates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", Type: "task"}
	require.NoError(t, st.CreateTask(ctx, task))

	started := time.Now().UTC().Add(-90 * time.Second)
	run := &Run{Agent: "claude", StartedAt: started}
	require.NoError(t, st.CreateRun(ctx, task.ID, run))

	ended := started.Add(90 * time.Second)
	exit := 0
	run.EndedAt = &ended
	run.ExitCode = &exit
	run.Status = RunCompleted
	run.Output = strings.Repeat("x", MaxOutputBytes+500)
	require.NoError(t, st.UpdateRun(ctx, run))

	got, err := st.GetRun(ctx, run.ShortID)
	require.NoError(t, err)
	require.NotNil(t, got.DurationSeconds)
	assert.InDelta(t, 90.0, *got.DurationSeconds, 0.01)
	assert.Len(t, got.Output, MaxOutputBytes)
	assert.Equal(t, RunCompleted, got.Status)
}

func TestListRunningRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", Type: "task"}
	require.NoError(t, st.CreateTask(ctx, task))

	running := &Run{Agent: "claude"}
	require.NoError(t, st.CreateRun(ctx, task.ID, running))

	finished := &Run{Agent: "claude", Status: RunCompleted}
	require.NoError(t, st.CreateRun(ctx, task.ID, finished))

	runs, err := st.ListRunningRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, running.ShortID, runs[0].ShortID)
}

func TestRunStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", Type: "task"}
	require.NoError(t, st.CreateTask(ctx, task))

	cost := 0.25
	require.NoError(t, st.CreateRun(ctx, task.ID, &Run{Agent: "claude", Status: RunCompleted, CostUSD: &cost}))
	require.NoError(t, st.CreateRun(ctx, task.ID, &Run{Agent: "claude", Status: RunFailed}))
	require.NoError(t, st.CreateRun(ctx, task.ID, &Run{Agent: "codex"}))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.InDelta(t, 0.25, stats.TotalCost, 0.0001)
}

func TestReviewLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", Type: "task", Status: TaskReview}
	require.NoError(t, st.CreateTask(ctx, task))

	review := &Review{Agent: "claude", OriginalStatus: TaskInProgress}
	require.NoError(t, st.CreateReview(ctx, task.ID, review))
	assert.True(t, strings.HasPrefix(review.ShortID, ReviewIDPrefix))

	pending, err := st.ListPendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.CompleteReview(ctx, review.ShortID, ReviewFailed, []string{"missing tests"}))

	got, err := st.GetReview(ctx, review.ShortID)
	require.NoError(t, err)
	assert.Equal(t, ReviewFailed, got.Status)
	assert.Equal(t, []string{"missing tests"}, got.Issues)
	assert.NotNil(t, got.CompletedAt)

	pending, err = st.ListPendingReviews(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	latest, err := st.GetLatestReviewForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, review.ShortID, latest.ShortID)
}

func TestEpicLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	epic := &Epic{Title: "q3 auth work"}
	require.NoError(t, st.CreateEpic(ctx, epic))
	assert.True(t, strings.HasPrefix(epic.ShortID, EpicIDPrefix))

	epic.Status = EpicApproved
	require.NoError(t, st.UpdateEpic(ctx, epic))

	got, err := st.GetEpic(ctx, epic.ShortID)
	require.NoError(t, err)
	assert.Equal(t, EpicApproved, got.Status)

	epics, err := st.ListEpics(ctx)
	require.NoError(t, err)
	assert.Len(t, epics, 1)
}

func TestMutateAgentHealthCreatesRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	h, err := st.MutateAgentHealth(ctx, "claude", func(h *AgentHealth) {
		h.ConsecutiveFailures = 2
		h.TotalRuns = 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.ConsecutiveFailures)

	got, err := st.GetAgentHealth(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, 2, got.TotalRuns)

	require.NoError(t, st.DeleteAgentHealth(ctx, "claude"))
	_, err = st.GetAgentHealth(ctx, "claude")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", TruncateOutput("short"))

	long := strings.Repeat("a", MaxOutputBytes) + "TAIL"
	got := TruncateOutput(long)
	assert.Len(t, got, MaxOutputBytes)
	assert.True(t, strings.HasSuffix(got, "TAIL"), "truncation keeps the newest bytes")
}
