package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "fuel.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	tracker := NewTracker(st, log)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Duration(0), BackoffFor(0))
	assert.Equal(t, 30*time.Second, BackoffFor(1))
	assert.Equal(t, 60*time.Second, BackoffFor(2))
	assert.Equal(t, 120*time.Second, BackoffFor(3))
	assert.Equal(t, 240*time.Second, BackoffFor(4))
	assert.Equal(t, 480*time.Second, BackoffFor(5))
	// Saturates instead of growing without bound.
	assert.Equal(t, 480*time.Second, BackoffFor(6))
	assert.Equal(t, 480*time.Second, BackoffFor(100))
}

func TestRecordFailureBackoffGrows(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	var last float64
	for i := 1; i <= 5; i++ {
		require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
		secs, err := tracker.BackoffSeconds(ctx, "claude")
		require.NoError(t, err)
		assert.Greater(t, secs, last, "backoff after %d failures should exceed the previous window", i)
		last = secs
	}
	assert.Equal(t, 480.0, last)
}

func TestThreeFailuresBackoffAtLeastTwoMinutes(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
	}

	secs, err := tracker.BackoffSeconds(ctx, "claude")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 110.0)

	available, err := tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestRecordSuccessResetsBackoff(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureNetwork))

	available, err := tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	require.False(t, available)

	require.NoError(t, tracker.RecordSuccess(ctx, "claude"))

	available, err = tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	assert.True(t, available)

	secs, err := tracker.BackoffSeconds(ctx, "claude")
	require.NoError(t, err)
	assert.Zero(t, secs)
}

func TestPermissionFailureCountsWithoutBackoff(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailurePermission))
	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailurePermission))

	available, err := tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	assert.True(t, available, "permission failures must not trigger backoff")

	dead, err := tracker.IsDead(ctx, "claude", 2)
	require.NoError(t, err)
	assert.True(t, dead, "permission failures still count toward the dead threshold")
}

func TestBackoffExpires(t *testing.T) {
	tracker, now := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))

	available, err := tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	require.False(t, available)

	*now = now.Add(31 * time.Second)
	available, err = tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	assert.True(t, available)
}

func TestUnknownAgentIsHealthy(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	available, err := tracker.IsAvailable(ctx, "never-seen")
	require.NoError(t, err)
	assert.True(t, available)

	secs, err := tracker.BackoffSeconds(ctx, "never-seen")
	require.NoError(t, err)
	assert.Zero(t, secs)

	status, err := tracker.StatusFor(ctx, "never-seen", 10)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
}

func TestStatusTransitions(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	status, err := tracker.StatusFor(ctx, "claude", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)

	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
	status, err = tracker.StatusFor(ctx, "claude", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusBackoff, status)

	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
	status, err = tracker.StatusFor(ctx, "claude", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, status)
}

func TestAllStatusFillsConfiguredAgents(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordFailure(ctx, "codex", FailureAgent))

	statuses, err := tracker.AllStatus(ctx, map[string]int{"claude": 3, "codex": 3})
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, statuses["claude"])
	assert.Equal(t, StatusBackoff, statuses["codex"])
}

func TestClearHealth(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordFailure(ctx, "claude", FailureAgent))
	require.NoError(t, tracker.ClearHealth(ctx, "claude"))

	available, err := tracker.IsAvailable(ctx, "claude")
	require.NoError(t, err)
	assert.True(t, available)
}
