// Package health tracks per-agent success/failure counters and computes the
// exponential backoff window that gates spawning.
package health

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/store"
)

// FailureKind classifies a recorded failure. Permission failures need human
// intervention, so they are counted but get no retry delay.
type FailureKind string

const (
	FailureAgent      FailureKind = "failed"
	FailureNetwork    FailureKind = "network"
	FailurePermission FailureKind = "permission"
)

// Status summarizes an agent's health for snapshots and health_change events.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusBackoff Status = "backoff"
	StatusDead    Status = "dead"
)

// backoffSchedule holds seconds of backoff per consecutive-failure index,
// saturating at the last entry.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	480 * time.Second,
}

// BackoffFor returns the backoff window after n consecutive failures.
func BackoffFor(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	idx := n - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Tracker keeps the canonical health state in the store; every method is a
// single transaction.
type Tracker struct {
	store *store.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewTracker creates a health tracker over the store.
func NewTracker(st *store.Store, log *logger.Logger) *Tracker {
	return &Tracker{store: st, log: log, now: time.Now}
}

// RecordSuccess resets the failure counter and backoff window and bumps the
// run totals.
func (t *Tracker) RecordSuccess(ctx context.Context, agent string) error {
	now := t.now().UTC()
	_, err := t.store.MutateAgentHealth(ctx, agent, func(h *store.AgentHealth) {
		h.LastSuccessAt = &now
		h.ConsecutiveFailures = 0
		h.BackoffUntil = nil
		h.TotalRuns++
		h.TotalSuccesses++
	})
	if err == nil {
		t.log.Debug("recorded agent success", zap.String("agent", agent))
	}
	return err
}

// RecordFailure increments the failure counter and computes the new backoff
// window atomically. Permission failures leave backoff_until unset.
func (t *Tracker) RecordFailure(ctx context.Context, agent string, kind FailureKind) error {
	now := t.now().UTC()
	h, err := t.store.MutateAgentHealth(ctx, agent, func(h *store.AgentHealth) {
		h.LastFailureAt = &now
		h.ConsecutiveFailures++
		h.TotalRuns++
		if kind == FailurePermission {
			h.BackoffUntil = nil
			return
		}
		until := now.Add(BackoffFor(h.ConsecutiveFailures))
		h.BackoffUntil = &until
	})
	if err != nil {
		return err
	}
	t.log.Warn("recorded agent failure",
		zap.String("agent", agent),
		zap.String("kind", string(kind)),
		zap.Int("consecutive_failures", h.ConsecutiveFailures))
	return nil
}

// IsAvailable reports whether the agent is outside its backoff window. An
// agent with no health record is available.
func (t *Tracker) IsAvailable(ctx context.Context, agent string) (bool, error) {
	h, err := t.store.GetAgentHealth(ctx, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return h.IsAvailable(t.now().UTC()), nil
}

// BackoffSeconds returns the remaining backoff window in seconds, 0 when the
// agent is available.
func (t *Tracker) BackoffSeconds(ctx context.Context, agent string) (float64, error) {
	h, err := t.store.GetAgentHealth(ctx, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if h.BackoffUntil == nil {
		return 0, nil
	}
	remaining := h.BackoffUntil.Sub(t.now().UTC()).Seconds()
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// IsDead reports whether the agent has hit maxRetries consecutive failures.
func (t *Tracker) IsDead(ctx context.Context, agent string, maxRetries int) (bool, error) {
	h, err := t.store.GetAgentHealth(ctx, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return h.IsDead(maxRetries), nil
}

// ClearHealth removes the agent's record, restoring a clean slate.
func (t *Tracker) ClearHealth(ctx context.Context, agent string) error {
	return t.store.DeleteAgentHealth(ctx, agent)
}

// StatusFor derives the summary status for one agent.
func (t *Tracker) StatusFor(ctx context.Context, agent string, maxRetries int) (Status, error) {
	h, err := t.store.GetAgentHealth(ctx, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusHealthy, nil
		}
		return "", err
	}
	return statusOf(h, maxRetries, t.now().UTC()), nil
}

// AllStatus returns the summary status for every agent with a health record,
// filled to healthy for the configured agents without one.
func (t *Tracker) AllStatus(ctx context.Context, maxRetriesByAgent map[string]int) (map[string]Status, error) {
	records, err := t.store.ListAgentHealth(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	out := make(map[string]Status, len(maxRetriesByAgent))
	for agent := range maxRetriesByAgent {
		out[agent] = StatusHealthy
	}
	for _, h := range records {
		out[h.Agent] = statusOf(h, maxRetriesByAgent[h.Agent], now)
	}
	return out, nil
}

func statusOf(h *store.AgentHealth, maxRetries int, now time.Time) Status {
	if h.IsDead(maxRetries) {
		return StatusDead
	}
	if !h.IsAvailable(now) {
		return StatusBackoff
	}
	return StatusHealthy
}
