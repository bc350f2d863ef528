// Package review arbitrates tasks an agent claims complete: it spawns a
// reviewer process with the latest diff, parses its verdict, and moves the
// task to done or back to open.
package review

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/prompts"
	"github.com/fueldev/fuel/internal/run"
	"github.com/fueldev/fuel/internal/store"
	"github.com/fueldev/fuel/internal/supervisor"
	"github.com/fueldev/fuel/internal/task"
)

// TaskIDPrefix marks reviewer processes in the supervisor's task map so they
// never collide with the task under review.
const TaskIDPrefix = "review-"

const orphanedReviewIssue = "[Review orphaned - consume process died before completion]"
const noStructuredResultIssue = "Review agent did not output structured result"

// Spawner is the slice of the supervisor the review service uses.
type Spawner interface {
	Spawn(req supervisor.SpawnRequest) (*supervisor.Process, error)
	IsRunning(taskID string) bool
}

// Outcome is the arbitration result handed back to the runner for broadcast.
type Outcome struct {
	TaskID         string
	Passed         bool
	Issues         []string
	WasAlreadyDone bool
}

type pending struct {
	taskShortID    string
	reviewShortID  string
	runShortID     string
	agent          string
	originalStatus store.TaskStatus
	wasAlreadyDone bool
}

// Service owns the review lifecycle. Pending entries are in-memory; the
// reviews table is the durable record that stuck recovery replays.
type Service struct {
	cfg     *config.Config
	store   *store.Store
	tasks   *task.Service
	runs    *run.Service
	sup     Spawner
	prompts *prompts.Renderer
	log     *logger.Logger

	workDir    string
	instanceID string

	mu      sync.Mutex
	pending map[string]*pending // keyed by task short id
}

// NewService creates the review service. workDir is where agents run and
// where git context is captured; instanceID stamps run rows.
func NewService(cfg *config.Config, st *store.Store, tasks *task.Service, runs *run.Service, sup Spawner, renderer *prompts.Renderer, workDir, instanceID string, log *logger.Logger) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		tasks:      tasks,
		runs:       runs,
		sup:        sup,
		prompts:    renderer,
		log:        log,
		workDir:    workDir,
		instanceID: instanceID,
		pending:    make(map[string]*pending),
	}
}

// SetConfig swaps the config on reload.
func (s *Service) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Service) reviewer() (string, config.AgentConfig, bool) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.ReviewAgent == "" {
		return "", config.AgentConfig{}, false
	}
	agent, ok := cfg.Agent(cfg.ReviewAgent)
	if !ok {
		return "", config.AgentConfig{}, false
	}
	return cfg.ReviewAgent, agent, true
}

// Trigger starts a review for the task. Returns false with nil error when no
// reviewer is configured; the caller falls back to its no-review policy.
func (s *Service) Trigger(ctx context.Context, t *store.Task) (bool, error) {
	agentName, agentCfg, ok := s.reviewer()
	if !ok {
		return false, nil
	}
	if s.sup.IsRunning(TaskIDPrefix + t.ShortID) {
		return false, fmt.Errorf("review already running for %s", t.ShortID)
	}

	wasAlreadyDone := t.Status == store.TaskDone
	originalStatus := t.Status

	gitDiff, gitStatus := captureGitContext(ctx, s.workDir)
	prompt, err := s.prompts.Render(prompts.ReviewTemplate, map[string]string{
		"task_id":     t.ShortID,
		"title":       t.Title,
		"description": t.Description,
		"git_diff":    gitDiff,
		"git_status":  gitStatus,
	})
	if err != nil {
		return false, fmt.Errorf("review prompt: %w", err)
	}

	r := &store.Run{Agent: agentName, Model: agentCfg.Model, RunnerInstanceID: s.instanceID}
	if _, err := s.runs.CreateRun(ctx, t, r); err != nil {
		return false, err
	}

	if !wasAlreadyDone && t.Status != store.TaskReview {
		if _, err := s.tasks.Update(ctx, t.ShortID, task.UpdateRequest{Status: strPtr(string(store.TaskReview))}); err != nil {
			return false, err
		}
	}

	rev := &store.Review{
		RunID:          &r.ID,
		Agent:          agentName,
		OriginalStatus: originalStatus,
	}
	if err := s.store.CreateReview(ctx, t.ID, rev); err != nil {
		return false, err
	}

	argv := prompts.BuildArgv(agentCfg.Command, agentCfg.Args, agentCfg.PromptArgs, prompt)
	proc, err := s.sup.Spawn(supervisor.SpawnRequest{
		TaskID:      TaskIDPrefix + t.ShortID,
		Agent:       agentName,
		Command:     argv,
		Dir:         s.workDir,
		Env:         agentCfg.Env,
		ProcessType: supervisor.ProcessReview,
		RunID:       r.ShortID,
		Model:       agentCfg.Model,
	})
	if err != nil {
		_, _ = s.runs.UpdateRun(ctx, r.ShortID, func(r *store.Run) {
			r.Status = store.RunFailed
			now := time.Now().UTC()
			r.EndedAt = &now
			r.Output = fmt.Sprintf("[Failed to spawn reviewer: %v]", err)
		})
		_ = s.store.CompleteReview(ctx, rev.ShortID, store.ReviewFailed, []string{fmt.Sprintf("Failed to spawn reviewer: %v", err)})
		return false, err
	}
	if _, err := s.runs.UpdateRun(ctx, r.ShortID, func(r *store.Run) {
		pid := proc.PID
		r.PID = &pid
	}); err != nil {
		s.log.Warn("failed to record reviewer pid", zap.String("run_id", r.ShortID), zap.Error(err))
	}

	s.mu.Lock()
	s.pending[t.ShortID] = &pending{
		taskShortID:    t.ShortID,
		reviewShortID:  rev.ShortID,
		runShortID:     r.ShortID,
		agent:          agentName,
		originalStatus: originalStatus,
		wasAlreadyDone: wasAlreadyDone,
	}
	s.mu.Unlock()

	s.log.Info("review started",
		zap.String("task_id", t.ShortID),
		zap.String("review_id", rev.ShortID),
		zap.String("agent", agentName))
	return true, nil
}

// Pending returns the task short ids with a review in flight.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}

// IsReviewProcess reports whether a supervisor task id belongs to a reviewer.
func IsReviewProcess(taskID string) bool {
	return strings.HasPrefix(taskID, TaskIDPrefix)
}

// HandleCompletion finishes arbitration for an exited reviewer: records the
// run, parses the verdict (with fallbacks), moves the task, and writes the
// review row.
func (s *Service) HandleCompletion(ctx context.Context, res supervisor.CompletionResult) (*Outcome, error) {
	taskShort := strings.TrimPrefix(res.TaskID, TaskIDPrefix)

	s.mu.Lock()
	p := s.pending[taskShort]
	delete(s.pending, taskShort)
	s.mu.Unlock()

	if _, err := s.runs.UpdateRun(ctx, res.RunID, func(r *store.Run) {
		now := time.Now().UTC()
		r.EndedAt = &now
		code := res.ExitCode
		r.ExitCode = &code
		r.Output = res.Output
		r.SessionID = res.SessionID
		r.CostUSD = res.CostUSD
		if res.ExitCode == 0 {
			r.Status = store.RunCompleted
		} else {
			r.Status = store.RunFailed
		}
	}); err != nil {
		s.log.Warn("failed to record review run", zap.String("run_id", res.RunID), zap.Error(err))
	}

	t, err := s.tasks.Find(ctx, taskShort)
	if err != nil {
		return nil, fmt.Errorf("review completion for unknown task %s: %w", taskShort, err)
	}

	verdict, ok := ParseResult(res.Output)
	if !ok {
		if t.Status == store.TaskDone {
			verdict = Verdict{Passed: true}
		} else {
			verdict = Verdict{Passed: false, Issues: []string{noStructuredResultIssue}}
		}
	}

	wasAlreadyDone := p != nil && p.wasAlreadyDone
	if verdict.Passed {
		if !wasAlreadyDone && t.Status != store.TaskDone {
			if _, err := s.tasks.Done(ctx, t.ShortID, "Review passed", ""); err != nil {
				return nil, err
			}
		}
	} else {
		if _, err := s.tasks.SetLastReviewIssues(ctx, t.ShortID, verdict.Issues); err != nil {
			return nil, err
		}
		if t.Status != store.TaskOpen {
			if _, err := s.tasks.Reopen(ctx, t.ShortID); err != nil {
				return nil, err
			}
		}
	}

	if p != nil {
		status := store.ReviewPassed
		if !verdict.Passed {
			status = store.ReviewFailed
		}
		if err := s.store.CompleteReview(ctx, p.reviewShortID, status, verdict.Issues); err != nil {
			s.log.Warn("failed to complete review row",
				zap.String("review_id", p.reviewShortID), zap.Error(err))
		}
	}

	s.log.Info("review completed",
		zap.String("task_id", taskShort),
		zap.Bool("passed", verdict.Passed),
		zap.Int("issues", len(verdict.Issues)))
	return &Outcome{
		TaskID:         taskShort,
		Passed:         verdict.Passed,
		Issues:         verdict.Issues,
		WasAlreadyDone: wasAlreadyDone,
	}, nil
}

// RecoverStuckReviews resolves tasks stranded in review by a previous daemon.
// The reviewer process is gone, so the orphaned pending review row is failed
// and the review is re-triggered; with no reviewer configured the task is
// marked done rather than left pending forever. Returns the recovered task ids.
func (s *Service) RecoverStuckReviews(ctx context.Context) ([]string, error) {
	stuck, err := s.store.ListTasksByStatus(ctx, store.TaskReview)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, t := range stuck {
		if s.sup != nil && s.sup.IsRunning(TaskIDPrefix+t.ShortID) {
			continue
		}
		if rev, err := s.store.GetLatestReviewForTask(ctx, t.ID); err == nil && rev.Status == store.ReviewPending {
			if err := s.store.CompleteReview(ctx, rev.ShortID, store.ReviewFailed, []string{orphanedReviewIssue}); err != nil {
				return recovered, err
			}
		}
		triggered, err := s.Trigger(ctx, t)
		if err != nil {
			s.log.Warn("failed to re-trigger stuck review",
				zap.String("task_id", t.ShortID), zap.Error(err))
			continue
		}
		if !triggered {
			if _, err := s.tasks.Done(ctx, t.ShortID, "Review skipped - no reviewer configured", ""); err != nil {
				s.log.Warn("failed to close stuck review task",
					zap.String("task_id", t.ShortID), zap.Error(err))
				continue
			}
		}
		recovered = append(recovered, t.ShortID)
		s.log.Warn("recovered stuck review",
			zap.String("task_id", t.ShortID), zap.Bool("retriggered", triggered))
	}
	return recovered, nil
}

func strPtr(s string) *string { return &s }
