package store

import (
	"time"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskSomeday    TaskStatus = "someday"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskStatuses is the closed set of valid task statuses.
var TaskStatuses = []TaskStatus{TaskOpen, TaskInProgress, TaskReview, TaskDone, TaskSomeday, TaskCancelled}

// TaskType classifies the kind of work a task represents.
type TaskType string

// TaskTypes is the closed set of valid task types.
var TaskTypes = []TaskType{"bug", "fix", "feature", "task", "epic", "chore", "docs", "test", "refactor", "reality"}

// Complexity drives agent selection via the complexity_to_agent mapping.
type Complexity string

// Complexities is the closed set of valid task complexities.
var Complexities = []Complexity{"trivial", "simple", "moderate", "complex"}

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReviewStatus is the review lifecycle state.
type ReviewStatus string

const (
	ReviewPending ReviewStatus = "pending"
	ReviewPassed  ReviewStatus = "passed"
	ReviewFailed  ReviewStatus = "failed"
)

// EpicStatus is the epic lifecycle state.
type EpicStatus string

const (
	EpicPlanning      EpicStatus = "planning"
	EpicReviewPending EpicStatus = "review_pending"
	EpicApproved      EpicStatus = "approved"
	EpicDone          EpicStatus = "done"
)

// Short-id prefixes per entity kind.
const (
	TaskIDPrefix   = "f-"
	EpicIDPrefix   = "e-"
	RunIDPrefix    = "run-"
	ReviewIDPrefix = "r-"
)

// MaxOutputBytes bounds run output on every write path; older bytes are
// dropped silently.
const MaxOutputBytes = 10240

// Task is a unit of work with a status lifecycle and dependencies.
type Task struct {
	ID               int64      `json:"-"`
	ShortID          string     `json:"short_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	Type             TaskType   `json:"type"`
	Priority         int        `json:"priority"`
	Complexity       Complexity `json:"complexity"`
	Labels           []string   `json:"labels"`
	BlockedBy        []string   `json:"blocked_by"`
	EpicID           *int64     `json:"-"`
	Agent            string     `json:"agent,omitempty"`
	LastReviewIssues []string   `json:"last_review_issues,omitempty"`
	CommitHash       string     `json:"commit_hash,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	Consumed         bool       `json:"consumed"`
	ConsumedAt       *time.Time `json:"consumed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Epic groups tasks; it is not on the daemon's hot path.
type Epic struct {
	ID          int64      `json:"-"`
	ShortID     string     `json:"short_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      EpicStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Run records one agent invocation for a task.
type Run struct {
	ID               int64      `json:"-"`
	ShortID          string     `json:"short_id"`
	TaskID           int64      `json:"-"`
	Agent            string     `json:"agent"`
	Model            string     `json:"model,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Output           string     `json:"output,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	CostUSD          *float64   `json:"cost_usd,omitempty"`
	Status           RunStatus  `json:"status"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	PID              *int       `json:"pid,omitempty"`
	RunnerInstanceID string     `json:"runner_instance_id,omitempty"`
}

// Review records one arbitration pass over a task an agent claims done.
// Reviews are append-only history.
type Review struct {
	ID             int64        `json:"-"`
	ShortID        string       `json:"short_id"`
	TaskID         int64        `json:"-"`
	RunID          *int64       `json:"-"`
	Agent          string       `json:"agent"`
	Status         ReviewStatus `json:"status"`
	Issues         []string     `json:"issues"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	OriginalStatus TaskStatus   `json:"original_status"`
}

// AgentHealth tracks per-agent success/failure counters and the backoff window.
type AgentHealth struct {
	Agent               string     `json:"agent"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
	TotalRuns           int        `json:"total_runs"`
	TotalSuccesses      int        `json:"total_successes"`
}

// IsAvailable reports whether the agent may be spawned at the given time.
func (h *AgentHealth) IsAvailable(now time.Time) bool {
	return h.BackoffUntil == nil || !h.BackoffUntil.After(now)
}

// IsDead reports whether the agent has exhausted its retry budget.
func (h *AgentHealth) IsDead(maxRetries int) bool {
	return maxRetries > 0 && h.ConsecutiveFailures >= maxRetries
}

// ValidTaskStatus reports whether s is in the closed status set.
func ValidTaskStatus(s TaskStatus) bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ValidTaskType reports whether t is in the closed type set.
func ValidTaskType(t TaskType) bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ValidComplexity reports whether c is in the closed complexity set.
func ValidComplexity(c Complexity) bool {
	for _, v := range Complexities {
		if v == c {
			return true
		}
	}
	return false
}

// TruncateOutput bounds output to the last MaxOutputBytes bytes.
// Truncation is silent.
func TruncateOutput(output string) string {
	if len(output) <= MaxOutputBytes {
		return output
	}
	return output[len(output)-MaxOutputBytes:]
}
