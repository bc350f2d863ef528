package wire

import "time"

// Board columns in the snapshot's board_state map.
const (
	BoardReady      = "ready"
	BoardInProgress = "in_progress"
	BoardReview     = "review"
	BoardBlocked    = "blocked"
	BoardHuman      = "human"
	BoardDone       = "done"
)

// TaskView is the client-facing projection of a task.
type TaskView struct {
	ShortID          string    `json:"short_id"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	Type             string    `json:"type"`
	Priority         int       `json:"priority"`
	Complexity       string    `json:"complexity"`
	Labels           []string  `json:"labels"`
	BlockedBy        []string  `json:"blocked_by,omitempty"`
	Agent            string    `json:"agent,omitempty"`
	LastReviewIssues []string  `json:"last_review_issues,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ActiveProcess describes one live agent child.
type ActiveProcess struct {
	TaskID      string    `json:"task_id"`
	RunID       string    `json:"run_id"`
	Agent       string    `json:"agent"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	ProcessType string    `json:"process_type"` // task or review
	SessionID   string    `json:"session_id,omitempty"`
	OutputTail  string    `json:"output_tail,omitempty"`
}

// AgentHealthSummary is the per-agent health entry in the snapshot.
type AgentHealthSummary struct {
	Status string `json:"status"` // healthy, backoff, dead
}

// RunnerState describes the daemon itself.
type RunnerState struct {
	Paused     bool      `json:"paused"`
	StartedAt  time.Time `json:"started_at"`
	InstanceID string    `json:"instance_id"`
}

// ConfigSummary is the slice of config clients need for display.
type ConfigSummary struct {
	IntervalSeconds float64  `json:"interval_seconds"`
	Agents          []string `json:"agents"`
	ReviewAgent     string   `json:"review_agent,omitempty"`
	ReviewEnabled   bool     `json:"review_enabled"`
}

// EpicView is the client-facing projection of an epic.
type EpicView struct {
	ShortID string `json:"short_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
}

// Snapshot is a consistent point-in-time view of board state, active
// processes, and health.
type Snapshot struct {
	BoardState      map[string][]TaskView         `json:"board_state"`
	ActiveProcesses map[string]ActiveProcess      `json:"active_processes"`
	HealthSummary   map[string]AgentHealthSummary `json:"health_summary"`
	RunnerState     RunnerState                   `json:"runner_state"`
	Config          ConfigSummary                 `json:"config"`
	Epics           []EpicView                    `json:"epics"`
	DoneCount       int                           `json:"done_count"`
	BlockedCount    int                           `json:"blocked_count"`
}
