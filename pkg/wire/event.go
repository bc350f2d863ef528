package wire

import (
	"encoding/json"
)

// Event discriminants (daemon to client).
const (
	EvHello              = "hello"
	EvSnapshot           = "snapshot"
	EvTaskSpawned        = "task_spawned"
	EvTaskCompleted      = "task_completed"
	EvOutputChunk        = "output_chunk"
	EvStatusLine         = "status_line"
	EvHealthChange       = "health_change"
	EvReviewCompleted    = "review_completed"
	EvTaskCreateResponse = "task_create_response"
	EvDoneTasks          = "done_tasks"
	EvBlockedTasks       = "blocked_tasks"
	EvCompletedTasks     = "completed_tasks"
	EvConfigReloaded     = "config_reloaded"
	EvError              = "error"
)

// Event is the closed union of daemon-to-client messages.
type Event interface {
	MessageType() string
	isEvent()
}

// HelloEvent is the first message on every new connection.
type HelloEvent struct {
	Envelope
	Version string `json:"version"`
}

// SnapshotEvent carries a point-in-time view of the board, active processes,
// and health. Events emitted after its capture timestamp supersede it.
type SnapshotEvent struct {
	Envelope
	Snapshot Snapshot `json:"snapshot"`
}

// TaskSpawnedEvent announces a new agent child for a task.
type TaskSpawnedEvent struct {
	Envelope
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	Agent  string `json:"agent"`
}

// TaskCompletedEvent announces a task child's exit and its classification.
type TaskCompletedEvent struct {
	Envelope
	TaskID         string `json:"task_id"`
	RunID          string `json:"run_id"`
	ExitCode       int    `json:"exit_code"`
	CompletionType string `json:"completion_type"`
}

// OutputChunkEvent streams child output. Delivery is best-effort; snapshots
// are the authoritative resync.
type OutputChunkEvent struct {
	Envelope
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	Stream string `json:"stream"` // stdout or stderr
	Chunk  string `json:"chunk"`
}

// StatusLineEvent carries human-readable daemon status for client display.
type StatusLineEvent struct {
	Envelope
	Level string `json:"level"`
	Text  string `json:"text"`
}

// HealthChangeEvent announces an agent health transition.
type HealthChangeEvent struct {
	Envelope
	Agent  string `json:"agent"`
	Status string `json:"status"` // healthy, backoff, dead
}

// ReviewCompletedEvent announces a review verdict.
type ReviewCompletedEvent struct {
	Envelope
	TaskID         string   `json:"task_id"`
	Passed         bool     `json:"passed"`
	Issues         []string `json:"issues"`
	WasAlreadyDone bool     `json:"was_already_done"`
}

// TaskCreateResponseEvent answers a task_create command; the envelope's
// RequestID correlates it.
type TaskCreateResponseEvent struct {
	Envelope
	Success bool   `json:"success"`
	TaskID  string `json:"task_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DoneTasksEvent answers request_done_tasks.
type DoneTasksEvent struct {
	Envelope
	Tasks []TaskView `json:"tasks"`
	Total int        `json:"total"`
}

// BlockedTasksEvent answers request_blocked_tasks.
type BlockedTasksEvent struct {
	Envelope
	Tasks []TaskView `json:"tasks"`
	Total int        `json:"total"`
}

// CompletedTasksEvent answers request_completed_tasks.
type CompletedTasksEvent struct {
	Envelope
	Tasks []TaskView `json:"tasks"`
	Total int        `json:"total"`
}

// ConfigReloadedEvent confirms a reload_config command.
type ConfigReloadedEvent struct{ Envelope }

// ErrorEvent reports a client-addressable failure. It never closes the
// connection.
type ErrorEvent struct {
	Envelope
	Message string `json:"message"`
}

func (HelloEvent) isEvent()              {}
func (SnapshotEvent) isEvent()           {}
func (TaskSpawnedEvent) isEvent()        {}
func (TaskCompletedEvent) isEvent()      {}
func (OutputChunkEvent) isEvent()        {}
func (StatusLineEvent) isEvent()         {}
func (HealthChangeEvent) isEvent()       {}
func (ReviewCompletedEvent) isEvent()    {}
func (TaskCreateResponseEvent) isEvent() {}
func (DoneTasksEvent) isEvent()          {}
func (BlockedTasksEvent) isEvent()       {}
func (CompletedTasksEvent) isEvent()     {}
func (ConfigReloadedEvent) isEvent()     {}
func (ErrorEvent) isEvent()              {}

// newEvent returns the zero value for an event discriminant.
func newEvent(msgType string) (Event, bool) {
	switch msgType {
	case EvHello:
		return &HelloEvent{}, true
	case EvSnapshot:
		return &SnapshotEvent{}, true
	case EvTaskSpawned:
		return &TaskSpawnedEvent{}, true
	case EvTaskCompleted:
		return &TaskCompletedEvent{}, true
	case EvOutputChunk:
		return &OutputChunkEvent{}, true
	case EvStatusLine:
		return &StatusLineEvent{}, true
	case EvHealthChange:
		return &HealthChangeEvent{}, true
	case EvReviewCompleted:
		return &ReviewCompletedEvent{}, true
	case EvTaskCreateResponse:
		return &TaskCreateResponseEvent{}, true
	case EvDoneTasks:
		return &DoneTasksEvent{}, true
	case EvBlockedTasks:
		return &BlockedTasksEvent{}, true
	case EvCompletedTasks:
		return &CompletedTasksEvent{}, true
	case EvConfigReloaded:
		return &ConfigReloadedEvent{}, true
	case EvError:
		return &ErrorEvent{}, true
	}
	return nil, false
}

// DecodeEvent parses one line into a concrete event.
func DecodeEvent(line []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, decodeErrorf("malformed JSON: %v", err)
	}
	if env.Type == "" {
		return nil, decodeErrorf("message missing type field")
	}
	ev, ok := newEvent(env.Type)
	if !ok {
		return nil, decodeErrorf("unknown event type: %s", env.Type)
	}
	if err := json.Unmarshal(line, ev); err != nil {
		return nil, decodeErrorf("invalid %s event: %v", env.Type, err)
	}
	return ev, nil
}

// EncodeEvent serializes an event as one newline-terminated JSON line.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
