package wire

import (
	"encoding/json"
	"strings"
)

// Command discriminants (client to daemon). The set is closed; the only
// open-ended family is browser_*, which passes through to the sibling
// headless-browser helper.
const (
	CmdAttach                = "attach"
	CmdDetach                = "detach"
	CmdPause                 = "pause"
	CmdResume                = "resume"
	CmdStop                  = "stop"
	CmdReloadConfig          = "reload_config"
	CmdRequestSnapshot       = "request_snapshot"
	CmdSetTaskReviewEnabled  = "set_task_review_enabled"
	CmdTaskStart             = "task_start"
	CmdTaskReopen            = "task_reopen"
	CmdTaskDone              = "task_done"
	CmdTaskCreate            = "task_create"
	CmdDependencyAdd         = "dependency_add"
	CmdRequestDoneTasks      = "request_done_tasks"
	CmdRequestBlockedTasks   = "request_blocked_tasks"
	CmdRequestCompletedTasks = "request_completed_tasks"

	// BrowserPrefix marks pass-through commands for the browser helper.
	BrowserPrefix = "browser_"
)

// Stop modes.
const (
	StopGraceful = "graceful"
	StopForce    = "force"
)

// Command is the closed union of client-to-daemon messages.
type Command interface {
	MessageType() string
	isCommand()
}

// AttachCommand registers the client for event broadcasts.
type AttachCommand struct{ Envelope }

// DetachCommand deregisters the client.
type DetachCommand struct{ Envelope }

// PauseCommand stops the daemon from filling spawn slots.
type PauseCommand struct{ Envelope }

// ResumeCommand resumes spawning.
type ResumeCommand struct{ Envelope }

// StopCommand shuts the daemon down. Mode "force" kills all children
// immediately; "graceful" (the default) lets them drain.
type StopCommand struct {
	Envelope
	Mode string `json:"mode,omitempty"`
}

// ReloadConfigCommand reloads config.yaml from disk.
type ReloadConfigCommand struct{ Envelope }

// RequestSnapshotCommand asks for a fresh targeted snapshot.
type RequestSnapshotCommand struct{ Envelope }

// SetTaskReviewEnabledCommand flips the runtime review flag.
type SetTaskReviewEnabledCommand struct {
	Envelope
	Enabled bool `json:"enabled"`
}

// TaskStartCommand asks the daemon to attempt one spawn for the task.
type TaskStartCommand struct {
	Envelope
	TaskID        string `json:"task_id"`
	AgentOverride string `json:"agent_override,omitempty"`
}

// TaskReopenCommand reopens a task.
type TaskReopenCommand struct {
	Envelope
	TaskID string `json:"task_id"`
}

// TaskDoneCommand marks a task done.
type TaskDoneCommand struct {
	Envelope
	TaskID     string `json:"task_id"`
	Reason     string `json:"reason,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// TaskCreateCommand creates a task. The envelope's RequestID is echoed in
// the task_create_response event.
type TaskCreateCommand struct {
	Envelope
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	TaskType    string   `json:"task_type,omitempty"`
	Complexity  string   `json:"complexity,omitempty"`
	EpicID      string   `json:"epic_id,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

// DependencyAddCommand adds blocker_task_id to task_id's blocked_by list.
type DependencyAddCommand struct {
	Envelope
	TaskID        string `json:"task_id"`
	BlockerTaskID string `json:"blocker_task_id"`
}

// RequestDoneTasksCommand asks for the done-task list.
type RequestDoneTasksCommand struct{ Envelope }

// RequestBlockedTasksCommand asks for the blocked-task list.
type RequestBlockedTasksCommand struct{ Envelope }

// RequestCompletedTasksCommand asks for completed tasks with run totals.
type RequestCompletedTasksCommand struct{ Envelope }

// BrowserCommand is an opaque pass-through to the sibling browser helper.
// Method carries the full discriminant (e.g. "browser_navigate").
type BrowserCommand struct {
	Envelope
	Params json.RawMessage `json:"params,omitempty"`
}

func (AttachCommand) isCommand()                {}
func (DetachCommand) isCommand()                {}
func (PauseCommand) isCommand()                 {}
func (ResumeCommand) isCommand()                {}
func (StopCommand) isCommand()                  {}
func (ReloadConfigCommand) isCommand()          {}
func (RequestSnapshotCommand) isCommand()       {}
func (SetTaskReviewEnabledCommand) isCommand()  {}
func (TaskStartCommand) isCommand()             {}
func (TaskReopenCommand) isCommand()            {}
func (TaskDoneCommand) isCommand()              {}
func (TaskCreateCommand) isCommand()            {}
func (DependencyAddCommand) isCommand()         {}
func (RequestDoneTasksCommand) isCommand()      {}
func (RequestBlockedTasksCommand) isCommand()   {}
func (RequestCompletedTasksCommand) isCommand() {}
func (BrowserCommand) isCommand()               {}

// newCommand returns the zero value for a command discriminant. Adding a
// command constant without extending this switch leaves the new type
// undecodable, which the round-trip test catches.
func newCommand(msgType string) (Command, bool) {
	switch msgType {
	case CmdAttach:
		return &AttachCommand{}, true
	case CmdDetach:
		return &DetachCommand{}, true
	case CmdPause:
		return &PauseCommand{}, true
	case CmdResume:
		return &ResumeCommand{}, true
	case CmdStop:
		return &StopCommand{}, true
	case CmdReloadConfig:
		return &ReloadConfigCommand{}, true
	case CmdRequestSnapshot:
		return &RequestSnapshotCommand{}, true
	case CmdSetTaskReviewEnabled:
		return &SetTaskReviewEnabledCommand{}, true
	case CmdTaskStart:
		return &TaskStartCommand{}, true
	case CmdTaskReopen:
		return &TaskReopenCommand{}, true
	case CmdTaskDone:
		return &TaskDoneCommand{}, true
	case CmdTaskCreate:
		return &TaskCreateCommand{}, true
	case CmdDependencyAdd:
		return &DependencyAddCommand{}, true
	case CmdRequestDoneTasks:
		return &RequestDoneTasksCommand{}, true
	case CmdRequestBlockedTasks:
		return &RequestBlockedTasksCommand{}, true
	case CmdRequestCompletedTasks:
		return &RequestCompletedTasksCommand{}, true
	}
	if strings.HasPrefix(msgType, BrowserPrefix) {
		return &BrowserCommand{}, true
	}
	return nil, false
}

// DecodeCommand parses one line into a concrete command. The decode is
// two-pass: the envelope for the discriminant, then the full struct.
func DecodeCommand(line []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, decodeErrorf("malformed JSON: %v", err)
	}
	if env.Type == "" {
		return nil, decodeErrorf("message missing type field")
	}
	cmd, ok := newCommand(env.Type)
	if !ok {
		return nil, decodeErrorf("unknown command type: %s", env.Type)
	}
	if err := json.Unmarshal(line, cmd); err != nil {
		return nil, decodeErrorf("invalid %s command: %v", env.Type, err)
	}
	return cmd, nil
}

// EncodeCommand serializes a command as one newline-terminated JSON line.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
