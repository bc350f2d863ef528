package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	priority := 2
	cases := []Command{
		&AttachCommand{Envelope: NewEnvelope(CmdAttach)},
		&DetachCommand{Envelope: NewEnvelope(CmdDetach)},
		&PauseCommand{Envelope: NewEnvelope(CmdPause)},
		&ResumeCommand{Envelope: NewEnvelope(CmdResume)},
		&StopCommand{Envelope: NewEnvelope(CmdStop), Mode: StopForce},
		&ReloadConfigCommand{Envelope: NewEnvelope(CmdReloadConfig)},
		&RequestSnapshotCommand{Envelope: NewEnvelope(CmdRequestSnapshot)},
		&SetTaskReviewEnabledCommand{Envelope: NewEnvelope(CmdSetTaskReviewEnabled), Enabled: true},
		&TaskStartCommand{Envelope: NewEnvelope(CmdTaskStart), TaskID: "f-1a2b3c", AgentOverride: "claude"},
		&TaskReopenCommand{Envelope: NewEnvelope(CmdTaskReopen), TaskID: "f-1a2b3c"},
		&TaskDoneCommand{Envelope: NewEnvelope(CmdTaskDone), TaskID: "f-1a2b3c", Reason: "manual", CommitHash: "abc123"},
		&TaskCreateCommand{
			Envelope:    NewEnvelope(CmdTaskCreate),
			Title:       "fix login flow",
			Description: "session cookie expires early",
			Labels:      []string{"bug", "auth"},
			Priority:    &priority,
			TaskType:    "standard",
			Complexity:  "medium",
			BlockedBy:   []string{"f-9f8e7d"},
		},
		&DependencyAddCommand{Envelope: NewEnvelope(CmdDependencyAdd), TaskID: "f-1a2b3c", BlockerTaskID: "f-9f8e7d"},
		&RequestDoneTasksCommand{Envelope: NewEnvelope(CmdRequestDoneTasks)},
		&RequestBlockedTasksCommand{Envelope: NewEnvelope(CmdRequestBlockedTasks)},
		&RequestCompletedTasksCommand{Envelope: NewEnvelope(CmdRequestCompletedTasks)},
		&BrowserCommand{Envelope: NewEnvelope("browser_navigate"), Params: json.RawMessage(`{"url":"https://example.com"}`)},
	}

	for _, cmd := range cases {
		t.Run(cmd.MessageType(), func(t *testing.T) {
			line, err := EncodeCommand(cmd)
			require.NoError(t, err)
			assert.Equal(t, byte('\n'), line[len(line)-1])

			decoded, err := DecodeCommand(line)
			require.NoError(t, err)
			assert.Equal(t, cmd.MessageType(), decoded.MessageType())
			assert.Equal(t, cmd, decoded)
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	cases := []Event{
		&HelloEvent{Envelope: NewEnvelope(EvHello), Version: Version},
		&SnapshotEvent{Envelope: NewEnvelope(EvSnapshot), Snapshot: Snapshot{RunnerState: RunnerState{Paused: true, InstanceID: "i-1"}, DoneCount: 3}},
		&TaskSpawnedEvent{Envelope: NewEnvelope(EvTaskSpawned), TaskID: "f-1a2b3c", RunID: "r-aaaa11", Agent: "claude"},
		&TaskCompletedEvent{Envelope: NewEnvelope(EvTaskCompleted), TaskID: "f-1a2b3c", RunID: "r-aaaa11", ExitCode: 1, CompletionType: "failed"},
		&OutputChunkEvent{Envelope: NewEnvelope(EvOutputChunk), TaskID: "f-1a2b3c", RunID: "r-aaaa11", Stream: "stderr", Chunk: "compile error"},
		&StatusLineEvent{Envelope: NewEnvelope(EvStatusLine), Level: "warn", Text: "agent claude in backoff"},
		&HealthChangeEvent{Envelope: NewEnvelope(EvHealthChange), Agent: "claude", Status: "backoff"},
		&ReviewCompletedEvent{Envelope: NewEnvelope(EvReviewCompleted), TaskID: "f-1a2b3c", Passed: false, Issues: []string{"tests missing"}},
		&TaskCreateResponseEvent{Envelope: NewEnvelope(EvTaskCreateResponse), Success: true, TaskID: "f-1a2b3c"},
		&DoneTasksEvent{Envelope: NewEnvelope(EvDoneTasks), Tasks: []TaskView{}, Total: 0},
		&BlockedTasksEvent{Envelope: NewEnvelope(EvBlockedTasks), Tasks: []TaskView{}, Total: 0},
		&CompletedTasksEvent{Envelope: NewEnvelope(EvCompletedTasks), Tasks: []TaskView{}, Total: 12},
		&ConfigReloadedEvent{Envelope: NewEnvelope(EvConfigReloaded)},
		&ErrorEvent{Envelope: NewEnvelope(EvError), Message: "task not found"},
	}

	for _, ev := range cases {
		t.Run(ev.MessageType(), func(t *testing.T) {
			line, err := EncodeEvent(ev)
			require.NoError(t, err)

			decoded, err := DecodeEvent(line)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestDecodeCommandRejections(t *testing.T) {
	cases := map[string]string{
		"malformed json": `{"type": "pause"`,
		"missing type":   `{"task_id": "f-1a2b3c"}`,
		"unknown type":   `{"type": "teleport"}`,
		"wrong shape":    `{"type": "task_start", "task_id": 42}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(line))
			require.Error(t, err)
			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %T", err)
		})
	}
}

func TestDecodeCommandBrowserPrefix(t *testing.T) {
	line := []byte(`{"type": "browser_screenshot", "params": {"full_page": true}}`)
	cmd, err := DecodeCommand(line)
	require.NoError(t, err)

	browser, ok := cmd.(*BrowserCommand)
	require.True(t, ok)
	assert.Equal(t, "browser_screenshot", browser.MessageType())
	assert.JSONEq(t, `{"full_page": true}`, string(browser.Params))
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type": "browser_navigate"}`))
	require.Error(t, err)
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestEnvelopeCorrelation(t *testing.T) {
	env := NewEnvelope(CmdTaskCreate)
	env.RequestID = "req-123"
	cmd := &TaskCreateCommand{Envelope: env, Title: "t"}

	line, err := EncodeCommand(cmd)
	require.NoError(t, err)

	decoded, err := DecodeCommand(line)
	require.NoError(t, err)
	assert.Equal(t, "req-123", decoded.(*TaskCreateCommand).RequestID)
	assert.False(t, decoded.(*TaskCreateCommand).Timestamp.After(time.Now().UTC()))
}
