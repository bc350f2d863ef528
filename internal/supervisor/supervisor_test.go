package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fueldev/fuel/internal/common/logger"
)

func newTestSupervisor(t *testing.T, policies map[string]AgentPolicy) *Supervisor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return New(t.TempDir(), policies, log)
}

// pollUntil polls for completions until one arrives or the deadline passes.
func pollUntil(t *testing.T, sup *Supervisor, want int) []CompletionResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var results []CompletionResult
	for time.Now().Before(deadline) {
		results = append(results, sup.Poll()...)
		if len(results) >= want {
			return results
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completions, got %d", want, len(results))
	return nil
}

func TestSpawnAndPollSuccess(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	proc, err := sup.Spawn(SpawnRequest{
		TaskID:      "f-abc123",
		Agent:       "sh",
		Command:     []string{"/bin/sh", "-c", "echo hello world"},
		RunID:       "run-000001",
		ProcessType: ProcessTask,
	})
	require.NoError(t, err)
	assert.Greater(t, proc.PID, 0)

	results := pollUntil(t, sup, 1)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "f-abc123", res.TaskID)
	assert.Equal(t, "run-000001", res.RunID)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, CompletionSuccess, res.Type)
	assert.Contains(t, res.Output, "hello world")
	assert.Equal(t, ProcessTask, res.ProcessType)

	assert.False(t, sup.IsRunning("f-abc123"))
	assert.Empty(t, sup.Poll(), "completions are drained exactly once")
}

func TestSpawnWritesLogFiles(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	logDir := t.TempDir()
	sup := New(logDir, nil, log)

	_, err = sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "sh",
		Command: []string{"/bin/sh", "-c", "echo out-line; echo err-line >&2"},
		RunID:   "run-000002",
	})
	require.NoError(t, err)
	pollUntil(t, sup, 1)

	stdout, err := os.ReadFile(filepath.Join(logDir, "run-000002", "stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "out-line")

	stderr, err := os.ReadFile(filepath.Join(logDir, "run-000002", "stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "err-line")
}

func TestSpawnFailureClassification(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   CompletionType
	}{
		{"plain failure", "echo it broke; exit 1", CompletionFailed},
		{"network error", "echo connection refused >&2; exit 1", CompletionNetworkError},
		{"permission blocked", "echo the agent Needs Permission to continue; exit 2", CompletionPermissionBlocked},
		{"permission beats network", "echo needs permission; echo connection refused; exit 1", CompletionPermissionBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sup := newTestSupervisor(t, nil)
			_, err := sup.Spawn(SpawnRequest{
				TaskID:  "f-abc123",
				Agent:   "sh",
				Command: []string{"/bin/sh", "-c", tc.script},
				RunID:   "run-000003",
			})
			require.NoError(t, err)

			results := pollUntil(t, sup, 1)
			assert.Equal(t, tc.want, results[0].Type)
			assert.NotEqual(t, 0, results[0].ExitCode)
		})
	}
}

func TestConfiguredPatternsClassify(t *testing.T) {
	sup := newTestSupervisor(t, map[string]AgentPolicy{
		"custom": {NetworkPatterns: []string{"proxy tunnel collapsed"}},
	})

	_, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "custom",
		Command: []string{"/bin/sh", "-c", "echo Proxy Tunnel Collapsed; exit 1"},
		RunID:   "run-000004",
	})
	require.NoError(t, err)

	results := pollUntil(t, sup, 1)
	assert.Equal(t, CompletionNetworkError, results[0].Type)
}

func TestMetadataExtraction(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	script := `echo working; echo '{"session_id": "sess-42", "total_cost_usd": 0.5, "model": "m-1"}'`
	_, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "sh",
		Command: []string{"/bin/sh", "-c", script},
		RunID:   "run-000005",
	})
	require.NoError(t, err)

	results := pollUntil(t, sup, 1)
	res := results[0]
	assert.Equal(t, "sess-42", res.SessionID)
	require.NotNil(t, res.CostUSD)
	assert.InDelta(t, 0.5, *res.CostUSD, 0.0001)
	assert.Equal(t, "m-1", res.Model)
}

func TestSpawnEmptyCommand(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	_, err := sup.Spawn(SpawnRequest{TaskID: "f-abc123", RunID: "run-000006"})
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSpawnMissingBinary(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	_, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Command: []string{"/nonexistent/agent-binary"},
		RunID:   "run-000007",
	})
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.False(t, sup.IsRunning("f-abc123"))
}

func TestCanSpawnConcurrencyLimit(t *testing.T) {
	sup := newTestSupervisor(t, map[string]AgentPolicy{"slow": {ConcurrencyLimit: 1}})

	assert.True(t, sup.CanSpawn("slow"))
	_, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "slow",
		Command: []string{"/bin/sh", "-c", "sleep 5"},
		RunID:   "run-000008",
	})
	require.NoError(t, err)

	assert.False(t, sup.CanSpawn("slow"), "limit 1 is saturated by one live child")
	assert.True(t, sup.CanSpawn("other"), "a different agent has its own budget")

	require.NoError(t, sup.Kill("f-abc123"))
	pollUntil(t, sup, 1)
	assert.True(t, sup.CanSpawn("slow"))
}

func TestKillTerminatesChild(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	_, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "sh",
		Command: []string{"/bin/sh", "-c", "sleep 60"},
		RunID:   "run-000009",
	})
	require.NoError(t, err)
	require.True(t, sup.IsRunning("f-abc123"))

	require.NoError(t, sup.Kill("f-abc123"))
	results := pollUntil(t, sup, 1)
	assert.NotEqual(t, 0, results[0].ExitCode)
	assert.False(t, sup.IsRunning("f-abc123"))

	assert.Error(t, sup.Kill("f-abc123"), "kill on an untracked task errors")
}

func TestShutdownDrainsAllChildren(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	for i, id := range []string{"f-aaa111", "f-bbb222"} {
		_, err := sup.Spawn(SpawnRequest{
			TaskID:  id,
			Agent:   "sh",
			Command: []string{"/bin/sh", "-c", "sleep 60"},
			RunID:   "run-shut" + string(rune('0'+i)),
		})
		require.NoError(t, err)
	}
	require.Len(t, sup.Active(), 2)

	done := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace + shutdownReapMax):
		t.Fatal("shutdown did not return before the reap deadline")
	}
	assert.Empty(t, sup.Active())
}

func TestOutputCallbackReceivesChunks(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	var mu sync.Mutex
	var streams []string
	var chunks []string
	sup.SetOutputCallback(func(taskID, stream string, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "f-abc123", taskID)
		streams = append(streams, stream)
		chunks = append(chunks, string(chunk))
	})

	_, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "sh",
		Command: []string{"/bin/sh", "-c", "echo mirrored"},
		RunID:   "run-000010",
	})
	require.NoError(t, err)
	pollUntil(t, sup, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, strings.Join(chunks, ""), "mirrored")
	assert.Contains(t, streams, "stdout")
}

func TestActivePIDs(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	proc, err := sup.Spawn(SpawnRequest{
		TaskID:  "f-abc123",
		Agent:   "sh",
		Command: []string{"/bin/sh", "-c", "sleep 60"},
		RunID:   "run-000011",
	})
	require.NoError(t, err)

	pids := sup.ActivePIDs()
	assert.True(t, pids[proc.PID])

	got, ok := sup.Get("f-abc123")
	require.True(t, ok)
	assert.Equal(t, proc.PID, got.PID)

	sup.KillAll()
	pollUntil(t, sup, 1)
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}

func TestShutdownFlag(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	assert.False(t, sup.ShuttingDown())
	sup.FlagShutdown()
	assert.True(t, sup.ShuttingDown())
}

func TestOutputRingDropsOldest(t *testing.T) {
	ring := NewOutputRing(8)
	ring.Write([]byte("abcdef"))
	ring.Write([]byte("ghij"))
	assert.Equal(t, "cdefghij", ring.String())

	// A chunk larger than the ring keeps only its tail.
	ring.Write([]byte("0123456789AB"))
	assert.Equal(t, "456789AB", ring.String())

	ring.Reset()
	assert.Equal(t, "", ring.String())
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name     string
		exitCode int
		output   string
		want     CompletionType
	}{
		{"exit zero always succeeds", 0, "connection refused", CompletionSuccess},
		{"no signature", 1, "something else entirely", CompletionFailed},
		{"case insensitive", 1, "CONNECTION REFUSED by host", CompletionNetworkError},
		{"permission precedence", 1, "connection refused; needs permission", CompletionPermissionBlocked},
		{"overloaded", 1, "upstream overloaded_error", CompletionNetworkError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.exitCode, tc.output, nil, nil))
		})
	}
}

func TestExtractMetadataLastLineWins(t *testing.T) {
	output := `{"session_id": "early", "model": "m-0"}
plain text
{"session_id": "late", "total_cost_usd": 1.25}`

	session, cost, model := extractMetadata(output)
	assert.Equal(t, "late", session)
	require.NotNil(t, cost)
	assert.InDelta(t, 1.25, *cost, 0.0001)
	assert.Equal(t, "m-0", model, "fields accumulate across lines; later lines override only what they carry")
}
