package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fueldev/fuel/internal/common/logger"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	dataDir := t.TempDir()
	return NewManager(dataDir, log), dataDir
}

func TestStartWritesPIDFile(t *testing.T) {
	m, dataDir := newTestManager(t)

	inst, err := m.Start(23456)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), inst.PID)
	assert.Equal(t, 23456, inst.Port)
	assert.NotEmpty(t, inst.InstanceID)

	data, err := os.ReadFile(filepath.Join(dataDir, PIDFileName))
	require.NoError(t, err)
	var onDisk Instance
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, inst.PID, onDisk.PID)
	assert.Equal(t, inst.InstanceID, onDisk.InstanceID)
	assert.Equal(t, inst.Port, onDisk.Port)

	info, err := os.Stat(filepath.Join(dataDir, PIDFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStartRefusesLiveInstance(t *testing.T) {
	m, _ := newTestManager(t)

	// The test process itself holds the file, so it is definitely alive.
	_, err := m.Start(23456)
	require.NoError(t, err)

	_, err = m.Start(23457)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartReclaimsStalePIDFile(t *testing.T) {
	m, dataDir := newTestManager(t)

	// A pid that cannot exist: beyond the default pid_max.
	stale := Instance{PID: 1 << 30, StartedAt: time.Now().UTC().Add(-time.Hour), InstanceID: "dead", Port: 20001}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, PIDFileName), data, 0o600))

	inst, err := m.Start(23456)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), inst.PID)
	assert.NotEqual(t, "dead", inst.InstanceID)
}

func TestReadPIDFileMissing(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ReadPIDFile()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestReadPIDFileInvalid(t *testing.T) {
	m, dataDir := newTestManager(t)

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, PIDFileName), []byte("not json"), 0o600))
	_, err := m.ReadPIDFile()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotRunning)

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, PIDFileName), []byte(`{"pid": 0}`), 0o600))
	_, err = m.ReadPIDFile()
	require.Error(t, err)
}

func TestLiveInstance(t *testing.T) {
	m, dataDir := newTestManager(t)

	_, err := m.LiveInstance()
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = m.Start(23456)
	require.NoError(t, err)

	inst, err := m.LiveInstance()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), inst.PID)

	// A record pointing at a dead pid is not a live instance.
	dead := Instance{PID: 1 << 30, StartedAt: time.Now().UTC(), InstanceID: "x", Port: 1}
	data, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, PIDFileName), data, 0o600))

	_, err = m.LiveInstance()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRemove(t *testing.T) {
	m, dataDir := newTestManager(t)

	_, err := m.Start(23456)
	require.NoError(t, err)
	require.NoError(t, m.Remove())

	_, err = os.Stat(filepath.Join(dataDir, PIDFileName))
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	assert.NoError(t, m.Remove())
}

func TestStartCreatesDataDir(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	dataDir := filepath.Join(t.TempDir(), "nested", ".fuel")
	m := NewManager(dataDir, log)

	_, err = m.Start(23456)
	require.NoError(t, err)

	info, err := os.Stat(dataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
