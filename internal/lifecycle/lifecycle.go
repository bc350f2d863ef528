// Package lifecycle owns the daemon's PID file: single-instance enforcement,
// stale-file recovery, and the instance record the CLI reads to find the
// running daemon's port.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/supervisor"
)

// PIDFileName is the daemon's PID file inside the data directory.
const PIDFileName = "consume.pid"

// ErrAlreadyRunning reports a live daemon holding the PID file.
var ErrAlreadyRunning = errors.New("consume is already running")

// ErrNotRunning reports that no daemon instance was found.
var ErrNotRunning = errors.New("consume is not running")

// Instance is the PID file payload.
type Instance struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	InstanceID string    `json:"instance_id"`
	Port       int       `json:"port"`
}

// Manager reads and writes the PID file under dataDir.
type Manager struct {
	dataDir string
	log     *logger.Logger
}

// NewManager creates a lifecycle manager for the data directory.
func NewManager(dataDir string, log *logger.Logger) *Manager {
	return &Manager{dataDir: dataDir, log: log}
}

func (m *Manager) path() string {
	return filepath.Join(m.dataDir, PIDFileName)
}

// Start claims the PID file for this process. A live instance fails with
// ErrAlreadyRunning (wrapping the pid in the message); a stale file from a
// dead daemon is removed with a warning.
func (m *Manager) Start(port int) (*Instance, error) {
	if existing, err := m.ReadPIDFile(); err == nil {
		if supervisor.IsProcessAlive(existing.PID) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing.PID)
		}
		m.log.Warn("removing stale pid file",
			zap.Int("pid", existing.PID),
			zap.Time("started_at", existing.StartedAt))
		if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("lifecycle: remove stale pid file: %w", err)
		}
	}

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycle: create data dir: %w", err)
	}

	inst := &Instance{
		PID:        os.Getpid(),
		StartedAt:  time.Now().UTC(),
		InstanceID: uuid.NewString(),
		Port:       port,
	}
	if err := m.write(inst); err != nil {
		return nil, err
	}
	m.log.Info("pid file written",
		zap.Int("pid", inst.PID),
		zap.String("instance_id", inst.InstanceID),
		zap.Int("port", inst.Port))
	return inst, nil
}

// write lands the record atomically: temp file in the same directory, then
// rename over the target.
func (m *Manager) write(inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal pid record: %w", err)
	}
	tmp, err := os.CreateTemp(m.dataDir, PIDFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("lifecycle: create temp pid file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("lifecycle: write pid file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("lifecycle: chmod pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("lifecycle: close pid file: %w", err)
	}
	if err := os.Rename(tmpName, m.path()); err != nil {
		return fmt.Errorf("lifecycle: publish pid file: %w", err)
	}
	return nil
}

// ReadPIDFile loads the instance record, ErrNotRunning when absent.
func (m *Manager) ReadPIDFile() (*Instance, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("lifecycle: read pid file: %w", err)
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("lifecycle: parse pid file: %w", err)
	}
	if inst.PID <= 0 {
		return nil, fmt.Errorf("lifecycle: pid file has invalid pid %d", inst.PID)
	}
	return &inst, nil
}

// LiveInstance returns the record only when its process is actually alive.
func (m *Manager) LiveInstance() (*Instance, error) {
	inst, err := m.ReadPIDFile()
	if err != nil {
		return nil, err
	}
	if !supervisor.IsProcessAlive(inst.PID) {
		return nil, ErrNotRunning
	}
	return inst, nil
}

// Remove deletes the PID file on clean shutdown.
func (m *Manager) Remove() error {
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove pid file: %w", err)
	}
	return nil
}
