// Package supervisor owns agent child processes: spawning with output
// capture into per-run log files, non-blocking completion polling,
// SIGTERM-then-SIGKILL termination, and signal-driven shutdown flagging.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/store"
)

// ErrSpawnFailed wraps child start failures.
var ErrSpawnFailed = errors.New("spawn failed")

// ProcessType distinguishes task work from review arbitration.
type ProcessType string

const (
	ProcessTask   ProcessType = "task"
	ProcessReview ProcessType = "review"
)

// Termination deadlines.
const (
	killGrace       = 5 * time.Second
	shutdownGrace   = 10 * time.Second
	shutdownReapMax = 15 * time.Second
)

// AgentPolicy is the per-agent slice of config the supervisor needs.
type AgentPolicy struct {
	ConcurrencyLimit   int
	PermissionPatterns []string
	NetworkPatterns    []string
}

// SpawnRequest describes one child to start.
type SpawnRequest struct {
	TaskID      string // task short id, or "review-<task>" for reviews
	Agent       string
	Command     []string // argv; Command[0] is the executable
	Dir         string
	Env         map[string]string // merged over the inherited environment
	ProcessType ProcessType
	RunID       string // run short id; names the log directory
	Model       string
}

// Process tracks one live child.
type Process struct {
	TaskID      string
	Agent       string
	RunID       string
	PID         int
	StartedAt   time.Time
	ProcessType ProcessType
	Model       string
	Ring        *OutputRing

	cmd      *exec.Cmd
	combined *OutputRing // tail bound for the run row, larger than the display ring
	readers  sync.WaitGroup
	done     chan struct{}
	exitCode int
}

// CompletionResult is one observed child exit.
type CompletionResult struct {
	TaskID      string
	RunID       string
	Agent       string
	ExitCode    int
	Output      string // combined stdout+stderr tail
	SessionID   string
	CostUSD     *float64
	Model       string
	Type        CompletionType
	ProcessType ProcessType
}

// OutputCallback receives every captured chunk. It runs on the reader
// goroutines and must not block.
type OutputCallback func(taskID, stream string, chunk []byte)

// Supervisor tracks all live children. Poll is the only way completions
// leave it, keeping the main loop free of blocking waits.
type Supervisor struct {
	logDir string
	log    *logger.Logger

	mu        sync.Mutex
	policies  map[string]AgentPolicy
	active    map[string]*Process
	completed []CompletionResult

	callback     atomic.Value // OutputCallback
	shuttingDown atomic.Bool
}

// New creates a supervisor writing per-run logs under logDir.
func New(logDir string, policies map[string]AgentPolicy, log *logger.Logger) *Supervisor {
	return &Supervisor{
		logDir:   logDir,
		log:      log,
		policies: policies,
		active:   make(map[string]*Process),
	}
}

// SetPolicies replaces the per-agent policies (config reload).
func (s *Supervisor) SetPolicies(policies map[string]AgentPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = policies
}

// SetOutputCallback registers the chunk mirror. Must be set before Spawn.
func (s *Supervisor) SetOutputCallback(fn OutputCallback) {
	s.callback.Store(fn)
}

// CanSpawn reports whether the agent is under its concurrency limit.
func (s *Supervisor) CanSpawn(agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := 1
	if p, ok := s.policies[agent]; ok && p.ConcurrencyLimit > 0 {
		limit = p.ConcurrencyLimit
	}
	running := 0
	for _, p := range s.active {
		if p.Agent == agent {
			running++
		}
	}
	return running < limit
}

// Spawn starts a child for the request. Stdout and stderr are piped into
// append-only log files under <logDir>/<run_id>/ and mirrored through the
// output callback; no TTY is attached and no timeout is imposed.
func (s *Supervisor) Spawn(req SpawnRequest) (*Process, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}

	runDir := filepath.Join(s.logDir, req.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create log dir: %v", ErrSpawnFailed, err)
	}
	stdoutLog, err := os.OpenFile(filepath.Join(runDir, "stdout.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open stdout log: %v", ErrSpawnFailed, err)
	}
	stderrLog, err := os.OpenFile(filepath.Join(runDir, "stderr.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdoutLog.Close()
		return nil, fmt.Errorf("%w: open stderr log: %v", ErrSpawnFailed, err)
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergedEnv(req.Env)
	setProcAttr(cmd) // own process group so group kills reach agent children

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	proc := &Process{
		TaskID:      req.TaskID,
		Agent:       req.Agent,
		RunID:       req.RunID,
		PID:         cmd.Process.Pid,
		StartedAt:   time.Now().UTC(),
		ProcessType: req.ProcessType,
		Model:       req.Model,
		Ring:        NewOutputRing(RingSize),
		cmd:         cmd,
		combined:    NewOutputRing(store.MaxOutputBytes),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.active[req.TaskID] = proc
	s.mu.Unlock()

	proc.readers.Add(2)
	go s.readStream(proc, "stdout", stdout, stdoutLog)
	go s.readStream(proc, "stderr", stderr, stderrLog)
	go s.wait(proc)

	s.log.Info("spawned agent process",
		zap.String("task_id", req.TaskID),
		zap.String("agent", req.Agent),
		zap.String("run_id", req.RunID),
		zap.Int("pid", proc.PID),
		zap.String("process_type", string(req.ProcessType)))
	return proc, nil
}

func (s *Supervisor) readStream(proc *Process, stream string, r io.Reader, logFile *os.File) {
	defer proc.readers.Done()
	defer logFile.Close()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, werr := logFile.Write(chunk); werr != nil {
				s.log.Warn("failed to append process log",
					zap.String("run_id", proc.RunID), zap.Error(werr))
			}
			proc.Ring.Write(chunk)
			proc.combined.Write(chunk)
			if cb, ok := s.callback.Load().(OutputCallback); ok && cb != nil {
				cb(proc.TaskID, stream, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the child and queues its completion result for the next Poll.
func (s *Supervisor) wait(proc *Process) {
	proc.readers.Wait()
	err := proc.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	proc.exitCode = exitCode
	close(proc.done)

	output := proc.combined.String()
	sessionID, costUSD, model := extractMetadata(output)
	if model == "" {
		model = proc.Model
	}

	s.mu.Lock()
	policy := s.policies[proc.Agent]
	delete(s.active, proc.TaskID)
	s.completed = append(s.completed, CompletionResult{
		TaskID:      proc.TaskID,
		RunID:       proc.RunID,
		Agent:       proc.Agent,
		ExitCode:    exitCode,
		Output:      output,
		SessionID:   sessionID,
		CostUSD:     costUSD,
		Model:       model,
		Type:        classify(exitCode, output, policy.PermissionPatterns, policy.NetworkPatterns),
		ProcessType: proc.ProcessType,
	})
	s.mu.Unlock()
}

// Poll returns and clears the completions observed since the last call.
func (s *Supervisor) Poll() []CompletionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completed) == 0 {
		return nil
	}
	out := s.completed
	s.completed = nil
	return out
}

// IsRunning reports whether a child is tracked for the task id.
func (s *Supervisor) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[taskID]
	return ok
}

// Get returns the live process for a task id.
func (s *Supervisor) Get(taskID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.active[taskID]
	return p, ok
}

// Active returns a snapshot of the live processes.
func (s *Supervisor) Active() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, p)
	}
	return out
}

// ActivePIDs returns the set of live child pids.
func (s *Supervisor) ActivePIDs() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make(map[int]bool, len(s.active))
	for _, p := range s.active {
		pids[p.PID] = true
	}
	return pids
}

// Kill terminates the task's child: SIGTERM to the process group, escalating
// to SIGKILL after the grace period. Returns immediately.
func (s *Supervisor) Kill(taskID string) error {
	s.mu.Lock()
	proc, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no process for task %s", taskID)
	}

	terminate(proc.PID)
	go func() {
		select {
		case <-proc.done:
		case <-time.After(killGrace):
			forceKill(proc.PID)
		}
	}()
	return nil
}

// KillAll force-terminates every child immediately (stop force).
func (s *Supervisor) KillAll() {
	for _, proc := range s.Active() {
		forceKill(proc.PID)
	}
}

// Shutdown gracefully terminates all children: SIGTERM fan-out, SIGKILL
// after the grace deadline, then a bounded wait for reaps before clearing
// tracking.
func (s *Supervisor) Shutdown() {
	procs := s.Active()
	if len(procs) == 0 {
		return
	}
	s.log.Info("shutting down agent processes", zap.Int("count", len(procs)))

	var g errgroup.Group
	for _, proc := range procs {
		proc := proc
		g.Go(func() error {
			terminate(proc.PID)
			select {
			case <-proc.done:
			case <-time.After(shutdownGrace):
				forceKill(proc.PID)
			}
			return nil
		})
	}
	_ = g.Wait()

	deadline := time.After(shutdownReapMax)
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-deadline:
			s.log.Warn("process did not reap before deadline",
				zap.String("task_id", proc.TaskID), zap.Int("pid", proc.PID))
		}
	}

	s.mu.Lock()
	s.active = make(map[string]*Process)
	s.mu.Unlock()
}

// RegisterSignalHandlers flags shutdown on SIGINT/SIGTERM. The main loop
// observes the flag within one tick; no work happens in the handler.
func (s *Supervisor) RegisterSignalHandlers() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		s.log.Info("received signal, flagging shutdown", zap.String("signal", sig.String()))
		s.shuttingDown.Store(true)
	}()
}

// ShuttingDown reports whether a termination signal arrived.
func (s *Supervisor) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// FlagShutdown sets the shutdown flag programmatically (stop command).
func (s *Supervisor) FlagShutdown() {
	s.shuttingDown.Store(true)
}

// IsProcessAlive reports whether the OS still has the pid. EPERM counts as
// alive: the process exists but belongs to another user.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
