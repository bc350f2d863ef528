//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so signals sent to
// the group reach any grandchildren the agent forks.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the process group (falling back to the pid
// when the group signal fails).
func terminate(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

// forceKill sends SIGKILL to the process group.
func forceKill(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
