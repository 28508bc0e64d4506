//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// This allows us to signal all child processes together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcess sends SIGINT to the process group (soft cancel).
func interruptProcess(p *os.Process) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGINT)
	}
	return p.Signal(syscall.SIGINT)
}

// terminateProcess sends SIGTERM to the process group for graceful shutdown.
func terminateProcess(p *os.Process) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	return p.Signal(syscall.SIGTERM)
}

// killProcess force-kills the process group.
func killProcess(p *os.Process) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return p.Kill()
}

// exitStatusFromError extracts code and signal from a Wait error.
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return ExitStatus{Code: 1}
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: 1}
	}
	if waitStatus.Signaled() {
		return ExitStatus{
			Code:   128 + int(waitStatus.Signal()),
			Signal: waitStatus.Signal().String(),
		}
	}
	return ExitStatus{Code: waitStatus.ExitStatus()}
}
