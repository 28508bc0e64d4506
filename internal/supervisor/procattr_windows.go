//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// On Windows, we use CREATE_NEW_PROCESS_GROUP flag.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// interruptProcess sends a graceful shutdown request to the process tree.
// Without /F, taskkill sends WM_CLOSE, the closest equivalent of SIGINT.
func interruptProcess(p *os.Process) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// terminateProcess requests graceful termination of the process tree.
func terminateProcess(p *os.Process) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// killProcess force-kills the process tree.
func killProcess(p *os.Process) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// exitStatusFromError extracts the exit code from a Wait error.
// Windows has no signal notion; signaled exits surface as plain codes.
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: 1}
}
