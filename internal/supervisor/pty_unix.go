//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/creack/pty"
)

// spawnPTY starts the child under a pseudo-terminal. The pty file serves
// as both stdin and stdout; stderr is merged into the pty by the kernel.
func (h *Handle) spawnPTY(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.spec.Command, h.spec.Args...)
	cmd.Dir = h.spec.Dir
	cmd.Env = h.spec.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		return fmt.Errorf("failed to start agent process under pty: %w", err)
	}

	h.cmd = cmd
	h.pty = ptmx
	h.stdin = ptmx
	h.stdout = ptmx
	return nil
}
