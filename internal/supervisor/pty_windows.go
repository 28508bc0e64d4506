//go:build windows

package supervisor

import (
	"context"
	"fmt"
)

// spawnPTY is not supported on Windows; the plain-pipe path carries the
// same stream contract.
func (h *Handle) spawnPTY(ctx context.Context) error {
	return fmt.Errorf("pty spawn is not supported on windows")
}
