// Package supervisor spawns and supervises one agent child process per
// active session. It exposes the child's stdin/stdout streams to the wire
// codec and reports exit asynchronously.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// terminateGrace is how long Terminate waits between SIGTERM and SIGKILL.
const terminateGrace = 2 * time.Second

// Spec describes the child process to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// UsePTY spawns the child under a pseudo-terminal instead of plain
	// pipes. The stream contract is identical either way.
	UsePTY bool
}

// ExitStatus reports how the child exited. For signal deaths Code is
// 128+signal and Signal names the signal.
type ExitStatus struct {
	Code   int
	Signal string
}

// Handle is a supervised child process. Stdin stays open for the
// session's lifetime so later control frames can be written.
type Handle struct {
	spec Spec
	cmd  *exec.Cmd

	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer

	// pty is non-nil on the pseudo-terminal path; it doubles as both
	// stdin and stdout.
	pty *os.File

	exitCh        chan ExitStatus
	done          chan struct{}
	terminateOnce sync.Once
	logger        *logger.Logger
}

// Spawn starts the child process described by spec. The child runs in its
// own process group so signals reach its whole tree.
func Spawn(ctx context.Context, spec Spec, log *logger.Logger) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	h := &Handle{
		spec:   spec,
		stderr: newTailBuffer(64 * 1024),
		exitCh: make(chan ExitStatus, 1),
		done:   make(chan struct{}),
		logger: log.WithFields(zap.String("component", "supervisor")),
	}

	if spec.UsePTY {
		if err := h.spawnPTY(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := h.spawnPipes(ctx); err != nil {
			return nil, err
		}
	}

	h.logger.Info("agent process started",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.String("dir", spec.Dir),
		zap.Int("pid", h.cmd.Process.Pid),
		zap.Bool("pty", spec.UsePTY))

	go h.wait()
	return h, nil
}

// spawnPipes starts the child with explicit os.Pipe ends so reaping the
// process never closes the reader out from under the codec.
func (h *Handle) spawnPipes(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.spec.Command, h.spec.Args...)
	cmd.Dir = h.spec.Dir
	cmd.Env = h.spec.Env
	setProcGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = h.stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	// The child owns its ends now.
	stdinR.Close()
	stdoutW.Close()

	h.cmd = cmd
	h.stdin = stdinW
	h.stdout = stdoutR
	return nil
}

// Stdin returns the writer feeding the child's stdin.
func (h *Handle) Stdin() io.Writer {
	return h.stdin
}

// Stdout returns the reader over the child's stdout.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// StderrTail returns the most recent stderr output, for error reporting.
func (h *Handle) StderrTail() string {
	return h.stderr.String()
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// SignalInterrupt soft-cancels the current operation. It never reaps the
// process; exit still arrives through Wait.
func (h *Handle) SignalInterrupt() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	h.logger.Debug("interrupting agent process", zap.Int("pid", h.cmd.Process.Pid))
	return interruptProcess(h.cmd.Process)
}

// Terminate requests graceful shutdown and escalates to a force-kill
// after a grace period. Safe to call more than once.
func (h *Handle) Terminate() {
	h.terminateOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		pid := h.cmd.Process.Pid
		h.logger.Debug("terminating agent process", zap.Int("pid", pid))
		_ = terminateProcess(h.cmd.Process)

		go func() {
			select {
			case <-h.done:
				// Exited within the grace period; nothing to escalate.
			case <-time.After(terminateGrace):
				h.logger.Warn("agent process did not exit, force killing", zap.Int("pid", pid))
				_ = killProcess(h.cmd.Process)
			}
		}()
	})
}

// Wait returns a channel that receives the exit status exactly once.
func (h *Handle) Wait() <-chan ExitStatus {
	return h.exitCh
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	status := exitStatusFromError(err)

	h.logger.Info("agent process exited",
		zap.Int("pid", h.PID()),
		zap.Int("code", status.Code),
		zap.String("signal", status.Signal))

	if h.pty != nil {
		_ = h.pty.Close()
	} else if h.stdin != nil {
		_ = h.stdin.Close()
	}

	close(h.done)
	h.exitCh <- status
	close(h.exitCh)
}

// tailBuffer keeps the most recent maxBytes of writes. The agent's stderr
// is captured this way for inclusion in dirty-exit error reports without
// risking unbounded growth.
type tailBuffer struct {
	mu       sync.Mutex
	maxBytes int
	data     []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.maxBytes {
		b.data = b.data[len(b.data)-b.maxBytes:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
