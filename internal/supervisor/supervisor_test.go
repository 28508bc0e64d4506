//go:build !windows

package supervisor

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func spawnShell(t *testing.T, script string) *Handle {
	t.Helper()
	h, err := Spawn(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", script},
		Dir:     t.TempDir(),
	}, newTestLogger(t))
	require.NoError(t, err)
	return h
}

func waitExit(t *testing.T, h *Handle, timeout time.Duration) ExitStatus {
	t.Helper()
	select {
	case status := <-h.Wait():
		return status
	case <-time.After(timeout):
		t.Fatal("process did not exit in time")
		return ExitStatus{}
	}
}

func TestSpawn_StdoutAndCleanExit(t *testing.T) {
	h := spawnShell(t, `echo '{"type":"result"}'`)

	line, err := bufio.NewReader(h.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"type":"result"}`+"\n", line)

	status := waitExit(t, h, 5*time.Second)
	assert.Equal(t, 0, status.Code)
	assert.Empty(t, status.Signal)
}

func TestSpawn_NonZeroExit(t *testing.T) {
	h := spawnShell(t, "exit 3")
	status := waitExit(t, h, 5*time.Second)
	assert.Equal(t, 3, status.Code)
}

func TestSpawn_StdinRoundTrip(t *testing.T) {
	h := spawnShell(t, "read line; echo \"got:$line\"")

	_, err := io.WriteString(h.Stdin(), "hello\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(h.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "got:hello\n", line)

	status := waitExit(t, h, 5*time.Second)
	assert.Equal(t, 0, status.Code)
}

func TestSpawn_StderrTail(t *testing.T) {
	h := spawnShell(t, "echo boom >&2; exit 1")

	status := waitExit(t, h, 5*time.Second)
	assert.Equal(t, 1, status.Code)
	assert.Contains(t, h.StderrTail(), "boom")
}

func TestSpawn_PIDAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	h, err := Spawn(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "pwd"},
		Dir:     dir,
	}, newTestLogger(t))
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(string(out)))
	waitExit(t, h, 5*time.Second)
}

func TestSignalInterrupt(t *testing.T) {
	h := spawnShell(t, "sleep 30")

	// Give the shell a moment to install its default handlers.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.SignalInterrupt())

	status := waitExit(t, h, 5*time.Second)
	assert.NotEqual(t, 0, status.Code)
}

func TestTerminate_Graceful(t *testing.T) {
	h := spawnShell(t, "sleep 30")

	time.Sleep(100 * time.Millisecond)
	h.Terminate()

	status := waitExit(t, h, 5*time.Second)
	assert.NotEqual(t, 0, status.Code)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	h := spawnShell(t, `trap "" TERM; sleep 30`)

	time.Sleep(100 * time.Millisecond)
	h.Terminate()

	status := waitExit(t, h, 10*time.Second)
	assert.Equal(t, "killed", status.Signal)
}

func TestSpawn_MissingCommand(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{}, newTestLogger(t))
	assert.Error(t, err)

	_, err = Spawn(context.Background(), Spec{Command: "/nonexistent/binary"}, newTestLogger(t))
	assert.Error(t, err)
}
