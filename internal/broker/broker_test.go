package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/agentwire"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return NewBroker(log)
}

func TestRegisterAndResolve(t *testing.T) {
	b := newTestBroker(t)

	ch, err := b.Register("s1", "r1", "Bash")
	require.NoError(t, err)

	require.NoError(t, b.Resolve("s1", "r1", agentwire.PermissionResult{
		Behavior:     agentwire.BehaviorAllow,
		UpdatedInput: map[string]any{"command": "ls -la"},
	}))

	select {
	case result := <-ch:
		assert.Equal(t, agentwire.BehaviorAllow, result.Behavior)
		updated, ok := result.UpdatedInput.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "ls -la", updated["command"])
	case <-time.After(time.Second):
		t.Fatal("no resolution delivered")
	}
}

func TestResolve_Unknown(t *testing.T) {
	b := newTestBroker(t)

	err := b.Resolve("s1", "missing", agentwire.PermissionResult{Behavior: agentwire.BehaviorAllow})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_Duplicate(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Register("s1", "r1", "Bash")
	require.NoError(t, err)
	require.NoError(t, b.Resolve("s1", "r1", agentwire.PermissionResult{Behavior: agentwire.BehaviorDeny}))

	err = b.Resolve("s1", "r1", agentwire.PermissionResult{Behavior: agentwire.BehaviorAllow})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_SessionMismatch(t *testing.T) {
	b := newTestBroker(t)

	ch, err := b.Register("s1", "r1", "Bash")
	require.NoError(t, err)

	err = b.Resolve("s2", "r1", agentwire.PermissionResult{Behavior: agentwire.BehaviorAllow})
	assert.ErrorIs(t, err, ErrSessionMismatch)

	// The request is still pending for its owner.
	require.NoError(t, b.Resolve("s1", "r1", agentwire.PermissionResult{Behavior: agentwire.BehaviorAllow}))
	result := <-ch
	assert.Equal(t, agentwire.BehaviorAllow, result.Behavior)
}

func TestRegister_OnePerSession(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Register("s1", "r1", "Bash")
	require.NoError(t, err)

	_, err = b.Register("s1", "r2", "Write")
	assert.ErrorIs(t, err, ErrAlreadyPending)

	_, err = b.Register("s1", "r1", "Bash")
	assert.ErrorIs(t, err, ErrAlreadyPending)

	// Other sessions are unaffected.
	_, err = b.Register("s2", "r3", "Bash")
	assert.NoError(t, err)
}

func TestLookup(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Register("s1", "r1", "Bash")
	require.NoError(t, err)

	sessionID, ok := b.Lookup("r1")
	assert.True(t, ok)
	assert.Equal(t, "s1", sessionID)

	_, ok = b.Lookup("missing")
	assert.False(t, ok)
}

func TestCancelSession(t *testing.T) {
	b := newTestBroker(t)

	ch, err := b.Register("s1", "r1", "Bash")
	require.NoError(t, err)
	other, err := b.Register("s2", "r2", "Write")
	require.NoError(t, err)

	assert.Equal(t, 1, b.CancelSession("s1"))

	result := <-ch
	assert.Equal(t, agentwire.BehaviorDeny, result.Behavior)
	require.NotNil(t, result.Interrupt)
	assert.True(t, *result.Interrupt)

	select {
	case <-other:
		t.Fatal("unrelated session resolved")
	default:
	}

	assert.ErrorIs(t, b.Resolve("s1", "r1", agentwire.PermissionResult{Behavior: agentwire.BehaviorAllow}), ErrNotFound)
	assert.Equal(t, 0, b.CancelSession("s1"))
}
