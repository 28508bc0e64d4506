package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/agentwire"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// fakeGateway answers each connection's first frame via respond.
func fakeGateway(t *testing.T, respond func(conn *websocket.Conn, request v1.PermissionRequestCommand)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var request v1.PermissionRequestCommand
		require.NoError(t, json.Unmarshal(data, &request))
		respond(conn, request)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestResolveAllow(t *testing.T) {
	url := fakeGateway(t, func(conn *websocket.Conn, request v1.PermissionRequestCommand) {
		assert.Equal(t, "s1", request.SessionID)
		assert.Equal(t, "Bash", request.ToolName)
		assert.NotEmpty(t, request.RequestID)

		// Unrelated broadcast first; the resolver must skip it.
		conn.WriteJSON(v1.SessionStatusChangedEvent{
			Type: v1.EventSessionStatusChanged, SessionID: "s1", Status: v1.StatusWaitingPermission,
		})
		conn.WriteJSON(v1.PermissionResolutionEvent{
			Type:      v1.EventPermissionResolution,
			SessionID: "s1",
			RequestID: request.RequestID,
			Response: agentwire.PermissionResult{
				Behavior:     agentwire.BehaviorAllow,
				UpdatedInput: map[string]any{"command": "ls -la"},
			},
		})
	})

	resolver := newResolver(url, "s1", newTestLogger(t))
	result, err := resolver.Resolve(context.Background(), "Bash", map[string]any{"command": "ls"})
	require.NoError(t, err)
	assert.Equal(t, agentwire.BehaviorAllow, result.Behavior)
	updated := result.UpdatedInput.(map[string]any)
	assert.Equal(t, "ls -la", updated["command"])
}

func TestResolveDeny(t *testing.T) {
	url := fakeGateway(t, func(conn *websocket.Conn, request v1.PermissionRequestCommand) {
		conn.WriteJSON(v1.PermissionResolutionEvent{
			Type:      v1.EventPermissionResolution,
			RequestID: request.RequestID,
			Response: agentwire.PermissionResult{
				Behavior: agentwire.BehaviorDeny,
				Message:  "not on my watch",
			},
		})
	})

	resolver := newResolver(url, "s1", newTestLogger(t))
	result, err := resolver.Resolve(context.Background(), "Bash", nil)
	require.NoError(t, err)
	assert.Equal(t, agentwire.BehaviorDeny, result.Behavior)
	assert.Equal(t, "not on my watch", result.Message)
}

func TestResolveGatewayError(t *testing.T) {
	url := fakeGateway(t, func(conn *websocket.Conn, request v1.PermissionRequestCommand) {
		conn.WriteJSON(v1.ErrorEvent{
			Type:    v1.EventError,
			Code:    v1.ErrBusy,
			Message: "session is not running",
		})
	})

	resolver := newResolver(url, "s1", newTestLogger(t))
	_, err := resolver.Resolve(context.Background(), "Bash", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session is not running")
}

func TestResolveDialFailure(t *testing.T) {
	resolver := newResolver("ws://127.0.0.1:1/ws", "s1", newTestLogger(t))
	_, err := resolver.Resolve(context.Background(), "Bash", nil)
	require.Error(t, err)
}
