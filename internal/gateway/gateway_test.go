package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/broker"
	appconfig "github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/orchestrator"
	"github.com/agentdock/agentdock/internal/store"
	"github.com/agentdock/agentdock/internal/workspace"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
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

// newTestServer stands up the full websocket stack over httptest with a
// shell script standing in for the agent CLI.
func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	log := newTestLogger(t)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provisioner, err := workspace.NewProvisioner(workspace.Config{
		SessionsBaseDir: filepath.Join(t.TempDir(), "sessions"),
		CacheDir:        filepath.Join(t.TempDir(), "cache"),
	}, log)
	require.NoError(t, err)

	hub := NewHub(log)
	t.Cleanup(hub.Close)

	orch := orchestrator.New(st, provisioner, broker.NewBroker(log), bus.NewMemoryEventBus(log), hub, orchestrator.Config{
		Agent: appconfig.AgentConfig{
			Mock:        true,
			MockCommand: "sh",
			Args:        []string{"-c", "read line; exit 0"},
		},
	}, log)
	t.Cleanup(orch.Shutdown)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(hub, st, orch, log).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st
}

func dial(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// nextEvent reads frames until one of the wanted type arrives, skipping
// unrelated broadcasts.
func nextEvent(t *testing.T, conn *gorillaws.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var event map[string]any
		require.NoError(t, json.Unmarshal(data, &event))
		if event["type"] == eventType {
			return event
		}
	}
	t.Fatalf("no %s event within deadline", eventType)
	return nil
}

func TestCreateAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, map[string]any{
		"type":       v1.CmdCreateSession,
		"name":       "first",
		"workingDir": t.TempDir(),
	})
	created := nextEvent(t, conn, v1.EventSessionCreated)
	session := created["session"].(map[string]any)
	assert.Equal(t, "first", session["name"])
	assert.NotEmpty(t, session["id"])
	assert.Equal(t, v1.StatusIdle, session["status"])

	send(t, conn, map[string]any{"type": v1.CmdListSessions})
	list := nextEvent(t, conn, v1.EventSessionList)
	sessions := list["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, session["id"], sessions[0].(map[string]any)["id"])
}

func TestAttachSnapshot(t *testing.T) {
	srv, st := newTestServer(t)
	session, err := st.Create(context.Background(), store.Seed{Name: "attachable", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	conn := dial(t, srv)
	send(t, conn, map[string]any{"type": v1.CmdAttachSession, "sessionId": session.ID})

	attached := nextEvent(t, conn, v1.EventSessionAttached)
	assert.Equal(t, session.ID, attached["sessionId"])
	assert.Equal(t, false, attached["isRunning"])
	assert.Empty(t, attached["history"])
	assert.Nil(t, attached["pendingPermission"])
	assert.Nil(t, attached["pendingQuestion"])
}

func TestAttachUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, map[string]any{"type": v1.CmdAttachSession, "sessionId": "missing"})
	errEvent := nextEvent(t, conn, v1.EventError)
	assert.Equal(t, v1.ErrNotFound, errEvent["code"])
	assert.Equal(t, "missing", errEvent["sessionId"])
}

func TestUserMessageUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, map[string]any{"type": v1.CmdUserMessage, "sessionId": "missing", "content": "hi"})
	errEvent := nextEvent(t, conn, v1.EventError)
	assert.Equal(t, v1.ErrNotFound, errEvent["code"])
	assert.Equal(t, "missing", errEvent["sessionId"])
}

func TestUnknownCommandType(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, map[string]any{"type": "bogus_command"})
	errEvent := nextEvent(t, conn, v1.EventError)
	assert.Equal(t, v1.ErrProtocol, errEvent["code"])
}

func TestMalformedFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))
	errEvent := nextEvent(t, conn, v1.EventError)
	assert.Equal(t, v1.ErrProtocol, errEvent["code"])

	// Connection survives the bad frame.
	send(t, conn, map[string]any{"type": v1.CmdListSessions})
	nextEvent(t, conn, v1.EventSessionList)
}

func TestRenameBroadcastsList(t *testing.T) {
	srv, st := newTestServer(t)
	session, err := st.Create(context.Background(), store.Seed{Name: "before", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	conn := dial(t, srv)
	observer := dial(t, srv)

	send(t, conn, map[string]any{"type": v1.CmdRenameSession, "sessionId": session.ID, "name": "after"})
	list := nextEvent(t, observer, v1.EventSessionList)
	sessions := list["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "after", sessions[0].(map[string]any)["name"])
}

func TestDeleteSession(t *testing.T) {
	srv, st := newTestServer(t)
	session, err := st.Create(context.Background(), store.Seed{Name: "doomed", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	conn := dial(t, srv)
	send(t, conn, map[string]any{"type": v1.CmdDeleteSession, "sessionId": session.ID})
	deleted := nextEvent(t, conn, v1.EventSessionDeleted)
	assert.Equal(t, session.ID, deleted["sessionId"])

	_, err = st.Get(context.Background(), session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueueEvictsTextFirst(t *testing.T) {
	log := newTestLogger(t)
	client := NewClient("c1", nil, NewHub(log), log)

	for i := 0; i < maxQueue; i++ {
		require.True(t, client.Enqueue(v1.TextOutputEvent{
			Type: v1.EventTextOutput,
			Text: fmt.Sprintf("chunk %d", i),
		}))
	}

	// A structural event displaces the oldest text chunk.
	assert.True(t, client.Enqueue(v1.ResultEvent{Type: v1.EventResult, Result: "done"}))

	client.mu.Lock()
	queueLen := len(client.queue)
	dropped := client.dropped
	client.mu.Unlock()
	assert.Equal(t, maxQueue, queueLen)
	assert.Equal(t, 1, dropped)
}

func TestEnqueueDropsTextWhenFullOfCritical(t *testing.T) {
	log := newTestLogger(t)
	client := NewClient("c1", nil, NewHub(log), log)

	for i := 0; i < maxQueue; i++ {
		require.True(t, client.Enqueue(v1.ResultEvent{Type: v1.EventResult, Result: "done"}))
	}

	assert.False(t, client.Enqueue(v1.TextOutputEvent{Type: v1.EventTextOutput, Text: "late"}))
}

func TestEnqueueClosesSlowClientOnCriticalBacklog(t *testing.T) {
	log := newTestLogger(t)
	client := NewClient("c1", nil, NewHub(log), log)

	for i := 0; i < maxQueue; i++ {
		require.True(t, client.Enqueue(v1.ResultEvent{Type: v1.EventResult, Result: "done"}))
	}

	assert.False(t, client.Enqueue(v1.SessionDeletedEvent{Type: v1.EventSessionDeleted, SessionID: "s"}))
	select {
	case <-client.done:
	default:
		t.Fatal("expected slow client to be shut down")
	}

	// Once closed nothing else is accepted.
	assert.False(t, client.Enqueue(v1.ResultEvent{Type: v1.EventResult}))
}
