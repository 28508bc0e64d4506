package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/pkg/agentwire"
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

func newTestStore(t *testing.T) (*SQLiteStore, *bus.MemoryEventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), eventBus, newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, eventBus
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, Seed{
		Name:       "demo",
		WorkingDir: "/tmp/w",
		Workspace:  &v1.WorkspaceDescriptor{Kind: v1.WorkspaceLocalCopy, Source: "/tmp/w"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, v1.StatusIdle, created.Status)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "/tmp/w", got.WorkingDir)
	assert.Equal(t, v1.StatusIdle, got.Status)
	require.NotNil(t, got.Workspace)
	assert.Equal(t, v1.WorkspaceLocalCopy, got.Workspace.Kind)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		session, err := s.Create(ctx, Seed{Name: fmt.Sprintf("s%d", i), WorkingDir: "/tmp"})
		require.NoError(t, err)
		ids = append(ids, session.ID)
		time.Sleep(5 * time.Millisecond)
	}

	sessions, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, ids[2], sessions[0].ID)
	assert.Equal(t, ids[0], sessions[2].ID)
}

func TestSetters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, session.ID, v1.StatusRunning))
	require.NoError(t, s.SetAgentSessionID(ctx, session.ID, "a1"))
	require.NoError(t, s.SetModel(ctx, session.ID, "m1"))
	require.NoError(t, s.SetPermissionMode(ctx, session.ID, "plan"))
	require.NoError(t, s.SetName(ctx, session.ID, "renamed"))

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, got.Status)
	assert.Equal(t, "a1", got.AgentSessionID)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, "plan", got.PermissionMode)
	assert.Equal(t, "renamed", got.Name)

	assert.ErrorIs(t, s.SetStatus(ctx, "missing", v1.StatusIdle), ErrNotFound)
}

func TestPendingPrompts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)

	permission := &v1.PermissionPrompt{
		RequestID: "r1",
		ToolName:  "Write",
		Input:     map[string]any{"path": "/tmp/w/foo"},
	}
	require.NoError(t, s.SetPendingPermission(ctx, session.ID, permission))

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingPermission)
	assert.Equal(t, "r1", got.PendingPermission.RequestID)
	assert.Equal(t, "Write", got.PendingPermission.ToolName)

	require.NoError(t, s.SetPendingPermission(ctx, session.ID, nil))
	got, err = s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingPermission)

	question := &v1.QuestionPrompt{
		RequestID: "q1",
		Questions: []agentwire.Question{{Question: "Which one?", Header: "Choice", Options: []string{"a", "b"}}},
	}
	require.NoError(t, s.SetPendingQuestion(ctx, session.ID, question))
	got, err = s.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingQuestion)
	assert.Equal(t, "q1", got.PendingQuestion.RequestID)
	require.Len(t, got.PendingQuestion.Questions, 1)
	assert.Equal(t, []string{"a", "b"}, got.PendingQuestion.Questions[0].Options)
}

func TestHistory_AppendOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.AppendHistory(ctx, session.ID, v1.HistoryEntry{Kind: v1.EntryUser, Text: "hi"}))
	require.NoError(t, s.AppendHistory(ctx, session.ID, v1.HistoryEntry{
		Kind: v1.EntryToolUse, ToolName: "Bash", ToolUseID: "t1",
		Input: map[string]any{"command": "ls"},
	}))
	require.NoError(t, s.AppendHistory(ctx, session.ID, v1.HistoryEntry{Kind: v1.EntryAssistant, Text: "done"}))

	entries, err := s.History(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, v1.EntryUser, entries[0].Kind)
	assert.Equal(t, "hi", entries[0].Text)
	assert.Equal(t, "t1", entries[1].ToolUseID)
	assert.Equal(t, v1.EntryAssistant, entries[2].Kind)
	assert.False(t, entries[0].Timestamp.IsZero())

	assert.ErrorIs(t, s.AppendHistory(ctx, "missing", v1.HistoryEntry{Kind: v1.EntryUser}), ErrNotFound)
	_, err = s.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageAccumulators(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.AddUsage(ctx, session.ID, v1.UsageTotals{InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, s.AddUsage(ctx, session.ID, v1.UsageTotals{InputTokens: 3, CacheReadTokens: 7}))

	window := int64(200000)
	require.NoError(t, s.AddModelUsage(ctx, session.ID, "m1", v1.UsageTotals{InputTokens: 10}, &window))
	require.NoError(t, s.AddModelUsage(ctx, session.ID, "m1", v1.UsageTotals{OutputTokens: 4}, nil))

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), got.Usage.InputTokens)
	assert.Equal(t, int64(5), got.Usage.OutputTokens)
	assert.Equal(t, int64(7), got.Usage.CacheReadTokens)

	usage := got.ModelUsage["m1"]
	assert.Equal(t, int64(10), usage.InputTokens)
	assert.Equal(t, int64(4), usage.OutputTokens)
	require.NotNil(t, usage.ContextWindow)
	assert.Equal(t, int64(200000), *usage.ContextWindow)
}

func TestUpdate_PersistsWorkingDir(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/seed/dir"})
	require.NoError(t, err)

	updated, err := s.Update(ctx, session.ID, func(sess *Session) error {
		sess.WorkingDir = "/provisioned/dir"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/provisioned/dir", updated.WorkingDir)

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "/provisioned/dir", got.WorkingDir)
}

func TestUpdate_Serialized(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddUsage(ctx, session.ID, v1.UsageTotals{InputTokens: 1}))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Usage.InputTokens)
}

func TestDelete(t *testing.T) {
	s, eventBus := newTestStore(t)
	ctx := context.Background()

	var deletedID string
	_, err := eventBus.Subscribe(bus.SubjectSessionDeleted, func(ctx context.Context, event *bus.Event) error {
		deletedID = event.Data["sessionId"].(string)
		return nil
	})
	require.NoError(t, err)

	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, s.AppendHistory(ctx, session.ID, v1.HistoryEntry{Kind: v1.EntryUser, Text: "hi"}))

	require.NoError(t, s.Delete(ctx, session.ID))
	assert.Equal(t, session.ID, deletedID)

	_, err = s.Get(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, session.ID), ErrNotFound)
}

func TestRehydrate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, session.ID, v1.StatusWaitingPermission))
	require.NoError(t, s.SetPendingPermission(ctx, session.ID, &v1.PermissionPrompt{RequestID: "r1", ToolName: "Bash"}))

	require.NoError(t, s.Rehydrate(ctx))

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusIdle, got.Status)
	assert.Nil(t, got.PendingPermission)
	assert.Nil(t, got.PendingQuestion)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sessions.db")
	log := newTestLogger(t)

	s, err := NewSQLiteStore(dbPath, nil, log)
	require.NoError(t, err)

	ctx := context.Background()
	session, err := s.Create(ctx, Seed{Name: "demo", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, s.AppendHistory(ctx, session.ID, v1.HistoryEntry{Kind: v1.EntryUser, Text: "hi"}))
	require.NoError(t, s.SetStatus(ctx, session.ID, v1.StatusRunning))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath, nil, log)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Rehydrate(ctx))

	got, err := reopened.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, v1.StatusIdle, got.Status)

	entries, err := reopened.History(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Text)
}
