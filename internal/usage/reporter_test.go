package usage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/store"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []any
}

func (e *captureEmitter) EmitGlobal(event any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *captureEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestReporter(t *testing.T, st store.Store, sink Emitter) *Reporter {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewReporter(st, sink, nil, 10*time.Millisecond, log)
}

func TestSnapshotAggregates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.Create(ctx, store.Seed{Name: "one", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	second, err := st.Create(ctx, store.Seed{Name: "two", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, st.AddUsage(ctx, first.ID, v1.UsageTotals{InputTokens: 100, OutputTokens: 20}))
	require.NoError(t, st.AddUsage(ctx, second.ID, v1.UsageTotals{InputTokens: 50, OutputTokens: 5, CacheReadTokens: 30}))

	reporter := newTestReporter(t, st, &captureEmitter{})
	snapshot, err := reporter.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, v1.EventGlobalUsage, snapshot.Type)
	assert.Equal(t, int64(150), snapshot.Totals.InputTokens)
	assert.Equal(t, int64(25), snapshot.Totals.OutputTokens)
	assert.Equal(t, int64(30), snapshot.Totals.CacheReadTokens)

	// Both samples land today, in a single day bucket and a single block.
	assert.Equal(t, snapshot.Totals, snapshot.Today)
	require.Len(t, snapshot.Daily, 1)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), snapshot.Daily[0].Date)
	assert.Equal(t, int64(150), snapshot.Daily[0].InputTokens)
	require.NotEmpty(t, snapshot.Blocks)
	assert.Equal(t, blockSize, snapshot.Blocks[0].End.Sub(snapshot.Blocks[0].Start))
}

func TestSnapshotSurvivesSessionDelete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	session, err := st.Create(ctx, store.Seed{Name: "gone", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, st.AddUsage(ctx, session.ID, v1.UsageTotals{InputTokens: 42}))
	require.NoError(t, st.Delete(ctx, session.ID))

	reporter := newTestReporter(t, st, &captureEmitter{})
	snapshot, err := reporter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snapshot.Totals.InputTokens)
}

func TestSnapshotEmpty(t *testing.T) {
	st := newTestStore(t)
	reporter := newTestReporter(t, st, &captureEmitter{})

	snapshot, err := reporter.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.UsageTotals{}, snapshot.Totals)
	assert.Empty(t, snapshot.Daily)
	assert.Empty(t, snapshot.Blocks)
}

func TestRunEmitsPeriodically(t *testing.T) {
	st := newTestStore(t)
	sink := &captureEmitter{}
	reporter := newTestReporter(t, st, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reporter.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
