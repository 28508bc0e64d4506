package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

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

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var received *Event
	sub, err := bus.Subscribe(SubjectSessionStatus, func(ctx context.Context, event *Event) error {
		received = event
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent("status_changed", "orchestrator", map[string]any{"sessionId": "s1"})
	require.NoError(t, bus.Publish(context.Background(), SubjectSessionStatus, event))

	require.NotNil(t, received)
	assert.Equal(t, event.ID, received.ID)
	assert.Equal(t, "s1", received.Data["sessionId"])
}

func TestMemoryEventBus_OrderedDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var got []int
	_, err := bus.Subscribe("session.>", func(ctx context.Context, event *Event) error {
		got = append(got, event.Data["n"].(int))
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(context.Background(),
			SubjectSessionStatus, NewEvent("status_changed", "test", map[string]any{"n": i})))
	}

	require.Len(t, got, 100)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestMemoryEventBus_WildcardMatching(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	counts := map[string]int{}
	var mu sync.Mutex
	subscribe := func(pattern string) {
		_, err := bus.Subscribe(pattern, func(ctx context.Context, event *Event) error {
			mu.Lock()
			counts[pattern]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	subscribe("session.created")
	subscribe("session.*")
	subscribe("session.>")
	subscribe("usage.snapshot")

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, SubjectSessionCreated, NewEvent("created", "test", nil)))
	require.NoError(t, bus.Publish(ctx, SubjectSessionDeleted, NewEvent("deleted", "test", nil)))
	require.NoError(t, bus.Publish(ctx, SubjectUsageSnapshot, NewEvent("snapshot", "test", nil)))

	assert.Equal(t, 1, counts["session.created"])
	assert.Equal(t, 2, counts["session.*"])
	assert.Equal(t, 2, counts["session.>"])
	assert.Equal(t, 1, counts["usage.snapshot"])
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	calls := 0
	sub, err := bus.Subscribe(SubjectSessionCreated, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, SubjectSessionCreated, NewEvent("created", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, bus.Publish(ctx, SubjectSessionCreated, NewEvent("created", "test", nil)))

	assert.Equal(t, 1, calls)
}

func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	second := false
	_, err := bus.Subscribe(SubjectSessionCreated, func(ctx context.Context, event *Event) error {
		return errors.New("handler failure")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(SubjectSessionCreated, func(ctx context.Context, event *Event) error {
		second = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), SubjectSessionCreated, NewEvent("created", "test", nil)))
	assert.True(t, second)
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, err := bus.Subscribe(SubjectSessionCreated, func(ctx context.Context, event *Event) error {
		return nil
	})
	require.NoError(t, err)

	bus.Close()

	assert.False(t, bus.IsConnected())
	assert.False(t, sub.IsValid())

	err = bus.Publish(context.Background(), SubjectSessionCreated, NewEvent("created", "test", nil))
	assert.Error(t, err)

	_, err = bus.Subscribe(SubjectSessionCreated, func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
