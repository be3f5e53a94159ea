package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
)

func newSyncBus(t *testing.T) *InMemoryEventBus {
	t.Helper()
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestInMemoryEventBus_DeliversInPublishOrder(t *testing.T) {
	bus := newSyncBus(t)

	var mu sync.Mutex
	var seen []shared.EventType

	require.NoError(t, bus.SubscribeAll(func(event shared.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.EventType())
		return nil
	}))

	events := []shared.Event{
		progress.NewCourseStartedEvent("go-basics"),
		progress.NewLessonCompletedEvent("lesson-1", "go-basics", time.Now().UTC()),
		progress.NewCourseCompletedEvent("go-basics", time.Now().UTC()),
	}
	for _, e := range events {
		require.NoError(t, bus.Publish(e))
	}

	// Sync mode: handlers ran before Publish returned.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []shared.EventType{
		shared.EventCourseStarted,
		shared.EventLessonCompleted,
		shared.EventCourseCompleted,
	}, seen)
}

func TestInMemoryEventBus_FiltersByType(t *testing.T) {
	bus := newSyncBus(t)

	var completed int
	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(event shared.Event) error {
		completed++
		return nil
	}))

	require.NoError(t, bus.Publish(progress.NewCourseStartedEvent("go-basics")))
	require.NoError(t, bus.Publish(progress.NewLessonCompletedEvent("lesson-1", "go-basics", time.Now().UTC())))

	assert.Equal(t, 1, completed)
}

func TestInMemoryEventBus_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := newSyncBus(t)

	var delivered bool
	require.NoError(t, bus.SubscribeAll(func(event shared.Event) error {
		return errors.New("handler exploded")
	}))
	require.NoError(t, bus.SubscribeAll(func(event shared.Event) error {
		delivered = true
		return nil
	}))

	require.NoError(t, bus.Publish(progress.NewCourseStartedEvent("go-basics")))
	assert.True(t, delivered)

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalHandlerExecs)
	assert.InDelta(t, 0.5, snap.HandlerSuccessRate, 0.001)
}

func TestInMemoryEventBus_ClosedBusRejectsOperations(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	require.NoError(t, bus.Close())

	err := bus.Publish(progress.NewCourseStartedEvent("go-basics"))
	assert.ErrorIs(t, err, ErrEventBusClosed)

	err = bus.Subscribe(shared.EventCourseStarted, func(event shared.Event) error { return nil })
	assert.ErrorIs(t, err, ErrEventBusClosed)

	// Double close is a no-op.
	require.NoError(t, bus.Close())
}

func TestInMemoryEventBus_AsyncModeDelivers(t *testing.T) {
	cfg := DefaultInMemoryEventBusConfig()
	cfg.AsyncMode = true
	bus := NewInMemoryEventBus(cfg)

	var mu sync.Mutex
	count := 0
	require.NoError(t, bus.SubscribeAll(func(event shared.Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(progress.NewCourseStartedEvent("go-basics")))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 5
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Close())
}
