package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
)

// recordingPublisher captures events for persister assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(event shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType shared.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

func newTestPersister(t *testing.T, debounce time.Duration) (*Persister, *progress.Store, *memorySnapshotStore, *recordingPublisher) {
	t.Helper()

	store := progress.NewStore(progress.StoreConfig{UserID: "user-1"})
	snapshots := &memorySnapshotStore{}
	publisher := &recordingPublisher{}
	p := NewPersister(store, snapshots, publisher, debounce, nil)
	return p, store, snapshots, publisher
}

func dispatchWatch(t *testing.T, store *progress.Store, lessonID string, percent int) {
	t.Helper()
	_, err := store.Dispatch(progress.LessonProgressUpdated{
		LessonID:       progress.LessonID(lessonID),
		CourseID:       "go-basics",
		WatchedPercent: progress.Percent(percent),
		Timestamp:      time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestPersister_DebouncesBursts(t *testing.T) {
	p, store, snapshots, publisher := newTestPersister(t, 20*time.Millisecond)

	// A rapid burst of changes collapses into one save of the final state.
	for i := 1; i <= 5; i++ {
		dispatchWatch(t, store, "lesson-1", i*10)
		p.Notify()
	}

	require.Eventually(t, func() bool {
		return snapshots.saveCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The window stays quiet: no second save sneaks in.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, snapshots.saveCount())

	snap := snapshots.lastSnapshot()
	require.NotNil(t, snap)
	lesson, ok := snap.LessonProgress["lesson-1"]
	require.True(t, ok)
	assert.Equal(t, progress.Percent(50), lesson.WatchedPercent)

	assert.Equal(t, 1, publisher.count(shared.EventSnapshotSaved))
}

func TestPersister_RetriesStorageFailures(t *testing.T) {
	p, store, snapshots, _ := newTestPersister(t, time.Millisecond)
	snapshots.failNext = 2

	dispatchWatch(t, store, "lesson-1", 40)
	p.Notify()

	require.Eventually(t, func() bool {
		return snapshots.saveCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPersister_FlushWritesImmediately(t *testing.T) {
	p, store, snapshots, _ := newTestPersister(t, time.Hour)

	dispatchWatch(t, store, "lesson-1", 70)
	p.Notify()

	// The debounce window is far away; Flush must not wait for it.
	require.NoError(t, p.Flush(context.Background()))

	snap := snapshots.lastSnapshot()
	require.NotNil(t, snap)
	assert.Contains(t, snap.LessonProgress, progress.LessonID("lesson-1"))
}

func TestPersister_CloseIsIdempotent(t *testing.T) {
	p, store, snapshots, _ := newTestPersister(t, time.Hour)

	dispatchWatch(t, store, "lesson-1", 25)

	require.NoError(t, p.Close(context.Background()))
	require.NotNil(t, snapshots.lastSnapshot())

	saves := snapshots.saveCount()
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, saves, snapshots.saveCount())

	// Notifications after close are ignored.
	p.Notify()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, saves, snapshots.saveCount())
}
