package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/internal/infrastructure/external/remote"
	"github.com/learnhub/progress-engine/pkg/retry"
)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *recordingBus) Publish(event shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) has(eventType shared.EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.EventType() == eventType {
			return true
		}
	}
	return false
}

// fastRetrier keeps test retries in the millisecond range.
func fastRetrier(maxAttempts int) *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(maxAttempts),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(5*time.Millisecond),
		retry.WithJitter(0),
	)
}

func newTestEngine(t *testing.T, handler http.Handler) (*progress.Store, *Engine, *recordingBus) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := remote.NewClient(remote.DefaultClientConfig(server.URL, remote.StaticTokenSource("test-token")))
	store := progress.NewStore(progress.StoreConfig{UserID: "user-1"})
	bus := &recordingBus{}

	engine := NewEngine(Config{
		Store:  store,
		Client: client,
		Apply: func(event progress.Event) error {
			_, err := store.Dispatch(event)
			return err
		},
		Publisher:   bus,
		PushRetrier: fastRetrier(3),
		PullRetrier: fastRetrier(3),
	})
	t.Cleanup(engine.Close)

	return store, engine, bus
}

// snapshotFor builds the server's authoritative response for a course.
func snapshotFor(courseID string, serverTime time.Time, lessons ...remote.LessonSnapshotDTO) remote.CourseSnapshotDTO {
	completed := 0
	for _, l := range lessons {
		if l.Completed {
			completed++
		}
	}
	pct := 0
	if len(lessons) > 0 {
		pct = completed * 100 / len(lessons)
	}
	return remote.CourseSnapshotDTO{
		CourseID:     courseID,
		TotalLessons: len(lessons),
		Percentage:   pct,
		ServerTime:   serverTime,
		Lessons:      lessons,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// pullEnvelope wraps pull and reset responses the way the service does.
func pullEnvelope(dto remote.CourseSnapshotDTO) map[string]interface{} {
	return map[string]interface{}{"progress": dto}
}

// pushEnvelope wraps push responses.
func pushEnvelope(dto remote.CourseSnapshotDTO) map[string]interface{} {
	return map[string]interface{}{"courseProgress": dto}
}

func dispatchLocalWatch(t *testing.T, store *progress.Store, courseID, lessonID string, percent int) {
	t.Helper()
	_, err := store.Dispatch(progress.LessonProgressUpdated{
		LessonID:       progress.LessonID(lessonID),
		CourseID:       progress.CourseID(courseID),
		WatchedPercent: progress.Percent(percent),
		Timestamp:      time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)
}

func TestEngine_PushLessonReconciles(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotAuth  string
		gotBody  remote.LessonPushDTO
		reqCount int
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		reqCount++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		mu.Unlock()

		writeJSON(t, w, pushEnvelope(snapshotFor("go-basics", time.Now().UTC().Add(time.Minute),
			remote.LessonSnapshotDTO{LessonID: "lesson-1", WatchedPercent: 50},
			remote.LessonSnapshotDTO{LessonID: "lesson-2"},
		)))
	})

	store, engine, _ := newTestEngine(t, handler)
	dispatchLocalWatch(t, store, "go-basics", "lesson-1", 50)

	course, ok := store.Course("go-basics")
	require.True(t, ok)
	require.True(t, course.Dirty)

	engine.QueueLessonPush("go-basics", "lesson-1")

	require.Eventually(t, func() bool {
		course, ok := store.Course("go-basics")
		return ok && !course.Dirty
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/progress/lesson/lesson-1", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "go-basics", gotBody.CourseID)
	assert.Equal(t, 50, gotBody.WatchedPercent)
	assert.Equal(t, 1, reqCount)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, pushEnvelope(snapshotFor("go-basics", time.Now().UTC().Add(time.Minute),
			remote.LessonSnapshotDTO{LessonID: "lesson-1", WatchedPercent: 40},
		)))
	})

	store, engine, bus := newTestEngine(t, handler)
	dispatchLocalWatch(t, store, "go-basics", "lesson-1", 40)

	engine.QueueLessonPush("go-basics", "lesson-1")

	require.Eventually(t, func() bool {
		course, ok := store.Course("go-basics")
		return ok && !course.Dirty
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	assert.False(t, bus.has(shared.EventSyncFailed))
}

func TestEngine_ExhaustedRetriesLeaveCourseDirty(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	store, engine, bus := newTestEngine(t, handler)
	dispatchLocalWatch(t, store, "go-basics", "lesson-1", 30)

	engine.QueueLessonPush("go-basics", "lesson-1")

	require.Eventually(t, func() bool {
		return bus.has(shared.EventSyncFailed)
	}, 2*time.Second, 5*time.Millisecond)

	course, ok := store.Course("go-basics")
	require.True(t, ok)
	assert.True(t, course.Dirty, "failed sync must not clear local dirty state")

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestEngine_AuthFailureIsNotRetried(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		allow    bool
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		ok := allow
		mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(t, w, pushEnvelope(snapshotFor("go-basics", time.Now().UTC().Add(time.Minute),
			remote.LessonSnapshotDTO{LessonID: "lesson-1", WatchedPercent: 70},
		)))
	})

	store, engine, bus := newTestEngine(t, handler)
	dispatchLocalWatch(t, store, "go-basics", "lesson-1", 70)

	engine.QueueLessonPush("go-basics", "lesson-1")

	require.Eventually(t, func() bool {
		return engine.AuthRequired()
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, bus.has(shared.EventSyncAuthRequired))

	mu.Lock()
	assert.Equal(t, 1, attempts, "auth failures must fail fast")
	allow = true
	mu.Unlock()

	// Fresh credentials: the requeued push runs to completion.
	engine.ResumeAfterAuth()

	require.Eventually(t, func() bool {
		course, ok := store.Course("go-basics")
		return ok && !course.Dirty
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, engine.AuthRequired())
}

func TestEngine_ConflictForcesPullThenRepush(t *testing.T) {
	var (
		mu     sync.Mutex
		pushes int
		pulls  int
	)

	snapshot := snapshotFor("go-basics", time.Now().UTC().Add(time.Minute),
		remote.LessonSnapshotDTO{LessonID: "lesson-1", WatchedPercent: 90},
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case r.Method == http.MethodGet:
			pulls++
			writeJSON(t, w, pullEnvelope(snapshot))
		default:
			pushes++
			if pushes == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			writeJSON(t, w, pushEnvelope(snapshot))
		}
	})

	store, engine, bus := newTestEngine(t, handler)
	dispatchLocalWatch(t, store, "go-basics", "lesson-1", 90)

	engine.QueueLessonPush("go-basics", "lesson-1")

	require.Eventually(t, func() bool {
		course, ok := store.Course("go-basics")
		return ok && !course.Dirty
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, pulls, "conflict must force exactly one pull")
	assert.Equal(t, 2, pushes, "push must be retried once after the pull")
	mu.Unlock()
	assert.False(t, bus.has(shared.EventSyncFailed))
}

func TestEngine_PullCourseAppliesSnapshot(t *testing.T) {
	completedAt := time.Now().UTC().Add(-time.Hour)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, pullEnvelope(snapshotFor("algorithms", time.Now().UTC(),
			remote.LessonSnapshotDTO{LessonID: "a-1", WatchedPercent: 100, Completed: true, CompletedAt: &completedAt},
			remote.LessonSnapshotDTO{LessonID: "a-2", WatchedPercent: 20},
		)))
	})

	store, engine, _ := newTestEngine(t, handler)

	require.NoError(t, engine.PullCourse(context.Background(), "algorithms"))

	course, ok := store.Course("algorithms")
	require.True(t, ok)
	assert.Equal(t, 2, course.TotalLessons)
	assert.Equal(t, 1, course.CompletedCount())
	assert.False(t, course.Dirty)
}

func TestEngine_PullAllHydratesEveryCourse(t *testing.T) {
	serverTime := time.Now().UTC()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/progress/user", r.URL.Path)
		writeJSON(t, w, remote.UserProgressDTO{
			Progress: []remote.CourseSnapshotDTO{
				snapshotFor("go-basics", serverTime, remote.LessonSnapshotDTO{LessonID: "l-1", WatchedPercent: 10}),
				snapshotFor("algorithms", serverTime, remote.LessonSnapshotDTO{LessonID: "a-1", WatchedPercent: 60}),
			},
		})
	})

	store, engine, _ := newTestEngine(t, handler)

	require.NoError(t, engine.PullAll(context.Background()))

	assert.Len(t, store.Courses(), 2)
	_, ok := store.Course("go-basics")
	assert.True(t, ok)
	_, ok = store.Course("algorithms")
	assert.True(t, ok)
}

func TestCourseState_CoalescesLessonWork(t *testing.T) {
	cs := &courseState{pendingLessons: make(map[progress.LessonID]pendingOps)}

	// Repeated writes to one lesson collapse into a single job.
	cs.pendingLessons["lesson-1"] = pendingOps{lesson: true}
	ops := cs.pendingLessons["lesson-1"]
	ops.lesson = true
	ops.quiz = true
	cs.pendingLessons["lesson-1"] = ops

	j, ok := cs.nextJob()
	require.True(t, ok)
	assert.Equal(t, progress.LessonID("lesson-1"), j.lessonID)
	assert.True(t, j.ops.lesson)
	assert.True(t, j.ops.quiz)

	_, ok = cs.nextJob()
	assert.False(t, ok)
}

func TestCourseState_ResetSupersedesLessonPushes(t *testing.T) {
	cs := &courseState{pendingLessons: make(map[progress.LessonID]pendingOps)}
	cs.pendingLessons["lesson-1"] = pendingOps{lesson: true}
	cs.pendingLessons["lesson-2"] = pendingOps{quiz: true}
	cs.pendingReset = true

	j, ok := cs.nextJob()
	require.True(t, ok)
	assert.True(t, j.reset)

	// The reset wiped the queued lesson work.
	_, ok = cs.nextJob()
	assert.False(t, ok)
}

func TestCourseState_JobOrdering(t *testing.T) {
	cs := &courseState{pendingLessons: make(map[progress.LessonID]pendingOps)}
	cs.pendingLessons["b-lesson"] = pendingOps{lesson: true}
	cs.pendingLessons["a-lesson"] = pendingOps{lesson: true}
	cs.pendingPull = true

	j, ok := cs.nextJob()
	require.True(t, ok)
	assert.True(t, j.pull, "pull runs before queued pushes")

	j, ok = cs.nextJob()
	require.True(t, ok)
	assert.Equal(t, progress.LessonID("a-lesson"), j.lessonID)

	j, ok = cs.nextJob()
	require.True(t, ok)
	assert.Equal(t, progress.LessonID("b-lesson"), j.lessonID)
}

func TestEngine_ResetPushScheduled(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		writeJSON(t, w, pullEnvelope(snapshotFor("go-basics", time.Now().UTC().Add(time.Minute))))
	})

	store, engine, _ := newTestEngine(t, handler)
	dispatchLocalWatch(t, store, "go-basics", "lesson-1", 25)
	_, err := store.Dispatch(progress.CourseReset{CourseID: "go-basics", Timestamp: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)

	engine.QueueReset("go-basics")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPath == "/progress/reset/go-basics"
	}, 2*time.Second, 5*time.Millisecond)

	// The delivered reset's response confirms the wipe.
	require.Eventually(t, func() bool {
		course, ok := store.Course("go-basics")
		return ok && !course.PendingReset && !course.Dirty
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_ResetSurvivesRetryExhaustion(t *testing.T) {
	var (
		mu     sync.Mutex
		resets int
		pulls  int
	)

	// The server still holds the pre-reset progress: a bare pull here
	// would hand lesson-1 back as completed.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/progress/reset/"):
			resets++
			if resets <= 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeJSON(t, w, pullEnvelope(snapshotFor("go-basics", time.Now().UTC().Add(time.Minute))))
		default:
			pulls++
			completedAt := time.Now().UTC().Add(-time.Hour)
			writeJSON(t, w, pullEnvelope(snapshotFor("go-basics", time.Now().UTC().Add(time.Minute),
				remote.LessonSnapshotDTO{LessonID: "lesson-1", WatchedPercent: 100, Completed: true, CompletedAt: &completedAt},
			)))
		}
	})

	store, engine, bus := newTestEngine(t, handler)
	_, err := store.Dispatch(progress.LessonCompleted{
		LessonID: "lesson-1", CourseID: "go-basics", Timestamp: time.Now().UTC().Add(-2 * time.Minute),
	})
	require.NoError(t, err)
	_, err = store.Dispatch(progress.CourseReset{CourseID: "go-basics", Timestamp: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)

	engine.QueueReset("go-basics")

	require.Eventually(t, func() bool {
		return bus.has(shared.EventSyncFailed)
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, 3, resets)
	mu.Unlock()

	// The undelivered reset stays queued: the course is still dirty and
	// keeps its reset intent.
	course, ok := store.Course("go-basics")
	require.True(t, ok)
	assert.True(t, course.PendingReset)
	assert.True(t, course.Dirty)

	// A later resync re-pushes the reset instead of pulling the wiped
	// progress back from the server. The three 503s tripped the client's
	// breaker (60s open); clear it so the re-push can reach the server.
	engine.client.Reset()
	engine.ResyncDirty()

	require.Eventually(t, func() bool {
		course, ok := store.Course("go-basics")
		return ok && !course.PendingReset && !course.Dirty
	}, 2*time.Second, 5*time.Millisecond)

	_, ok = store.Lesson("lesson-1")
	assert.False(t, ok, "wiped lesson must not come back")

	mu.Lock()
	assert.Equal(t, 4, resets, "resync must re-push the reset")
	assert.Equal(t, 0, pulls, "resync of a pending reset must not pull")
	mu.Unlock()
}

func TestEngine_ConcurrentPullsShareOneSlot(t *testing.T) {
	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)
		writeJSON(t, w, pullEnvelope(snapshotFor("algorithms", time.Now().UTC(),
			remote.LessonSnapshotDTO{LessonID: "a-1", WatchedPercent: 10},
		)))

		mu.Lock()
		inFlight--
		mu.Unlock()
	})

	store, engine, _ := newTestEngine(t, handler)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.PullCourse(context.Background(), "algorithms")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	mu.Lock()
	assert.Equal(t, 1, maxInFlight, "one course gets one in-flight pull")
	mu.Unlock()

	course, ok := store.Course("algorithms")
	require.True(t, ok)
	assert.Equal(t, 1, course.TotalLessons)
}
