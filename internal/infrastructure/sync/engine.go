// Package sync implements the background synchronization engine between
// the local progress store and the remote progress service.
//
// Writes are optimistic: the store applies them instantly and the engine
// pushes them in the background. Per course, pulls and pushes run on one
// serialized worker, so a pull never interleaves with an in-flight push
// for the same course. Work queued while the worker is busy coalesces:
// ten rapid updates to one lesson produce one push carrying the state
// read at flush time.
package sync

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/internal/infrastructure/external/remote"
	"github.com/learnhub/progress-engine/pkg/retry"
)

// Applier dispatches a reconciliation event into the progress store and
// publishes whatever the store emits. Provided by the application layer.
type Applier func(event progress.Event) error

// Config contains sync engine configuration.
type Config struct {
	// Store is the local progress store (read access only).
	Store *progress.Store

	// Client is the remote progress service client.
	Client *remote.Client

	// Apply dispatches snapshot events into the store.
	Apply Applier

	// Publisher receives sync status events.
	Publisher shared.EventPublisher

	// PushRetrier overrides the push retry policy. Nil uses the default
	// (three attempts, 1s initial delay, doubled per attempt).
	PushRetrier *retry.Retrier

	// PullRetrier overrides the pull retry policy.
	PullRetrier *retry.Retrier

	// Logger for structured logging.
	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// PER-COURSE WORK QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// pendingOps marks which pushes are owed for one lesson.
type pendingOps struct {
	lesson bool
	quiz   bool
}

// courseState is the coalescing queue of one course. A single worker
// drains it; flags instead of a job list mean repeated writes collapse.
type courseState struct {
	mu             sync.Mutex
	running        bool
	pendingReset   bool
	pendingPull    bool
	pendingLessons map[progress.LessonID]pendingOps
	pullWaiters    []chan error
}

// job is one unit of work taken off the queue.
type job struct {
	reset    bool
	pull     bool
	lessonID progress.LessonID
	ops      pendingOps

	// waiters are blocked callers awaiting the outcome of a pull job.
	waiters []chan error
}

// deliver reports the job outcome to blocked callers.
func (j job) deliver(err error) {
	for _, ch := range j.waiters {
		ch <- err
	}
}

// nextJob pops the highest-priority pending work: reset, then pull,
// then lesson pushes in identifier order. Returns false when drained.
func (cs *courseState) nextJob() (job, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch {
	case cs.pendingReset:
		cs.pendingReset = false
		// A reset supersedes queued lesson pushes.
		cs.pendingLessons = make(map[progress.LessonID]pendingOps)
		return job{reset: true}, true

	case cs.pendingPull:
		cs.pendingPull = false
		waiters := cs.pullWaiters
		cs.pullWaiters = nil
		return job{pull: true, waiters: waiters}, true

	case len(cs.pendingLessons) > 0:
		ids := make([]progress.LessonID, 0, len(cs.pendingLessons))
		for id := range cs.pendingLessons {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		id := ids[0]
		ops := cs.pendingLessons[id]
		delete(cs.pendingLessons, id)
		return job{lessonID: id, ops: ops}, true

	default:
		cs.running = false
		return job{}, false
	}
}

// requeue puts a failed job back so a later resume can retry it.
func (cs *courseState) requeue(j job) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch {
	case j.reset:
		cs.pendingReset = true
	case j.pull:
		cs.pendingPull = true
	default:
		ops := cs.pendingLessons[j.lessonID]
		ops.lesson = ops.lesson || j.ops.lesson
		ops.quiz = ops.quiz || j.ops.quiz
		cs.pendingLessons[j.lessonID] = ops
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine coordinates pulls and pushes between the store and the remote
// service. All Queue* methods are non-blocking.
type Engine struct {
	store     *progress.Store
	client    *remote.Client
	apply     Applier
	publisher shared.EventPublisher
	logger    *slog.Logger

	pushRetrier *retry.Retrier
	pullRetrier *retry.Retrier

	mu           sync.Mutex
	courses      map[progress.CourseID]*courseState
	authRequired bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a sync engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pushRetrier := cfg.PushRetrier
	if pushRetrier == nil {
		pushRetrier = retry.PushRetrier()
	}
	pullRetrier := cfg.PullRetrier
	if pullRetrier == nil {
		pullRetrier = retry.PullRetrier()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:       cfg.Store,
		client:      cfg.Client,
		apply:       cfg.Apply,
		publisher:   cfg.Publisher,
		logger:      logger,
		pushRetrier: pushRetrier,
		pullRetrier: pullRetrier,
		courses:     make(map[progress.CourseID]*courseState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (e *Engine) course(courseID progress.CourseID) *courseState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.courses[courseID]
	if !ok {
		cs = &courseState{pendingLessons: make(map[progress.LessonID]pendingOps)}
		e.courses[courseID] = cs
	}
	return cs
}

// ══════════════════════════════════════════════════════════════════════════════
// QUEUEING
// ══════════════════════════════════════════════════════════════════════════════

// QueueLessonPush schedules a push of the lesson's current local state.
func (e *Engine) QueueLessonPush(courseID progress.CourseID, lessonID progress.LessonID) {
	cs := e.course(courseID)

	cs.mu.Lock()
	ops := cs.pendingLessons[lessonID]
	ops.lesson = true
	cs.pendingLessons[lessonID] = ops
	cs.mu.Unlock()

	e.schedule(courseID, cs)
}

// QueueQuizPush schedules a push of the lesson's quiz result.
func (e *Engine) QueueQuizPush(courseID progress.CourseID, lessonID progress.LessonID) {
	cs := e.course(courseID)

	cs.mu.Lock()
	ops := cs.pendingLessons[lessonID]
	ops.quiz = true
	cs.pendingLessons[lessonID] = ops
	cs.mu.Unlock()

	e.schedule(courseID, cs)
}

// QueueReset schedules a server-side course reset. Supersedes any
// queued lesson pushes for the course.
func (e *Engine) QueueReset(courseID progress.CourseID) {
	cs := e.course(courseID)

	cs.mu.Lock()
	cs.pendingReset = true
	cs.mu.Unlock()

	e.schedule(courseID, cs)
}

// QueuePull schedules a pull of the course's authoritative snapshot.
// If a worker is already busy on the course, the pull runs after the
// in-flight operation completes.
func (e *Engine) QueuePull(courseID progress.CourseID) {
	cs := e.course(courseID)

	cs.mu.Lock()
	cs.pendingPull = true
	cs.mu.Unlock()

	e.schedule(courseID, cs)
}

// ResyncCourse queues a push of every locally known lesson of the
// course followed by a pull. Used after restoring a dirty snapshot.
// A course with an undelivered reset re-queues the reset instead: a
// bare pull would resurrect the progress the user wiped.
func (e *Engine) ResyncCourse(courseID progress.CourseID) {
	cs := e.course(courseID)

	if course, ok := e.store.Course(courseID); ok && course.PendingReset {
		cs.mu.Lock()
		cs.pendingReset = true
		cs.mu.Unlock()

		e.schedule(courseID, cs)
		return
	}

	cs.mu.Lock()
	for _, lp := range e.store.CourseLessons(courseID) {
		ops := cs.pendingLessons[lp.LessonID]
		ops.lesson = true
		ops.quiz = ops.quiz || lp.Quiz != nil
		cs.pendingLessons[lp.LessonID] = ops
	}
	cs.pendingPull = true
	cs.mu.Unlock()

	e.schedule(courseID, cs)
}

// ResyncDirty re-queues every course with unsynchronized local writes.
func (e *Engine) ResyncDirty() {
	for _, courseID := range e.store.DirtyCourses() {
		e.ResyncCourse(courseID)
	}
}

// ResumeAfterAuth clears the auth-required latch and restarts workers.
// Call after the caller refreshed credentials.
func (e *Engine) ResumeAfterAuth() {
	e.mu.Lock()
	e.authRequired = false
	pending := make(map[progress.CourseID]*courseState, len(e.courses))
	for id, cs := range e.courses {
		pending[id] = cs
	}
	e.mu.Unlock()

	for id, cs := range pending {
		e.schedule(id, cs)
	}
}

// AuthRequired reports whether sync is latched waiting for fresh credentials.
func (e *Engine) AuthRequired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authRequired
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNCHRONOUS PULLS
// ══════════════════════════════════════════════════════════════════════════════

// PullCourse fetches and applies one course snapshot, blocking the
// caller. The pull goes through the per-course worker, so concurrent
// callers share a single in-flight request instead of racing.
func (e *Engine) PullCourse(ctx context.Context, courseID progress.CourseID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return shared.NewDomainError("sync", "PullCourse", shared.ErrInvalidState, "engine is closed")
	}
	if e.authRequired {
		e.mu.Unlock()
		return shared.ErrRemoteAuth
	}
	e.mu.Unlock()

	cs := e.course(courseID)

	done := make(chan error, 1)
	cs.mu.Lock()
	cs.pendingPull = true
	cs.pullWaiters = append(cs.pullWaiters, done)
	cs.mu.Unlock()

	e.schedule(courseID, cs)

	select {
	case err := <-done:
		if err != nil {
			return shared.WrapError("sync", "PullCourse", errKind(err), "pull course snapshot", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// PullAll fetches and applies the full server state, blocking the caller.
// Used to hydrate a fresh session.
func (e *Engine) PullAll(ctx context.Context) error {
	all, err := retry.DoWithData(ctx, e.pullRetrier, func(ctx context.Context) (*remote.UserProgressDTO, error) {
		all, err := e.client.GetAllProgress(ctx)
		return all, classifyForRetry(err)
	})
	if err != nil {
		return shared.WrapError("sync", "PullAll", errKind(err), "pull full progress", err)
	}

	for i := range all.Progress {
		dto := all.Progress[i]
		if err := e.apply(e.client.Mapper().SnapshotEventFromDTO(&dto)); err != nil {
			return err
		}
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKER
// ══════════════════════════════════════════════════════════════════════════════

func (e *Engine) schedule(courseID progress.CourseID, cs *courseState) {
	e.mu.Lock()
	if e.closed || e.authRequired {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = true
	cs.mu.Unlock()

	e.wg.Add(1)
	go e.runWorker(courseID, cs)
}

func (e *Engine) runWorker(courseID progress.CourseID, cs *courseState) {
	defer e.wg.Done()

	for {
		if e.ctx.Err() != nil {
			cs.mu.Lock()
			cs.running = false
			cs.mu.Unlock()
			return
		}

		j, ok := cs.nextJob()
		if !ok {
			return
		}

		err := e.execute(e.ctx, courseID, j)
		if err != nil {
			stop := e.handleFailure(courseID, cs, j, err)
			j.deliver(err)
			if stop {
				return
			}
			continue
		}
		j.deliver(nil)
	}
}

// execute performs one job with the appropriate retry policy.
func (e *Engine) execute(ctx context.Context, courseID progress.CourseID, j job) error {
	switch {
	case j.reset:
		return e.executeReset(ctx, courseID)
	case j.pull:
		return e.executePull(ctx, courseID)
	default:
		return e.executeLessonPush(ctx, courseID, j)
	}
}

func (e *Engine) executePull(ctx context.Context, courseID progress.CourseID) error {
	dto, err := retry.DoWithData(ctx, e.pullRetrier, func(ctx context.Context) (*remote.CourseSnapshotDTO, error) {
		dto, err := e.client.GetCourseProgress(ctx, courseID.String())
		return dto, classifyForRetry(err)
	})
	if err != nil {
		return err
	}

	return e.apply(e.client.Mapper().SnapshotEventFromDTO(dto))
}

func (e *Engine) executeReset(ctx context.Context, courseID progress.CourseID) error {
	dto, err := retry.DoWithData(ctx, e.pushRetrier, func(ctx context.Context) (*remote.CourseSnapshotDTO, error) {
		dto, err := e.client.ResetCourse(ctx, courseID.String())
		return dto, classifyForRetry(err)
	})
	if err != nil {
		return err
	}

	// Only the delivered reset's own response may clear the pending
	// reset and overwrite local state.
	ev := e.client.Mapper().SnapshotEventFromDTO(dto)
	ev.ResetConfirmed = true
	return e.apply(ev)
}

func (e *Engine) executeLessonPush(ctx context.Context, courseID progress.CourseID, j job) error {
	// State is read at flush time: coalesced writes push the latest
	// values, not each intermediate one.
	lesson, ok := e.store.Lesson(j.lessonID)
	if !ok {
		return nil
	}

	if j.ops.lesson {
		if err := e.pushLessonState(ctx, lesson); err != nil {
			return err
		}
	}

	if j.ops.quiz && lesson.Quiz != nil {
		body, ok := e.client.Mapper().QuizPushFromDomain(lesson)
		if !ok {
			return nil
		}

		dto, err := retry.DoWithData(ctx, e.pushRetrier, func(ctx context.Context) (*remote.CourseSnapshotDTO, error) {
			dto, err := e.client.PushQuizScore(ctx, j.lessonID.String(), body)
			return dto, classifyForRetry(err)
		})
		if err != nil {
			return err
		}

		return e.apply(e.client.Mapper().SnapshotEventFromDTO(dto))
	}

	return nil
}

func (e *Engine) pushLessonState(ctx context.Context, lesson *progress.LessonProgress) error {
	body := e.client.Mapper().LessonPushFromDomain(lesson)

	dto, err := retry.DoWithData(ctx, e.pushRetrier, func(ctx context.Context) (*remote.CourseSnapshotDTO, error) {
		dto, err := e.client.PushLessonProgress(ctx, lesson.LessonID.String(), body)
		return dto, classifyForRetry(err)
	})
	if err != nil {
		return err
	}

	// The push response is the authoritative snapshot: applying it
	// confirms the write and surfaces server-side side effects.
	return e.apply(e.client.Mapper().SnapshotEventFromDTO(dto))
}

// handleFailure decides what a failed job means for the worker.
// Returns true when the worker must stop.
func (e *Engine) handleFailure(courseID progress.CourseID, cs *courseState, j job, err error) bool {
	switch {
	case shared.IsAuth(err):
		// Auth failures are never retried: latch, requeue, surface.
		e.mu.Lock()
		e.authRequired = true
		e.mu.Unlock()

		cs.requeue(j)
		cs.mu.Lock()
		cs.running = false
		cs.mu.Unlock()

		e.logger.Warn("sync paused: authentication required", "course_id", courseID)
		e.publishEvent(NewSyncAuthRequiredEvent(courseID))
		return true

	case shared.IsConflict(err):
		// Server rejected the push against newer remote state: pull
		// first, then retry the job once against reconciled state.
		e.logger.Info("push conflict, forcing pull", "course_id", courseID)

		if pullErr := e.executePull(e.ctx, courseID); pullErr != nil {
			e.publishEvent(NewSyncFailedEvent(courseID, pullErr))
			return false
		}

		if retryErr := e.execute(e.ctx, courseID, j); retryErr != nil {
			e.logger.Error("push failed after conflict pull", "course_id", courseID, "error", retryErr)
			e.publishEvent(NewSyncFailedEvent(courseID, retryErr))
		}
		return false

	default:
		// Retries are exhausted. The course stays dirty; the next local
		// write or an explicit resync retries it.
		e.logger.Error("sync operation failed", "course_id", courseID, "error", err)
		e.publishEvent(NewSyncFailedEvent(courseID, err))

		if j.reset {
			// A reset is a destructive user action that must reach the
			// server eventually. Keep it queued and park the worker so
			// the next resync re-pushes it instead of pulling back the
			// progress the user wiped.
			cs.requeue(j)
			cs.mu.Lock()
			cs.running = false
			cs.mu.Unlock()
			return true
		}
		return false
	}
}

func (e *Engine) publishEvent(event shared.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(event); err != nil {
		e.logger.Error("failed to publish sync event", "error", err)
	}
}

// Close stops the engine and waits for in-flight workers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// ══════════════════════════════════════════════════════════════════════════════
// RETRY PLUMBING
// ══════════════════════════════════════════════════════════════════════════════

// classifyForRetry wraps client errors for the retrier: transient
// failures retry with backoff, everything else fails fast.
func classifyForRetry(err error) error {
	if err == nil {
		return nil
	}
	if shared.IsRetryable(err) {
		return retry.Retryable(err)
	}
	return retry.Permanent(err)
}

// errKind maps an error to its taxonomy sentinel for wrapping.
func errKind(err error) error {
	switch {
	case shared.IsAuth(err):
		return shared.ErrAuthRequired
	case shared.IsConflict(err):
		return shared.ErrConflict
	case shared.IsRetryable(err):
		return shared.ErrServiceUnavailable
	default:
		return shared.ErrExternalService
	}
}
